package codec

import (
	"fmt"
	"math"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
)

type binaryCodec struct {
	opts Options
}

func (c *binaryCodec) Format() Format {
	return FormatBinary
}

func (c *binaryCodec) Binary() bool {
	return true
}

func (c *binaryCodec) NewWriter() MessageWriter {
	return &binaryWriter{limiter: sizeLimiter{opts: c.opts}, maxBody: c.opts.MaxBodySize}
}

func (c *binaryCodec) NewReader() MessageReader {
	return &binaryReader{pages: make(map[pageKey][]byte)}
}

type binaryWriter struct {
	limiter sizeLimiter
	maxBody int
	seq     uint32
	out     []byte
	count   int
}

func (w *binaryWriter) Begin(id, ack int32) {
	w.out = w.out[:0]
	w.count = 0
	w.seq = 0
	if id > 0 {
		w.seq = uint32(id)
	}
	w.limiter.begin()
	if ack >= 0 {
		f := &Frame{Method: MethodAck, AckID: uint32(ack)}
		data, _ := f.MarshalBinary()
		w.out = append(w.out, data...)
	}
}

// appendPaged 按 maxBody 切分 body. 非最后一页携带 PageID, 最后一页携带完整头部
func (w *binaryWriter) appendPaged(f *Frame) error {
	body := f.Body
	page := uint32(0)
	for len(body) > w.maxBody {
		part := &Frame{Method: f.Method, Rid: f.Rid, Seq: f.Seq, Body: body[:w.maxBody]}
		part.SetNum(HeaderPageID, page)
		data, err := part.MarshalBinary()
		if err != nil {
			return err
		}
		w.out = append(w.out, data...)
		body = body[w.maxBody:]
		page++
	}
	f.Body = body
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	w.out = append(w.out, data...)
	w.count++
	return nil
}

func encodeBody(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return EncodeMsgpack(m)
}

func (w *binaryWriter) WriteRequest(r *Request) error {
	code, ok := RequestMethodCode(r.Method)
	if !ok {
		return fmt.Errorf("%w: no binary method for %q", ErrMalformed, r.Method)
	}
	f := &Frame{Method: code, Rid: r.Rid, Seq: w.seq}
	if r.Path != "" {
		f.SetStr(HeaderTargetPath, r.Path)
	}
	if r.Permit != "" {
		f.SetNum(HeaderMaxPermission, uint32(dsa.ParsePermission(r.Permit)))
	}
	if r.NoStream {
		f.SetNum(HeaderNoStream, 1)
	}
	body := map[string]interface{}{}
	r.bodyInto(body)
	data, err := encodeBody(body)
	if err != nil {
		return err
	}
	f.Body = data
	return w.appendPaged(f)
}

func streamStatus(r *Response) byte {
	switch {
	case r.Error != nil:
		return StatusError
	case r.Stream == dsa.StreamClosed:
		return StatusClosed
	case r.Stream == dsa.StreamInitialize:
		return StatusInitialize
	}
	return StatusOpen
}

func (w *binaryWriter) WriteResponse(r *Response) error {
	method := r.Method
	if method == "" && r.Rid == 0 {
		method = dsa.MethodSubscribe
	}
	code, ok := ResponseMethodCode(method)
	if !ok {
		return fmt.Errorf("%w: no binary response method for %q", ErrMalformed, method)
	}
	f := &Frame{Method: code, Rid: r.Rid, Seq: w.seq}
	f.SetNum(HeaderStatus, uint32(streamStatus(r)))
	body := map[string]interface{}{}
	r.bodyInto(body)
	data, err := encodeBody(body)
	if err != nil {
		return err
	}
	f.Body = data
	return w.appendPaged(f)
}

func (w *binaryWriter) Count() int {
	return w.count
}

func (w *binaryWriter) Size() int {
	return len(w.out)
}

func (w *binaryWriter) ShouldEnd() bool {
	return w.limiter.exceeded(len(w.out))
}

// End 没有任何内容时输出一个 ping 帧
func (w *binaryWriter) End() ([]byte, error) {
	if len(w.out) == 0 {
		f := &Frame{Method: MethodPing}
		return f.MarshalBinary()
	}
	out := make([]byte, len(w.out))
	copy(out, w.out)
	return out, nil
}

type pageKey struct {
	method byte
	rid    uint32
}

type binaryReader struct {
	pages map[pageKey][]byte
}

func (r *binaryReader) Decode(data []byte) (*Message, error) {
	msg := newMessage()
	frames := 0
	for len(data) > 0 {
		f, n, err := ReadFrame(data)
		if n == 0 {
			// 长度字段损坏, 剩余字节无法再分帧
			if frames == 0 {
				return nil, err
			}
			msg.skip(fmt.Errorf("%d trailing bytes: %w", len(data), err))
			break
		}
		frames++
		data = data[n:]
		if err == nil {
			err = r.handleFrame(msg, f)
		}
		if err != nil {
			r.rejectFrame(msg, f, err)
		}
	}
	return msg, nil
}

// rejectFrame 跳过一个非法帧. 能确定 rid 时把错误交给对应的请求或响应
func (r *binaryReader) rejectFrame(msg *Message, f *Frame, err error) {
	if f == nil || !hasRid(f.Method) {
		msg.skip(err)
		return
	}
	delete(r.pages, pageKey{method: f.Method, rid: f.Rid})
	msg.setSeq(f.Seq)
	method, _ := MethodFromCode(f.Method)
	e := dsa.NewError(dsa.ErrTypeInvalidMessage, err.Error())
	if IsRequestCode(f.Method) {
		if method == "" {
			method = dsa.Method(fmt.Sprintf("0x%02x", f.Method))
		}
		msg.Requests = append(msg.Requests, &Request{Rid: f.Rid, Method: method, Err: e})
		return
	}
	msg.Responses = append(msg.Responses, &Response{Rid: f.Rid, Method: method, Stream: dsa.StreamClosed, Error: e})
}

// setSeq 记录帧序号作为消息 id, 超出 int32 范围时忽略
func (m *Message) setSeq(seq uint32) {
	if seq == 0 {
		return
	}
	if seq > math.MaxInt32 {
		m.Ignored = append(m.Ignored, fmt.Errorf("msg %d out of range", seq))
		return
	}
	m.ID = int32(seq)
}

func (r *binaryReader) handleFrame(msg *Message, f *Frame) error {
	switch {
	case f.Method == MethodPing:
		msg.Ping = true
		return nil
	case f.Method == MethodAck:
		if f.AckID > math.MaxInt32 {
			msg.Ignored = append(msg.Ignored, fmt.Errorf("ack %d out of range", f.AckID))
			return nil
		}
		msg.Ack = int32(f.AckID)
		return nil
	case f.Method >= MethodHandshake0 && f.Method <= MethodHandshake3:
		return fmt.Errorf("%w: unexpected handshake frame 0x%02x", ErrMalformed, f.Method)
	case !hasRid(f.Method):
		return fmt.Errorf("%w: unknown method 0x%02x", ErrMalformed, f.Method)
	}

	msg.setSeq(f.Seq)
	key := pageKey{method: f.Method, rid: f.Rid}
	if _, paged := f.Header(HeaderPageID); paged {
		r.pages[key] = append(r.pages[key], f.Body...)
		return nil
	}
	body := f.Body
	if buffered, ok := r.pages[key]; ok {
		body = append(buffered, f.Body...)
		delete(r.pages, key)
	}

	m := map[string]interface{}{}
	if len(body) > 0 {
		decoded, err := DecodeMsgpackMap(body)
		if err != nil {
			return err
		}
		m = decoded
	}
	method, _ := MethodFromCode(f.Method)

	if IsRequestCode(f.Method) {
		req := &Request{Rid: f.Rid, Method: method}
		if h, ok := f.Header(HeaderTargetPath); ok {
			req.Path = h.Str
		}
		if h, ok := f.Header(HeaderMaxPermission); ok {
			req.Permit = dsa.Permission(h.Num).String()
		}
		if h, ok := f.Header(HeaderNoStream); ok && h.Num != 0 {
			req.NoStream = true
		}
		req.readBody(m)
		if method == "" {
			req.Method = dsa.Method(fmt.Sprintf("0x%02x", f.Method))
		}
		msg.Requests = append(msg.Requests, req)
		return nil
	}

	resp := &Response{Rid: f.Rid, Method: method, Stream: dsa.StreamOpen}
	resp.readBody(m)
	if h, ok := f.Header(HeaderStatus); ok {
		switch byte(h.Num) {
		case StatusInitialize:
			resp.Stream = dsa.StreamInitialize
		case StatusClosed:
			resp.Stream = dsa.StreamClosed
		case StatusError:
			resp.Stream = dsa.StreamClosed
			if resp.Error == nil {
				resp.Error = dsa.NewError(dsa.ErrTypeServerError, "")
			}
		}
	}
	msg.Responses = append(msg.Responses, resp)
	return nil
}

// EncodeHandshake 编码握手帧 (0xF0-0xF3), body 为 msgpack map
func EncodeHandshake(method byte, body map[string]interface{}) ([]byte, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	f := &Frame{Method: method, Body: data}
	return f.MarshalBinary()
}

// DecodeHandshake 解析握手帧, 并校验方法码
func DecodeHandshake(data []byte, expected byte) (map[string]interface{}, error) {
	f, _, err := ReadFrame(data)
	if err != nil {
		return nil, err
	}
	if f.Method != expected {
		return nil, fmt.Errorf("%w: expected handshake frame 0x%02x, got 0x%02x", ErrMalformed, expected, f.Method)
	}
	if len(f.Body) == 0 {
		return map[string]interface{}{}, nil
	}
	return DecodeMsgpackMap(f.Body)
}
