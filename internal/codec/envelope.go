package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// envelopeCodec 每条物理消息是一个对象:
// {"msg":1,"ack":2,"requests":[...],"responses":[...],"salt":"..","allowed":true}
type envelopeCodec struct {
	format Format
	opts   Options
}

func (c *envelopeCodec) Format() Format {
	return c.format
}

func (c *envelopeCodec) Binary() bool {
	return c.format == FormatMsgpack
}

func (c *envelopeCodec) NewWriter() MessageWriter {
	return &envelopeWriter{format: c.format, limiter: sizeLimiter{opts: c.opts}}
}

func (c *envelopeCodec) NewReader() MessageReader {
	return &envelopeReader{format: c.format}
}

type envelopeWriter struct {
	format    Format
	limiter   sizeLimiter
	id        int32
	ack       int32
	requests  []interface{}
	responses []interface{}
	size      int
}

func (w *envelopeWriter) Begin(id, ack int32) {
	w.id = id
	w.ack = ack
	w.requests = w.requests[:0]
	w.responses = w.responses[:0]
	w.size = 0
	w.limiter.begin()
}

// encodeItem JSON 格式直接保留编码结果, msgpack 格式只用编码结果计算大小
func (w *envelopeWriter) encodeItem(m map[string]interface{}) (interface{}, int, error) {
	if w.format == FormatMsgpack {
		data, err := EncodeMsgpack(m)
		if err != nil {
			return nil, 0, err
		}
		return m, len(data), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, 0, fmt.Errorf("json encode: %w", err)
	}
	return json.RawMessage(data), len(data) + 1, nil
}

func (w *envelopeWriter) WriteRequest(r *Request) error {
	item, n, err := w.encodeItem(r.ToMap())
	if err != nil {
		return err
	}
	w.requests = append(w.requests, item)
	w.size += n
	return nil
}

func (w *envelopeWriter) WriteResponse(r *Response) error {
	item, n, err := w.encodeItem(r.ToMap())
	if err != nil {
		return err
	}
	w.responses = append(w.responses, item)
	w.size += n
	return nil
}

func (w *envelopeWriter) Count() int {
	return len(w.requests) + len(w.responses)
}

func (w *envelopeWriter) Size() int {
	return w.size
}

func (w *envelopeWriter) ShouldEnd() bool {
	return w.limiter.exceeded(w.size)
}

func (w *envelopeWriter) End() ([]byte, error) {
	if w.format == FormatMsgpack {
		m := map[string]interface{}{}
		if w.id >= 0 {
			m["msg"] = w.id
		}
		if w.ack >= 0 {
			m["ack"] = w.ack
		}
		if len(w.requests) > 0 {
			m["requests"] = w.requests
		}
		if len(w.responses) > 0 {
			m["responses"] = w.responses
		}
		return EncodeMsgpack(m)
	}

	var buf bytes.Buffer
	buf.Grow(w.size + 64)
	buf.WriteByte('{')
	first := true
	field := func(name string) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(`"` + name + `":`)
	}
	if w.id >= 0 {
		field("msg")
		buf.WriteString(strconv.Itoa(int(w.id)))
	}
	if w.ack >= 0 {
		field("ack")
		buf.WriteString(strconv.Itoa(int(w.ack)))
	}
	writeList := func(name string, items []interface{}) {
		if len(items) == 0 {
			return
		}
		field(name)
		buf.WriteByte('[')
		for i, item := range items {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(item.(json.RawMessage))
		}
		buf.WriteByte(']')
	}
	writeList("requests", w.requests)
	writeList("responses", w.responses)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type envelopeReader struct {
	format Format
}

func (r *envelopeReader) Decode(data []byte) (*Message, error) {
	var envelope map[string]interface{}
	if r.format == FormatMsgpack {
		m, err := DecodeMsgpackMap(data)
		if err != nil {
			return nil, err
		}
		envelope = m
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		m, ok := normalize(v).(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: envelope is not an object", ErrMalformed)
		}
		envelope = m
	}
	return decodeEnvelope(envelope)
}

func decodeEnvelope(m map[string]interface{}) (*Message, error) {
	msg := newMessage()
	msg.ID = msg.envelopeID(m, "msg")
	msg.Ack = msg.envelopeID(m, "ack")
	msg.Salt, _ = m["salt"].(string)
	if allowed, ok := m["allowed"].(bool); ok {
		msg.Allowed = &allowed
	}
	// 单个条目非法时只跳过该条目, 其余条目照常分发
	if requests, ok := m["requests"].([]interface{}); ok {
		for i, raw := range requests {
			rm, ok := raw.(map[string]interface{})
			if !ok {
				msg.skip(fmt.Errorf("request %d is not an object", i))
				continue
			}
			req, err := RequestFromMap(rm)
			if err != nil {
				msg.skip(fmt.Errorf("request %d: %w", i, err))
				continue
			}
			msg.Requests = append(msg.Requests, req)
		}
	}
	if responses, ok := m["responses"].([]interface{}); ok {
		for i, raw := range responses {
			rm, ok := raw.(map[string]interface{})
			if !ok {
				msg.skip(fmt.Errorf("response %d is not an object", i))
				continue
			}
			resp, err := ResponseFromMap(rm)
			if err != nil {
				msg.skip(fmt.Errorf("response %d: %w", i, err))
				continue
			}
			msg.Responses = append(msg.Responses, resp)
		}
	}
	msg.Ping = !msg.HasItems()
	return msg, nil
}

// envelopeID 读取 msg/ack 字段, 超出 int32 范围的值按缺省处理
func (m *Message) envelopeID(env map[string]interface{}, key string) int32 {
	raw, present := env[key]
	if !present || raw == nil {
		return -1
	}
	id, ok := ToInt64(raw)
	if !ok || id < 0 || id > math.MaxInt32 {
		m.Ignored = append(m.Ignored, fmt.Errorf("%s %v out of range", key, raw))
		return -1
	}
	return int32(id)
}
