package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
)

// 二进制帧方法码
const (
	MethodSubscribeRequest   byte = 0x01
	MethodListRequest        byte = 0x02
	MethodInvokeRequest      byte = 0x03
	MethodSetRequest         byte = 0x04
	MethodRemoveRequest      byte = 0x05
	MethodUnsubscribeRequest byte = 0x06
	MethodCloseRequest       byte = 0x0F

	MethodSubscribeResponse   byte = 0x81
	MethodListResponse        byte = 0x82
	MethodInvokeResponse      byte = 0x83
	MethodSetResponse         byte = 0x84
	MethodRemoveResponse      byte = 0x85
	MethodUnsubscribeResponse byte = 0x86

	MethodHandshake0 byte = 0xF0
	MethodHandshake1 byte = 0xF1
	MethodHandshake2 byte = 0xF2
	MethodHandshake3 byte = 0xF3
	MethodPing       byte = 0xF8
	MethodAck        byte = 0xF9
)

// 动态头部标签. 0x80 以上为 u16 长度前缀的字符串
const (
	HeaderStatus        byte = 0x00
	HeaderSequenceID    byte = 0x01
	HeaderPageID        byte = 0x02
	HeaderAliasCount    byte = 0x08
	HeaderPriority      byte = 0x10
	HeaderNoStream      byte = 0x11
	HeaderQos           byte = 0x12
	HeaderQueueSize     byte = 0x14
	HeaderQueueDuration byte = 0x15
	HeaderMaxPermission byte = 0x22
	HeaderTargetPath    byte = 0x80
	HeaderSourcePath    byte = 0x81
	HeaderPubPath       byte = 0x82
)

// 状态头部取值
const (
	StatusOpen       byte = 0x00
	StatusInitialize byte = 0x01
	StatusClosed     byte = 0x02
	StatusError      byte = 0x80
)

const fixedHeaderSize = 7

var methodCodes = map[dsa.Method]byte{
	dsa.MethodSubscribe:   MethodSubscribeRequest,
	dsa.MethodList:        MethodListRequest,
	dsa.MethodInvoke:      MethodInvokeRequest,
	dsa.MethodSet:         MethodSetRequest,
	dsa.MethodRemove:      MethodRemoveRequest,
	dsa.MethodUnsubscribe: MethodUnsubscribeRequest,
	dsa.MethodClose:       MethodCloseRequest,
}

func RequestMethodCode(m dsa.Method) (byte, bool) {
	code, ok := methodCodes[m]
	return code, ok
}

// ResponseMethodCode close 没有对应的响应帧
func ResponseMethodCode(m dsa.Method) (byte, bool) {
	code, ok := methodCodes[m]
	if !ok || code == MethodCloseRequest {
		return 0, false
	}
	return code | 0x80, true
}

func MethodFromCode(code byte) (dsa.Method, bool) {
	for m, c := range methodCodes {
		if c == code || (c != MethodCloseRequest && c|0x80 == code) {
			return m, true
		}
	}
	return "", false
}

func IsRequestCode(code byte) bool {
	return code >= MethodSubscribeRequest && code <= MethodCloseRequest
}

func IsResponseCode(code byte) bool {
	return code >= MethodSubscribeResponse && code <= MethodUnsubscribeResponse
}

func hasRid(code byte) bool {
	return IsRequestCode(code) || IsResponseCode(code)
}

type Header struct {
	Tag byte
	Num uint32
	Str string
}

func headerWidth(tag byte) (int, error) {
	if tag >= 0x80 {
		return -1, nil
	}
	switch tag {
	case HeaderStatus, HeaderAliasCount, HeaderPriority, HeaderNoStream, HeaderQos, HeaderMaxPermission:
		return 1, nil
	case HeaderSequenceID, HeaderPageID, HeaderQueueSize, HeaderQueueDuration:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownHeader, tag)
}

// Frame 一个二进制帧
type Frame struct {
	Method  byte
	Rid     uint32
	Seq     uint32
	AckID   uint32
	Headers []Header
	Body    []byte
}

func (f *Frame) Header(tag byte) (Header, bool) {
	for _, h := range f.Headers {
		if h.Tag == tag {
			return h, true
		}
	}
	return Header{}, false
}

func (f *Frame) SetNum(tag byte, v uint32) {
	f.Headers = append(f.Headers, Header{Tag: tag, Num: v})
}

func (f *Frame) SetStr(tag byte, s string) {
	f.Headers = append(f.Headers, Header{Tag: tag, Str: s})
}

func (f *Frame) headerLen() (int, error) {
	n := fixedHeaderSize
	switch {
	case hasRid(f.Method):
		n += 8
	case f.Method == MethodAck:
		n += 4
	}
	for _, h := range f.Headers {
		width, err := headerWidth(h.Tag)
		if err != nil {
			return 0, err
		}
		if width < 0 {
			n += 1 + 2 + len(h.Str)
		} else {
			n += 1 + width
		}
	}
	return n, nil
}

// MarshalBinary [totalLen:u32][headerLen:u16][method:u8]([rid:u32][seq:u32])?[headers][body]
func (f *Frame) MarshalBinary() ([]byte, error) {
	hl, err := f.headerLen()
	if err != nil {
		return nil, err
	}
	if hl > 0xFFFF {
		return nil, fmt.Errorf("%w: header too large (%d bytes)", ErrMalformed, hl)
	}
	total := hl + len(f.Body)
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:], uint32(total))
	binary.BigEndian.PutUint16(out[4:], uint16(hl))
	out[6] = f.Method
	pos := fixedHeaderSize
	switch {
	case hasRid(f.Method):
		binary.BigEndian.PutUint32(out[pos:], f.Rid)
		binary.BigEndian.PutUint32(out[pos+4:], f.Seq)
		pos += 8
	case f.Method == MethodAck:
		binary.BigEndian.PutUint32(out[pos:], f.AckID)
		pos += 4
	}
	for _, h := range f.Headers {
		out[pos] = h.Tag
		pos++
		width, _ := headerWidth(h.Tag)
		switch width {
		case 1:
			out[pos] = byte(h.Num)
			pos++
		case 4:
			binary.BigEndian.PutUint32(out[pos:], h.Num)
			pos += 4
		default:
			binary.BigEndian.PutUint16(out[pos:], uint16(len(h.Str)))
			pos += 2
			pos += copy(out[pos:], h.Str)
		}
	}
	copy(out[pos:], f.Body)
	return out, nil
}

// FrameLength 读取帧头中的总长度, 供流式传输分帧使用
func FrameLength(prefix []byte) (int, error) {
	if len(prefix) < 4 {
		return 0, ErrFrameTooShort
	}
	n := int(binary.BigEndian.Uint32(prefix))
	if n < fixedHeaderSize {
		return 0, fmt.Errorf("%w: frame length %d", ErrMalformed, n)
	}
	return n, nil
}

// ReadFrame 从 data 开头解析一个帧, 返回帧与消耗的字节数.
// 长度字段合法但帧头内容非法时, 仍返回帧长度和已解析的部分帧, 调用方可以跳过该帧
func ReadFrame(data []byte) (*Frame, int, error) {
	if len(data) < fixedHeaderSize {
		return nil, 0, ErrFrameTooShort
	}
	total := int(binary.BigEndian.Uint32(data))
	hl := int(binary.BigEndian.Uint16(data[4:]))
	if total < fixedHeaderSize || hl < fixedHeaderSize || hl > total {
		return nil, 0, fmt.Errorf("%w: total=%d header=%d", ErrMalformed, total, hl)
	}
	if len(data) < total {
		return nil, 0, ErrFrameTooShort
	}
	f := &Frame{Method: data[6]}
	pos := fixedHeaderSize
	need := func(n int) error {
		if pos+n > hl {
			return fmt.Errorf("%w: header overrun", ErrMalformed)
		}
		return nil
	}
	switch {
	case hasRid(f.Method):
		if err := need(8); err != nil {
			return nil, total, err
		}
		f.Rid = binary.BigEndian.Uint32(data[pos:])
		f.Seq = binary.BigEndian.Uint32(data[pos+4:])
		pos += 8
	case f.Method == MethodAck:
		if err := need(4); err != nil {
			return f, total, err
		}
		f.AckID = binary.BigEndian.Uint32(data[pos:])
		pos += 4
	}
	for pos < hl {
		tag := data[pos]
		pos++
		width, err := headerWidth(tag)
		if err != nil {
			return f, total, err
		}
		h := Header{Tag: tag}
		switch width {
		case 1:
			if err := need(1); err != nil {
				return f, total, err
			}
			h.Num = uint32(data[pos])
			pos++
		case 4:
			if err := need(4); err != nil {
				return f, total, err
			}
			h.Num = binary.BigEndian.Uint32(data[pos:])
			pos += 4
		default:
			if err := need(2); err != nil {
				return f, total, err
			}
			n := int(binary.BigEndian.Uint16(data[pos:]))
			pos += 2
			if err := need(n); err != nil {
				return f, total, err
			}
			h.Str = string(data[pos : pos+n])
			pos += n
		}
		f.Headers = append(f.Headers, h)
	}
	if total > hl {
		f.Body = append([]byte(nil), data[hl:total]...)
	}
	return f, total, nil
}
