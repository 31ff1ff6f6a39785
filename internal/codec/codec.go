package codec

import (
	"errors"
	"fmt"
	"time"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
	FormatBinary  Format = "binary"
)

var (
	ErrUnknownFormat = errors.New("codec: unknown format")
	ErrMalformed     = errors.New("codec: malformed message")
	ErrFrameTooShort = errors.New("codec: frame too short")
	ErrUnknownHeader = errors.New("codec: unknown header tag")
)

const (
	DefaultMaxMessageSize     = 48 * 1024
	DefaultMaxMessageDuration = 3 * time.Second
	DefaultMaxBodySize        = 16 * 1024
)

type Options struct {
	// MaxMessageSize 单条物理消息的软上限, 超过后 ShouldEnd 返回 true
	MaxMessageSize int
	// MaxMessageDuration 单条物理消息最长的组装时间
	MaxMessageDuration time.Duration
	// MaxBodySize 二进制格式中单帧 body 的上限, 超过则分页
	MaxBodySize int
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.MaxMessageDuration <= 0 {
		o.MaxMessageDuration = DefaultMaxMessageDuration
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	return o
}

// Codec 负责一种线上格式
type Codec interface {
	Format() Format
	// Binary 传输层是否应当以二进制帧发送
	Binary() bool
	NewWriter() MessageWriter
	NewReader() MessageReader
}

// MessageWriter 逐条写入逻辑条目并组装成一条物理消息
type MessageWriter interface {
	Begin(id, ack int32)
	WriteRequest(r *Request) error
	WriteResponse(r *Response) error
	// Count 当前消息中的逻辑条目数量
	Count() int
	// Size 当前消息已编码的字节数
	Size() int
	ShouldEnd() bool
	End() ([]byte, error)
}

// MessageReader 解码物理消息. 二进制格式的分页状态保存在 reader 中
type MessageReader interface {
	Decode(data []byte) (*Message, error)
}

func New(format Format, opts Options) (Codec, error) {
	opts = opts.withDefaults()
	switch format {
	case FormatJSON, "":
		return &envelopeCodec{format: FormatJSON, opts: opts}, nil
	case FormatMsgpack:
		return &envelopeCodec{format: FormatMsgpack, opts: opts}, nil
	case FormatBinary:
		return &binaryCodec{opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
}

// sizeLimiter 由各 writer 共享的大小与时间阈值判断
type sizeLimiter struct {
	opts  Options
	start time.Time
	now   func() time.Time
}

func (l *sizeLimiter) begin() {
	if l.now == nil {
		l.now = time.Now
	}
	l.start = l.now()
}

func (l *sizeLimiter) exceeded(size int) bool {
	if size >= l.opts.MaxMessageSize {
		return true
	}
	return l.now().Sub(l.start) >= l.opts.MaxMessageDuration
}
