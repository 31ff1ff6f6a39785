// Package transport 实现 link 与 broker 之间的字节管道
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/logger"
)

var (
	ErrClosed         = errors.New("transport: closed")
	ErrNotOpen        = errors.New("transport: not open")
	ErrUnknownKind    = errors.New("transport: unknown kind")
	ErrFrameTooLarge  = errors.New("transport: frame too large")
	ErrTextOnlyBinary = errors.New("transport: tcp transport only carries binary frames")
)

type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindTCP       Kind = "tcp"
)

// Endpoint 握手得到的连接目标
type Endpoint struct {
	Kind   Kind
	URL    string
	Header http.Header
}

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxFrameSize 单个传输帧的上限, ShouldEndMessage 以此作为提示
	MaxFrameSize int
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
	return o
}

// Transport 一个可以收发完整物理消息的连接
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
	// ReadMessage 阻塞直到收到一条完整的物理消息
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, binary bool) error
	// ShouldEndMessage 传输层对当前消息大小的提示
	ShouldEndMessage(size int) bool
	RemoteAddr() string
}

// Factory 根据握手结果创建传输
type Factory func(ep Endpoint) (Transport, error)

// NewFactory 返回按 Endpoint.Kind 选择实现的默认工厂
func NewFactory(opts Options) Factory {
	return func(ep Endpoint) (Transport, error) {
		switch ep.Kind {
		case KindWebSocket, "":
			return NewWebSocket(ep.URL, ep.Header, opts), nil
		case KindTCP:
			return NewTCP(ep.URL, opts), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, ep.Kind)
	}
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// HandleReadError 按错误类型记录读取失败
func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, ErrClosed):
		logger.InfoF("[%s] Broker closed connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading message, details: %v", connID, err)
	}
}
