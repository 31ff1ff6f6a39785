package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pipe 进程内的传输, 两端通过 NewPipe 成对创建
type Pipe struct {
	name   string
	in     chan []byte
	peer   *Pipe
	closed chan struct{}
	once   sync.Once
	open   atomic.Bool
	// MaxMessageSize 大于 0 时作为 ShouldEndMessage 的阈值
	MaxMessageSize int
	// Binary 记录最后一次写入的帧类型
	Binary atomic.Bool
}

func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{name: "pipe-a", in: make(chan []byte, 256), closed: make(chan struct{})}
	b := &Pipe{name: "pipe-b", in: make(chan []byte, 256), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	a.open.Store(true)
	b.open.Store(true)
	return a, b
}

func (p *Pipe) Open(_ context.Context) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	p.open.Store(true)
	return nil
}

// Close 关闭本端, 对端随后的读取返回 ErrClosed
func (p *Pipe) Close() error {
	p.once.Do(func() {
		p.open.Store(false)
		close(p.closed)
	})
	return nil
}

func (p *Pipe) IsOpen() bool {
	return p.open.Load()
}

func (p *Pipe) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peer.closed:
		// 对端关闭后仍然读完已缓冲的消息
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (p *Pipe) WriteMessage(data []byte, binary bool) error {
	if !p.IsOpen() {
		return ErrNotOpen
	}
	select {
	case <-p.peer.closed:
		return ErrClosed
	default:
	}
	p.Binary.Store(binary)
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.peer.in <- buf:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	}
}

func (p *Pipe) ShouldEndMessage(size int) bool {
	return p.MaxMessageSize > 0 && size >= p.MaxMessageSize
}

func (p *Pipe) RemoteAddr() string {
	return p.peer.name
}
