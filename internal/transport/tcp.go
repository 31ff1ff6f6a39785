package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/logger"
)

// TCP 承载二进制帧的流式传输. 帧以 4 字节大端总长度开头
type TCP struct {
	addr string
	opts Options

	conn    net.Conn
	reader  *bufio.Reader
	open    atomic.Bool
	writeMu sync.Mutex
	close   sync.Once
}

// NewTCP addr 可以是 host:port 或 tcp://host:port
func NewTCP(addr string, opts Options) *TCP {
	return &TCP{addr: strings.TrimPrefix(addr, "tcp://"), opts: opts.withDefaults()}
}

func (t *TCP) Open(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.addr, err)
	}
	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, 64*1024)
	t.open.Store(true)
	return nil
}

func (t *TCP) Close() error {
	var err error
	t.close.Do(func() {
		t.open.Store(false)
		if t.conn != nil {
			err = t.conn.Close()
			if err != nil && IsNetClosedError(err) {
				err = nil
			}
		}
	})
	return err
}

func (t *TCP) IsOpen() bool {
	return t.open.Load()
}

// ReadMessage 读取恰好一个二进制帧
func (t *TCP) ReadMessage() ([]byte, error) {
	if !t.IsOpen() {
		return nil, ErrNotOpen
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	var prefix [4]byte
	if _, err := io.ReadFull(t.reader, prefix[:]); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint32(prefix[:]))
	if total < 7 || total > t.opts.MaxFrameSize*4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	frame := make([]byte, total)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(t.reader, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *TCP) WriteMessage(data []byte, binary bool) error {
	if !t.IsOpen() {
		return ErrNotOpen
	}
	if !binary {
		return ErrTextOnlyBinary
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	total := 0
	for total < len(data) {
		n, err := t.conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", t.addr, err)
			return err
		}
		total += n
	}
	return nil
}

func (t *TCP) ShouldEndMessage(size int) bool {
	return size >= t.opts.MaxFrameSize
}

func (t *TCP) RemoteAddr() string {
	if t.conn == nil {
		return t.addr
	}
	return t.conn.RemoteAddr().String()
}
