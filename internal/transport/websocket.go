package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocket struct {
	url    string
	header http.Header
	opts   Options
	dialer *websocket.Dialer

	conn    *websocket.Conn
	open    atomic.Bool
	writeMu sync.Mutex
	close   sync.Once
}

func NewWebSocket(url string, header http.Header, opts Options) *WebSocket {
	opts = opts.withDefaults()
	return &WebSocket{
		url:    url,
		header: header,
		opts:   opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.WriteTimeout,
		},
	}
}

func (w *WebSocket) Open(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", w.url, err)
	}
	conn.SetReadLimit(int64(w.opts.MaxFrameSize) * 4)
	conn.SetPingHandler(func(appData string) error {
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(w.opts.WriteTimeout))
	})
	w.conn = conn
	w.open.Store(true)
	return nil
}

func (w *WebSocket) Close() error {
	var err error
	w.close.Do(func() {
		w.open.Store(false)
		if w.conn == nil {
			return
		}
		w.writeMu.Lock()
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) IsOpen() bool {
	return w.open.Load()
}

func (w *WebSocket) ReadMessage() ([]byte, error) {
	if !w.IsOpen() {
		return nil, ErrNotOpen
	}
	for {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
		messageType, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return message, nil
		}
	}
}

func (w *WebSocket) WriteMessage(data []byte, binary bool) error {
	if !w.IsOpen() {
		return ErrNotOpen
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	return w.conn.WriteMessage(messageType, data)
}

func (w *WebSocket) ShouldEndMessage(size int) bool {
	return size >= w.opts.MaxFrameSize
}

func (w *WebSocket) RemoteAddr() string {
	if w.conn == nil {
		return w.url
	}
	return w.conn.RemoteAddr().String()
}
