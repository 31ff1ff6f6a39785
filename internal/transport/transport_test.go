package transport

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.WriteMessage([]byte("hello"), false))
	require.NoError(t, a.WriteMessage([]byte("world"), true))
	assert.True(t, a.Binary.Load())

	msg, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	require.NoError(t, a.Close())
	msg, err = b.ReadMessage()
	require.NoError(t, err, "buffered message must survive peer close")
	assert.Equal(t, "world", string(msg))

	_, err = b.ReadMessage()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.WriteMessage([]byte("x"), false), ErrNotOpen)
	assert.ErrorIs(t, b.WriteMessage([]byte("x"), false), ErrClosed)
}

func frame(body string) []byte {
	out := make([]byte, 7+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(out)))
	binary.BigEndian.PutUint16(out[4:], 7)
	out[6] = 0xF8
	copy(out[7:], body)
	return out
}

func TestTCPFraming(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// 两个帧在一次写入中到达
		_, _ = conn.Write(append(frame("one"), frame("second")...))
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	tr := NewTCP("tcp://"+ln.Addr().String(), Options{ReadTimeout: 5 * time.Second})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	first, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, frame("one"), first)
	second, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, frame("second"), second)

	assert.ErrorIs(t, tr.WriteMessage([]byte("{}"), false), ErrTextOnlyBinary)
	require.NoError(t, tr.WriteMessage(frame("echo"), true))
	echo, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, frame("echo"), echo)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestWebSocketEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("auth"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?auth=abc"
	factory := NewFactory(Options{ReadTimeout: 5 * time.Second})
	tr, err := factory(Endpoint{Kind: KindWebSocket, URL: url})
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.WriteMessage([]byte(`{"msg":1}`), false))
	data, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"msg":1}`, string(data))

	require.NoError(t, tr.WriteMessage([]byte{1, 2, 3}, true))
	data, err = tr.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
	assert.ErrorIs(t, tr.WriteMessage([]byte("x"), false), ErrNotOpen)
}

func TestFactoryUnknownKind(t *testing.T) {
	_, err := NewFactory(Options{})(Endpoint{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestShouldEndMessage(t *testing.T) {
	ws := NewWebSocket("ws://example", nil, Options{MaxFrameSize: 100})
	assert.False(t, ws.ShouldEndMessage(99))
	assert.True(t, ws.ShouldEndMessage(100))

	p, _ := NewPipe()
	assert.False(t, p.ShouldEndMessage(1<<30))
	p.MaxMessageSize = 10
	assert.True(t, p.ShouldEndMessage(10))
}
