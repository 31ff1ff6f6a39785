package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingResponder struct {
	mu           sync.Mutex
	requests     []*codec.Request
	connected    atomic.Int32
	disconnected atomic.Int32
	onConnected  func(s ResponseSender)
}

func (r *recordingResponder) Connected(s ResponseSender) {
	r.connected.Add(1)
	if r.onConnected != nil {
		r.onConnected(s)
	}
}

func (r *recordingResponder) HandleRequest(req *codec.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
}

func (r *recordingResponder) Disconnected() {
	r.disconnected.Add(1)
}

type recordingRequester struct {
	responses    chan *codec.Response
	disconnected atomic.Int32
	onConnected  func(s RequestSender)
}

func (r *recordingRequester) Connected(s RequestSender) {
	if r.onConnected != nil {
		r.onConnected(s)
	}
}

func (r *recordingRequester) HandleResponse(resp *codec.Response) {
	r.responses <- resp
}

func (r *recordingRequester) Disconnected() {
	r.disconnected.Add(1)
}

type harness struct {
	session *Session
	broker  *transport.Pipe
	reader  codec.MessageReader
	errs    chan error
	cancel  context.CancelFunc
}

func jsonCodec(t *testing.T) codec.Codec {
	c, err := codec.New(codec.FormatJSON, codec.Options{})
	require.NoError(t, err)
	return c
}

func start(t *testing.T, link *transport.Pipe, broker *transport.Pipe, opts Options) *harness {
	if opts.Codec == nil {
		opts.Codec = jsonCodec(t)
	}
	s, err := New(link, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{session: s, broker: broker, reader: opts.Codec.NewReader(), errs: make(chan error, 1), cancel: cancel}
	go func() {
		h.errs <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return h
}

// next 读取 broker 端收到的下一条消息
func (h *harness) next(t *testing.T) *codec.Message {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := h.broker.ReadMessage()
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		msg, err := h.reader.Decode(r.data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// nextWithItems 跳过心跳与纯 ack 消息
func (h *harness) nextWithItems(t *testing.T) *codec.Message {
	t.Helper()
	for {
		msg := h.next(t)
		if msg.HasItems() {
			return msg
		}
	}
}

func (h *harness) send(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, h.broker.WriteMessage([]byte(raw), false))
}

func TestGetNextAckConsumedOnce(t *testing.T) {
	link, _ := transport.NewPipe()
	s, err := New(link, Options{Codec: jsonCodec(t)})
	require.NoError(t, err)

	assert.Equal(t, int32(-1), s.GetNextAck())
	s.SetNextAck(42)
	assert.Equal(t, int32(42), s.GetNextAck())
	assert.Equal(t, int32(-1), s.GetNextAck())
}

func TestSessionAcksInboundMessages(t *testing.T) {
	link, broker := transport.NewPipe()
	responder := &recordingResponder{}
	requester := &recordingRequester{responses: make(chan *codec.Response, 4)}
	h := start(t, link, broker, Options{Responder: responder, Requester: requester, PollInterval: 10 * time.Millisecond})

	h.send(t, `{"msg":7,"ack":3,"salt":"0x100","requests":[{"rid":1,"method":"list","path":"/"}],"responses":[{"rid":5,"stream":"open"}]}`)

	msg := h.next(t)
	assert.Equal(t, int32(7), msg.Ack)
	assert.Greater(t, msg.ID, int32(0))

	select {
	case resp := <-requester.responses:
		assert.Equal(t, uint32(5), resp.Rid)
		assert.Equal(t, dsa.StreamOpen, resp.Stream)
	case <-time.After(time.Second):
		t.Fatal("response not dispatched")
	}
	responder.mu.Lock()
	require.Len(t, responder.requests, 1)
	assert.Equal(t, dsa.MethodList, responder.requests[0].Method)
	responder.mu.Unlock()

	assert.Equal(t, "0x100", h.session.Salt())
	assert.Equal(t, int32(3), h.session.LastAckReceived())
	// ack 只发送一次
	assert.Equal(t, int32(-1), h.session.GetNextAck())
}

func TestSessionKeepAlivePing(t *testing.T) {
	link, broker := transport.NewPipe()
	h := start(t, link, broker, Options{PingInterval: 30 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	first := h.next(t)
	second := h.next(t)
	assert.True(t, first.Ping)
	assert.True(t, second.Ping)
	assert.Equal(t, int32(-1), first.Ack)
	assert.Equal(t, first.ID+1, second.ID)
}

func TestSessionAlternatesQueues(t *testing.T) {
	link, broker := transport.NewPipe()
	// 每条消息只能容纳一个条目
	link.MaxMessageSize = 1

	responder := &recordingResponder{onConnected: func(s ResponseSender) {
		for i := 1; i <= 3; i++ {
			rid := uint32(i)
			s.EnqueueResponse(OutboundFunc(func(w Writer) bool {
				_ = w.WriteResponse(&codec.Response{Rid: rid, Stream: dsa.StreamClosed})
				return false
			}))
		}
	}}
	requester := &recordingRequester{responses: make(chan *codec.Response, 1), onConnected: func(s RequestSender) {
		for i := 1; i <= 3; i++ {
			rid := uint32(100 + i)
			s.EnqueueRequest(OutboundFunc(func(w Writer) bool {
				_ = w.WriteRequest(&codec.Request{Rid: rid, Method: dsa.MethodClose})
				return false
			}))
		}
	}}
	h := start(t, link, broker, Options{Responder: responder, Requester: requester, PollInterval: 10 * time.Millisecond})

	var order []uint32
	for len(order) < 6 {
		msg := h.nextWithItems(t)
		require.Equal(t, 1, len(msg.Requests)+len(msg.Responses))
		for _, r := range msg.Requests {
			order = append(order, r.Rid)
		}
		for _, r := range msg.Responses {
			order = append(order, r.Rid)
		}
	}
	assert.Equal(t, []uint32{1, 101, 2, 102, 3, 103}, order)
}

func TestSessionRequeuesUnfinishedProducer(t *testing.T) {
	link, broker := transport.NewPipe()
	link.MaxMessageSize = 1

	responder := &recordingResponder{onConnected: func(s ResponseSender) {
		next := uint32(1)
		s.EnqueueResponse(OutboundFunc(func(w Writer) bool {
			for !w.ShouldEnd() && next <= 3 {
				_ = w.WriteResponse(&codec.Response{Rid: next, Stream: dsa.StreamOpen})
				next++
			}
			return next <= 3
		}))
	}}
	h := start(t, link, broker, Options{Responder: responder, PollInterval: 10 * time.Millisecond})

	for rid := uint32(1); rid <= 3; rid++ {
		msg := h.nextWithItems(t)
		require.Len(t, msg.Responses, 1)
		assert.Equal(t, rid, msg.Responses[0].Rid)
	}
}

func TestSessionPanickingProducerDoesNotKillSession(t *testing.T) {
	link, broker := transport.NewPipe()
	responder := &recordingResponder{onConnected: func(s ResponseSender) {
		s.EnqueueResponse(OutboundFunc(func(w Writer) bool {
			panic("boom")
		}))
		s.EnqueueResponse(OutboundFunc(func(w Writer) bool {
			_ = w.WriteResponse(&codec.Response{Rid: 9, Stream: dsa.StreamClosed})
			return false
		}))
	}}
	h := start(t, link, broker, Options{Responder: responder, PollInterval: 10 * time.Millisecond})

	msg := h.nextWithItems(t)
	require.Len(t, msg.Responses, 1)
	assert.Equal(t, uint32(9), msg.Responses[0].Rid)
	assert.True(t, h.session.Connected())
}

func TestSessionIgnoresMalformedMessage(t *testing.T) {
	link, broker := transport.NewPipe()
	responder := &recordingResponder{}
	h := start(t, link, broker, Options{Responder: responder, PollInterval: 10 * time.Millisecond})

	h.send(t, `{not json`)
	h.send(t, `{"msg":3,"requests":[{"rid":2,"method":"close"}]}`)

	msg := h.next(t)
	assert.Equal(t, int32(3), msg.Ack)
	assert.True(t, h.session.Connected())
}

func TestSessionSkipsMalformedItems(t *testing.T) {
	link, broker := transport.NewPipe()
	responder := &recordingResponder{}
	h := start(t, link, broker, Options{Responder: responder, PollInterval: 10 * time.Millisecond})

	// 缺少 rid 的条目与非对象条目被跳过, 同一消息中的其他请求照常分发
	h.send(t, `{"msg":7,"requests":[{"rid":1,"method":"list","path":"/"},{"method":"list","path":"/x"},"oops",{"rid":3,"method":"list","path":"/y"}]}`)

	msg := h.next(t)
	assert.Equal(t, int32(7), msg.Ack)

	responder.mu.Lock()
	require.Len(t, responder.requests, 2)
	assert.Equal(t, uint32(1), responder.requests[0].Rid)
	assert.Equal(t, uint32(3), responder.requests[1].Rid)
	assert.Equal(t, "/y", responder.requests[1].Path)
	responder.mu.Unlock()
	assert.True(t, h.session.Connected())
}

func TestSessionAcksMessageWithOnlyMalformedItems(t *testing.T) {
	link, broker := transport.NewPipe()
	responder := &recordingResponder{}
	h := start(t, link, broker, Options{Responder: responder, PollInterval: 10 * time.Millisecond})

	h.send(t, `{"msg":4,"requests":[{"method":"list"}]}`)

	msg := h.next(t)
	assert.Equal(t, int32(4), msg.Ack)
	responder.mu.Lock()
	assert.Empty(t, responder.requests)
	responder.mu.Unlock()
}

func TestSessionIgnoresOutOfRangeAck(t *testing.T) {
	link, broker := transport.NewPipe()
	responder := &recordingResponder{}
	h := start(t, link, broker, Options{Responder: responder, PollInterval: 10 * time.Millisecond})

	h.send(t, `{"msg":5,"ack":2}`)
	h.send(t, `{"msg":6,"ack":4294967296,"requests":[{"rid":1,"method":"close"}]}`)

	msg := h.next(t)
	assert.Equal(t, int32(6), msg.Ack)
	assert.Equal(t, int32(2), h.session.LastAckReceived())
}

func TestSessionNotAllowed(t *testing.T) {
	link, broker := transport.NewPipe()
	responder := &recordingResponder{}
	h := start(t, link, broker, Options{Responder: responder})

	h.send(t, `{"allowed":false}`)

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrNotAllowed)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, int32(1), responder.disconnected.Load())
	assert.False(t, link.IsOpen())
}

func TestSessionCloseDropsQueues(t *testing.T) {
	link, broker := transport.NewPipe()
	senders := make(chan ResponseSender, 1)
	responder := &recordingResponder{onConnected: func(s ResponseSender) { senders <- s }}
	h := start(t, link, broker, Options{Responder: responder, PingInterval: time.Hour, PollInterval: time.Hour})
	sender := <-senders

	h.session.Close()
	h.session.Close()

	select {
	case err := <-h.errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	<-h.session.Done()
	assert.False(t, h.session.Connected())
	assert.False(t, sender.EnqueueResponse(OutboundFunc(func(w Writer) bool { return false })))
	assert.Equal(t, int32(1), responder.disconnected.Load())
}

func TestSessionTransportFailure(t *testing.T) {
	link, broker := transport.NewPipe()
	requester := &recordingRequester{responses: make(chan *codec.Response, 1)}
	h := start(t, link, broker, Options{Requester: requester, PingInterval: time.Hour, PollInterval: time.Hour})

	require.NoError(t, broker.Close())

	select {
	case err := <-h.errs:
		assert.True(t, errors.Is(err, transport.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, int32(1), requester.disconnected.Load())
}

func TestSessionRunTwice(t *testing.T) {
	link, broker := transport.NewPipe()
	h := start(t, link, broker, Options{})
	// 等待第一次 Run 进入已连接状态
	require.Eventually(t, h.session.Connected, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.session.Run(context.Background()), ErrAlreadyStarted)
}
