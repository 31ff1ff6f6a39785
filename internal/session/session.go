// Package session 实现一次连接上的消息泵: 读写循环、ack、出站队列与心跳
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/telemetry"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/transport"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/utils"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotOpen        = errors.New("session: transport is not open")
	ErrNotAllowed     = errors.New("session: broker does not allow this link")
	ErrClosed         = errors.New("session: closed")
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPollInterval = time.Second
)

// Writer 当前物理消息, Outbound 在写入机会中使用
type Writer interface {
	WriteRequest(r *codec.Request) error
	WriteResponse(r *codec.Response) error
	// ShouldEnd 消息已达到大小或时间阈值
	ShouldEnd() bool
}

// Outbound 排队等待写入的生产者. 返回 true 表示还有数据, 会在下一条消息中继续
type Outbound interface {
	Write(w Writer) bool
}

type OutboundFunc func(w Writer) bool

func (f OutboundFunc) Write(w Writer) bool {
	return f(w)
}

type RequestSender interface {
	EnqueueRequest(o Outbound) bool
}

type ResponseSender interface {
	EnqueueResponse(o Outbound) bool
}

// RequestHandler 处理对端发来的请求, 即 responder 角色
type RequestHandler interface {
	Connected(s ResponseSender)
	HandleRequest(req *codec.Request)
	Disconnected()
}

// ResponseHandler 处理对端发来的响应, 即 requester 角色
type ResponseHandler interface {
	Connected(s RequestSender)
	HandleResponse(resp *codec.Response)
	Disconnected()
}

type Options struct {
	Codec        codec.Codec
	PingInterval time.Duration
	// PollInterval 写循环在没有通知时的最长睡眠时间
	PollInterval time.Duration
	Responder    RequestHandler
	Requester    ResponseHandler
	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

type Session struct {
	id     string
	opts   Options
	t      transport.Transport
	reader codec.MessageReader
	writer codec.MessageWriter
	log    *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	mu            sync.Mutex
	requests      utils.Deque[Outbound]
	responses     utils.Deque[Outbound]
	requestsFirst bool
	wake          chan struct{}

	msgIDs          dsa.Counter
	acks            *dsa.AckTracker
	lastAckReceived atomic.Int32
	lastSend        atomic.Int64
	connected       atomic.Bool
	started         atomic.Bool
	salt            atomic.Value

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func New(t transport.Transport, opts Options) (*Session, error) {
	if opts.Codec == nil {
		c, err := codec.New(codec.FormatJSON, codec.Options{})
		if err != nil {
			return nil, err
		}
		opts.Codec = c
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
		if opts.Codec.Format() == codec.FormatBinary {
			opts.PollInterval = opts.PingInterval
		}
	}
	id := ulid.Make().String()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:     id,
		opts:   opts,
		t:      t,
		reader: opts.Codec.NewReader(),
		writer: opts.Codec.NewWriter(),
		log:    log.With(telemetry.LabelSession.L(id)),
		msink:  telemetry.SinkOrDefault(opts.MetricSink),
		labels: append(append([]metrics.Label{}, opts.MetricLabels...), telemetry.LabelFormat.M(string(opts.Codec.Format()))),
		wake:   make(chan struct{}, 1),
		acks:   dsa.NewAckTracker(),
		done:   make(chan struct{}),
	}
	s.lastAckReceived.Store(-1)
	s.salt.Store("")
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Done 会话结束后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err 导致会话结束的第一个错误, 主动关闭时为 nil
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// GetNextAck 读取并清除待发送的 ack, 没有时返回 -1
func (s *Session) GetNextAck() int32 {
	return s.acks.Take()
}

func (s *Session) SetNextAck(id int32) {
	s.acks.Set(id)
}

func (s *Session) LastAckReceived() int32 {
	return s.lastAckReceived.Load()
}

// Salt 对端最近一次下发的 salt
func (s *Session) Salt() string {
	return s.salt.Load().(string)
}

// Run 阻塞直到会话断开. 只能调用一次
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if !s.t.IsOpen() {
		s.fail(ErrNotOpen)
		return ErrNotOpen
	}
	s.lastSend.Store(time.Now().UnixNano())
	s.connected.Store(true)
	s.log.Info("session connected", "remote", s.t.RemoteAddr(), "format", s.opts.Codec.Format())

	if s.opts.Responder != nil {
		s.opts.Responder.Connected(s)
	}
	if s.opts.Requester != nil {
		s.opts.Requester.Connected(s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.readLoop)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Close()
		case <-s.done:
		}
		return nil
	})
	_ = g.Wait()
	s.Close()

	err := s.Err()
	if err != nil {
		s.log.Warn("session disconnected", "error", err)
	} else {
		s.log.Info("session closed")
	}
	return err
}

// Close 断开会话: 清空出站队列并强制关闭两个角色, 可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		if err := s.t.Close(); err != nil && !transport.IsNetClosedError(err) {
			s.log.Debug("error occured while closing transport", "error", err)
		}

		s.mu.Lock()
		s.requests.Clear()
		s.responses.Clear()
		s.mu.Unlock()

		if s.started.Load() {
			if s.opts.Responder != nil {
				s.opts.Responder.Disconnected()
			}
			if s.opts.Requester != nil {
				s.opts.Requester.Disconnected()
			}
		}
		close(s.done)
	})
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil && s.connected.Load() {
		s.err = err
	}
	s.errMu.Unlock()
	s.Close()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) EnqueueRequest(o Outbound) bool {
	return s.enqueue(&s.requests, o)
}

func (s *Session) EnqueueResponse(o Outbound) bool {
	return s.enqueue(&s.responses, o)
}

func (s *Session) enqueue(q *utils.Deque[Outbound], o Outbound) bool {
	if !s.connected.Load() {
		return false
	}
	s.mu.Lock()
	// Close 在清空队列前已经修改了 connected
	if !s.connected.Load() {
		s.mu.Unlock()
		return false
	}
	q.PushBack(o)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Session) readLoop() error {
	for {
		data, err := s.t.ReadMessage()
		if err != nil {
			if !s.connected.Load() {
				return ErrClosed
			}
			transport.HandleReadError(s.id, err)
			s.fail(err)
			return err
		}
		s.msink.IncrCounterWithLabels(telemetry.MetricSessionMessagesIn, 1, s.labels)
		s.msink.IncrCounterWithLabels(telemetry.MetricSessionBytesIn, float32(len(data)), s.labels)

		msg, err := s.reader.Decode(data)
		if err != nil {
			s.msink.IncrCounterWithLabels(telemetry.MetricSessionDecodeErrors, 1, s.labels)
			s.log.Warn("dropping malformed message", "error", err, "size", len(data))
			continue
		}
		if err := s.dispatch(msg); err != nil {
			s.fail(err)
			return err
		}
	}
}

func (s *Session) dispatch(msg *codec.Message) error {
	if msg.Allowed != nil && !*msg.Allowed {
		return ErrNotAllowed
	}
	if msg.Salt != "" {
		s.salt.Store(msg.Salt)
	}
	if msg.Ack >= 0 {
		s.lastAckReceived.Store(msg.Ack)
	}
	for _, err := range msg.Ignored {
		s.log.Warn("ignoring envelope field", "error", err)
	}
	for _, err := range msg.Skipped {
		s.msink.IncrCounterWithLabels(telemetry.MetricSessionDecodeErrors, 1, s.labels)
		s.log.Warn("skipping malformed item", "error", err, "id", msg.ID)
	}
	for _, req := range msg.Requests {
		if s.opts.Responder == nil {
			s.log.Debug("ignoring request, link is not a responder", "rid", req.Rid, "method", req.Method)
			continue
		}
		s.opts.Responder.HandleRequest(req)
	}
	for _, resp := range msg.Responses {
		if s.opts.Requester == nil {
			continue
		}
		s.opts.Requester.HandleResponse(resp)
	}
	if msg.HasItems() && msg.ID >= 0 {
		s.SetNextAck(msg.ID)
		s.signal()
	}
	return nil
}

func (s *Session) writeLoop(ctx context.Context) error {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-s.wake:
		case <-timer.C:
		}
		if !s.connected.Load() {
			return nil
		}
		if err := s.flush(); err != nil {
			if s.connected.Load() {
				s.log.Error("error occured while writing message", "error", err)
			}
			s.fail(err)
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.opts.PollInterval)
	}
}

// flush 组装并发送一条物理消息. 队列为空且无 ack 待发且未到心跳时间时什么都不做
func (s *Session) flush() error {
	s.mu.Lock()
	hasWork := s.requests.Len() > 0 || s.responses.Len() > 0
	s.mu.Unlock()

	lastSend := time.Unix(0, s.lastSend.Load())
	keepAlive := time.Since(lastSend) >= s.opts.PingInterval
	ack := s.GetNextAck()
	if !hasWork && ack < 0 && !keepAlive {
		return nil
	}

	mw := s.writer
	mw.Begin(s.msgIDs.Next(), ack)
	more := s.drain(&physicalWriter{mw: mw, t: s.t})
	data, err := mw.End()
	if err != nil {
		return fmt.Errorf("session: encode message: %w", err)
	}
	if err := s.t.WriteMessage(data, s.opts.Codec.Binary()); err != nil {
		return err
	}
	s.lastSend.Store(time.Now().UnixNano())

	s.msink.IncrCounterWithLabels(telemetry.MetricSessionMessagesOut, 1, s.labels)
	s.msink.IncrCounterWithLabels(telemetry.MetricSessionBytesOut, float32(len(data)), s.labels)
	switch {
	case ack >= 0:
		s.msink.IncrCounterWithLabels(telemetry.MetricSessionAcksOut, 1, s.labels)
	case mw.Count() == 0:
		s.msink.IncrCounterWithLabels(telemetry.MetricSessionPingsOut, 1, s.labels)
	}

	if more {
		s.signal()
	}
	return nil
}

// drain 交替从请求队列和响应队列取出生产者写入, 首先处理的队列每条消息轮换一次.
// 返回队列中是否还有剩余
func (s *Session) drain(w *physicalWriter) bool {
	s.mu.Lock()
	first, second := &s.responses, &s.requests
	if s.requestsFirst {
		first, second = second, first
	}
	s.requestsFirst = !s.requestsFirst
	s.mu.Unlock()

	type pending struct {
		q *utils.Deque[Outbound]
		o Outbound
	}
	var requeue []pending

	for !w.ShouldEnd() {
		progressed := false
		for _, q := range []*utils.Deque[Outbound]{first, second} {
			if w.ShouldEnd() {
				break
			}
			s.mu.Lock()
			o, ok := q.PopFront()
			s.mu.Unlock()
			if !ok {
				continue
			}
			progressed = true
			if s.writeOutbound(o, w) {
				requeue = append(requeue, pending{q: q, o: o})
			}
		}
		if !progressed {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Load() {
		for _, p := range requeue {
			p.q.PushBack(p.o)
		}
	}
	return s.requests.Len() > 0 || s.responses.Len() > 0
}

func (s *Session) writeOutbound(o Outbound, w Writer) (more bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("outbound producer panicked", "producer", fmt.Sprintf("%T", o), "panic", r)
			more = false
		}
	}()
	return o.Write(w)
}

// physicalWriter 将编码错误记录为日志, 并合并传输层的大小提示
type physicalWriter struct {
	mw codec.MessageWriter
	t  transport.Transport
}

func (w *physicalWriter) WriteRequest(r *codec.Request) error {
	return w.mw.WriteRequest(r)
}

func (w *physicalWriter) WriteResponse(r *codec.Response) error {
	return w.mw.WriteResponse(r)
}

func (w *physicalWriter) ShouldEnd() bool {
	return w.mw.ShouldEnd() || w.t.ShouldEndMessage(w.mw.Size())
}
