// Package link 维护到 broker 的连接: 退避重连、握手缓存与会话替换
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/oklog/ulid/v2"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/handshake"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/requester"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/responder"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/telemetry"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/transport"
)

var (
	ErrNoHandshaker = errors.New("link: no handshaker")
	ErrNoFactory    = errors.New("link: no transport factory")
	ErrClosed       = errors.New("link: closed")
)

type Protocol string

const (
	ProtocolV1 Protocol = "v1"
	ProtocolV2 Protocol = "v2"
)

// ResumePolicy 决定断线后能否沿用上一次的握手结果
type ResumePolicy string

const (
	// ResumeNever 每次连接都重新握手
	ResumeNever ResumePolicy = "never"
	// ResumeHandshake 会话曾经连通时保留 v1 握手结果, 连接失败后清除
	ResumeHandshake ResumePolicy = "handshake"
)

// Handshaker 由 handshake.Initializer 实现
type Handshaker interface {
	Connect(ctx context.Context) (*handshake.Result, error)
	HandshakeV2(ctx context.Context, t transport.Transport) (*handshake.Result, error)
	Endpoint() transport.Endpoint
}

type Options struct {
	Name         string
	Broker       string
	Protocol     Protocol
	Handshaker   Handshaker
	Factory      transport.Factory
	CodecOptions codec.Options
	PingInterval time.Duration
	// Requester 与 Responder 跨会话存在, 至少设置一个
	Requester      *requester.Requester
	Responder      *responder.Responder
	ResumePolicy   ResumePolicy
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Token          string
	Logger         *slog.Logger
	MetricSink     metrics.MetricSink
	// Sleep 等待退避时间, 测试中可以替换
	Sleep func(ctx context.Context, d time.Duration) error
}

type Link struct {
	opts    Options
	id      string
	log     *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	backoff *Backoff

	mu        sync.Mutex
	cached    *handshake.Result
	session   *session.Session
	transport transport.Transport

	connected atomic.Bool
	running   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts Options) (*Link, error) {
	if opts.Handshaker == nil {
		return nil, ErrNoHandshaker
	}
	if opts.Factory == nil {
		return nil, ErrNoFactory
	}
	if opts.Protocol == "" {
		opts.Protocol = ProtocolV1
	}
	if opts.ResumePolicy == "" {
		opts.ResumePolicy = ResumeNever
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	l := &Link{
		opts:    opts,
		id:      ulid.Make().String(),
		msink:   telemetry.SinkOrDefault(opts.MetricSink),
		backoff: NewBackoff(opts.InitialBackoff, opts.MaxBackoff),
		closed:  make(chan struct{}),
	}
	l.log = log.With("link", l.Identity(), "instance", l.id)
	l.labels = []metrics.Label{telemetry.LabelBroker.M(brokerHost(opts.Broker))}
	return l, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func brokerHost(broker string) string {
	u, err := url.Parse(broker)
	if err != nil || u.Host == "" {
		return broker
	}
	return u.Host
}

// Identity <name>@<broker host>
func (l *Link) Identity() string {
	return l.opts.Name + "@" + brokerHost(l.opts.Broker)
}

func (l *Link) Connected() bool {
	return l.connected.Load()
}

func (l *Link) Requester() *requester.Requester {
	return l.opts.Requester
}

func (l *Link) Responder() *responder.Responder {
	return l.opts.Responder
}

func (l *Link) Backoff() time.Duration {
	return l.backoff.Current()
}

// Session 当前的会话, 未连接时为 nil
func (l *Link) Session() *session.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Close 停止重连并断开当前会话, 可重复调用
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		s := l.session
		l.mu.Unlock()
		if s != nil {
			s.Close()
		}
	})
}

// Invoke 供 event.Cleaner 在退出时调用
func (l *Link) Invoke(_ context.Context) error {
	l.Close()
	return nil
}

// Run 阻塞直到 ctx 取消或 Close 被调用. 单次连接的错误只会导致退避重试
func (l *Link) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("link: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	l.inspectToken()
	for {
		wait := l.backoff.Current()
		l.msink.SetGaugeWithLabels(telemetry.MetricLinkBackoffMillis, float32(wait.Milliseconds()), l.labels)
		if err := l.opts.Sleep(ctx, wait); err != nil || ctx.Err() != nil {
			l.log.Info("link stopped")
			return nil
		}

		err := l.attempt(ctx)
		if ctx.Err() != nil {
			l.log.Info("link stopped")
			return nil
		}
		if err != nil {
			next := l.backoff.Next()
			l.msink.IncrCounterWithLabels(telemetry.MetricLinkConnectErrors, 1, l.labels)
			l.log.Warn("connection attempt failed", "error", err, "retry_in", next)
			continue
		}
		l.backoff.Reset()
	}
}

// attempt 一次完整的连接. 会话曾经连通时返回 nil
func (l *Link) attempt(ctx context.Context) (err error) {
	l.msink.IncrCounterWithLabels(telemetry.MetricLinkConnectAttempts, 1, l.labels)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("link: attempt panicked: %v", p)
		}
		if err != nil || l.opts.ResumePolicy == ResumeNever {
			l.mu.Lock()
			l.cached = nil
			l.mu.Unlock()
		}
	}()

	l.mu.Lock()
	result := l.cached
	l.mu.Unlock()

	endpoint := l.opts.Handshaker.Endpoint()
	if l.opts.Protocol == ProtocolV1 {
		if result == nil {
			if result, err = l.opts.Handshaker.Connect(ctx); err != nil {
				return err
			}
		} else {
			l.log.Debug("reusing cached handshake", "path", result.Path)
		}
		endpoint = result.Endpoint
	}

	t, err := l.opts.Factory(endpoint)
	if err != nil {
		return err
	}
	defer func() {
		_ = t.Close()
		l.mu.Lock()
		l.transport = nil
		l.session = nil
		l.mu.Unlock()
		l.connected.Store(false)
		l.msink.SetGaugeWithLabels(telemetry.MetricLinkConnected, 0, l.labels)
	}()
	if err = t.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	l.mu.Lock()
	l.transport = t
	l.mu.Unlock()

	if l.opts.Protocol == ProtocolV2 {
		if result, err = l.opts.Handshaker.HandshakeV2(ctx, t); err != nil {
			return err
		}
	}

	c, err := codec.New(result.Format, l.opts.CodecOptions)
	if err != nil {
		return err
	}
	so := session.Options{
		Codec:        c,
		PingInterval: l.opts.PingInterval,
		Logger:       l.log,
		MetricSink:   l.opts.MetricSink,
		MetricLabels: l.labels,
	}
	// 避免把 nil 指针装进接口
	if l.opts.Responder != nil {
		so.Responder = l.opts.Responder
	}
	if l.opts.Requester != nil {
		so.Requester = l.opts.Requester
	}
	s, err := session.New(t, so)
	if err != nil {
		return err
	}

	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return ErrClosed
	default:
	}
	l.session = s
	if l.opts.ResumePolicy == ResumeHandshake && l.opts.Protocol == ProtocolV1 {
		l.cached = result
	}
	l.mu.Unlock()

	l.connected.Store(true)
	l.msink.SetGaugeWithLabels(telemetry.MetricLinkConnected, 1, l.labels)
	l.log.Info("link connected", "path", result.Path, "format", result.Format, "session", s.ID())

	runErr := s.Run(ctx)
	if errors.Is(runErr, session.ErrNotOpen) || errors.Is(runErr, session.ErrNotAllowed) {
		return runErr
	}
	if runErr != nil {
		l.log.Info("session ended", "session", s.ID(), "error", runErr)
	}
	return nil
}

// inspectToken 对 JWT 形式的 token 提示过期时间
func (l *Link) inspectToken() {
	if l.opts.Token == "" {
		return
	}
	info, err := handshake.InspectToken(l.opts.Token)
	if err != nil {
		l.log.Warn("token is not a valid jwt", "error", err)
		return
	}
	if !info.JWT || info.ExpiresAt.IsZero() {
		return
	}
	now := time.Now()
	switch {
	case info.Expired(now):
		l.log.Warn("token has expired, the broker will probably reject it", "expired_at", info.ExpiresAt)
	case info.ExpiresAt.Sub(now) < 24*time.Hour:
		l.log.Warn("token expires soon", "expires_at", info.ExpiresAt)
	default:
		l.log.Debug("token inspected", "subject", info.Subject, "expires_at", info.ExpiresAt)
	}
}
