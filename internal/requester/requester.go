// Package requester 向 broker 发起 list/invoke/set/subscribe 请求
package requester

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/telemetry"
)

var ErrNotConnected = errors.New("requester: not connected")

const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 5 * time.Minute
)

type Options struct {
	// CacheSize 最近取消订阅的路径保留最后值的数量
	CacheSize  int
	CacheTTL   time.Duration
	Logger     *slog.Logger
	MetricSink metrics.MetricSink
}

// Requester 一个 link 的请求者角色, 跨会话存在. 实现 session.ResponseHandler
type Requester struct {
	opts  Options
	log   *slog.Logger
	msink metrics.MetricSink
	rids  dsa.Counter
	subs  *subscriptions

	mu     sync.Mutex
	sender session.RequestSender
	stubs  map[uint32]*stub
}

func New(opts Options) *Requester {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Requester{
		opts:  opts,
		log:   log.With("role", "requester"),
		msink: telemetry.SinkOrDefault(opts.MetricSink),
		stubs: make(map[uint32]*stub),
	}
	r.subs = newSubscriptions(r, opts.CacheSize, opts.CacheTTL)
	return r
}

func (r *Requester) Connected(s session.RequestSender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
	r.subs.connected()
	r.log.Debug("requester attached to session")
}

// Disconnected 本地关闭所有未完成的请求, 不发送 close
func (r *Requester) Disconnected() {
	r.mu.Lock()
	r.sender = nil
	stubs := r.stubs
	r.stubs = make(map[uint32]*stub)
	r.mu.Unlock()

	for _, s := range stubs {
		s.finish(nil)
	}
	r.subs.disconnected()
	r.log.Debug("requester detached from session", "closed", len(stubs))
}

// IsConnected 当前是否有可用的会话
func (r *Requester) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sender != nil
}

// Len 未完成的请求数量
func (r *Requester) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stubs)
}

// Subscriptions 订阅的路径数
func (r *Requester) Subscriptions() int {
	return r.subs.Len()
}

func (r *Requester) nextRid() uint32 {
	return uint32(r.rids.Next())
}

func (r *Requester) enqueue(o session.Outbound) bool {
	r.mu.Lock()
	s := r.sender
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.EnqueueRequest(o)
}

func (r *Requester) remove(s *stub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.stubs[s.rid]; ok && current == s {
		delete(r.stubs, s.rid)
	}
}

func (r *Requester) sendClose(rid uint32) {
	r.enqueue(session.OutboundFunc(func(w session.Writer) bool {
		_ = w.WriteRequest(&codec.Request{Rid: rid, Method: dsa.MethodClose})
		return false
	}))
}

func (r *Requester) open(s *stub) (*Stream, error) {
	s.r = r
	s.rid = r.nextRid()
	s.request.Rid = s.rid
	s.request.Method = s.kind.Method()

	r.mu.Lock()
	if r.sender == nil {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	r.stubs[s.rid] = s
	sender := r.sender
	r.mu.Unlock()

	r.msink.IncrCounterWithLabels(telemetry.MetricRequesterRequests, 1, []metrics.Label{telemetry.LabelMethod.M(string(s.request.Method))})
	if !sender.EnqueueRequest(s) {
		r.remove(s)
		return nil, ErrNotConnected
	}
	return &Stream{s: s}, nil
}

func (r *Requester) List(path string, h ListHandler) (*Stream, error) {
	return r.open(&stub{kind: KindList, list: h, request: &codec.Request{Path: dsa.NormalizePath(path)}})
}

// Invoke noStream 为 true 时要求对端在初始结果后关闭
func (r *Requester) Invoke(path string, params map[string]interface{}, noStream bool, h InvokeHandler) (*Stream, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	return r.open(&stub{kind: KindInvoke, invoke: h, request: &codec.Request{
		Path:     dsa.NormalizePath(path),
		Params:   params,
		NoStream: noStream,
	}})
}

// Set 路径可以指向节点的值、@属性或 $配置
func (r *Requester) Set(path string, value interface{}, h SetHandler) (*Stream, error) {
	return r.open(&stub{kind: KindSet, set: h, request: &codec.Request{Path: path, Value: value}})
}

func (r *Requester) Remove(path string, h SetHandler) (*Stream, error) {
	return r.open(&stub{kind: KindRemove, set: h, request: &codec.Request{Path: path}})
}

// Subscribe 订阅路径的值. 未连接时会在连接后发送
func (r *Requester) Subscribe(path string, qos dsa.QoS, fn func(dsa.ValueUpdate)) *Subscription {
	return r.subs.add(dsa.NormalizePath(path), qos.Clamp(), fn)
}

// HandleResponse 在会话读循环中调用
func (r *Requester) HandleResponse(resp *codec.Response) {
	if resp.Rid == 0 {
		r.subs.handleUpdates(resp.Updates)
		return
	}
	r.mu.Lock()
	s, ok := r.stubs[resp.Rid]
	r.mu.Unlock()
	if !ok {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("response handler panicked", telemetry.LabelRid.L(resp.Rid), "panic", p)
		}
	}()
	if s.handle(resp) {
		r.remove(s)
	}
}
