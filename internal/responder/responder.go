// Package responder 处理 broker 发往本 link 的请求
package responder

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/telemetry"
)

const DefaultWorkers = 64

type Options struct {
	Tree Tree
	// Workers 同时执行 list/invoke/set 处理逻辑的协程上限
	Workers int
	// QueuePolicy 为 nil 时使用 dsa.DefaultQueuePolicy
	QueuePolicy *dsa.QueuePolicy
	// MaxQueueSize 排队订阅的更新上限, 超过后丢弃最旧的更新. 0 表示不限制
	MaxQueueSize int
	// MaxPermission 本 link 授予 broker 的最高权限, 零值表示 config
	MaxPermission dsa.Permission
	Logger        *slog.Logger
	MetricSink    metrics.MetricSink
	// StateObserver 请求状态变化时在持有请求锁的情况下调用, 不能阻塞
	StateObserver func(rid uint32, from, to State)
	// OnClosed 请求进入 CLOSED 并执行完关闭回调后异步调用
	OnClosed func(rid uint32, method dsa.Method)
}

// Responder 一个 link 的响应者角色, 跨会话存在. 实现 session.RequestHandler
type Responder struct {
	opts  Options
	log   *slog.Logger
	msink metrics.MetricSink
	sem   chan struct{}
	subs  *subscriptionManager

	mu       sync.Mutex
	sender   session.ResponseSender
	requests map[uint32]*inbound
}

func New(opts Options) *Responder {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueuePolicy == nil {
		policy := dsa.DefaultQueuePolicy
		opts.QueuePolicy = &policy
	}
	if opts.MaxPermission == dsa.PermissionNone {
		opts.MaxPermission = dsa.PermissionConfig
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Responder{
		opts:     opts,
		log:      log.With("role", "responder"),
		msink:    telemetry.SinkOrDefault(opts.MetricSink),
		sem:      make(chan struct{}, opts.Workers),
		requests: make(map[uint32]*inbound),
	}
	r.subs = newSubscriptionManager(r, *opts.QueuePolicy, opts.MaxQueueSize)
	return r
}

func (r *Responder) Connected(s session.ResponseSender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
	r.log.Debug("responder attached to session")
}

// Disconnected 强制关闭所有请求与订阅, 不发送任何响应
func (r *Responder) Disconnected() {
	r.mu.Lock()
	r.sender = nil
	requests := r.requests
	r.requests = make(map[uint32]*inbound)
	r.mu.Unlock()

	for _, in := range requests {
		in.terminate()
	}
	r.subs.clear()
	r.msink.SetGauge(telemetry.MetricResponderOpenStreams, 0)
	r.log.Debug("responder detached from session", "closed", len(requests))
}

// Len 当前打开的请求数量
func (r *Responder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// State 返回 rid 对应请求的当前状态
func (r *Responder) State(rid uint32) (State, bool) {
	r.mu.Lock()
	in, ok := r.requests[rid]
	r.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return in.State(), true
}

// Subscriptions 当前订阅数量
func (r *Responder) Subscriptions() int {
	return r.subs.len()
}

func (r *Responder) enqueue(o session.Outbound) bool {
	r.mu.Lock()
	s := r.sender
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.EnqueueResponse(o)
}

func (r *Responder) remove(in *inbound) {
	r.mu.Lock()
	if current, ok := r.requests[in.rid]; ok && current == in {
		delete(r.requests, in.rid)
	}
	open := len(r.requests)
	r.mu.Unlock()
	r.msink.SetGauge(telemetry.MetricResponderOpenStreams, float32(open))
}

func (r *Responder) closed(in *inbound) {
	in.log.Debug("request closed")
	if r.opts.OnClosed != nil {
		r.opts.OnClosed(in.rid, in.method)
	}
}

func (r *Responder) permission(req *codec.Request) dsa.Permission {
	if req.Permit == "" {
		return r.opts.MaxPermission
	}
	return r.opts.MaxPermission.Min(dsa.ParsePermission(req.Permit))
}

// HandleRequest 在会话读循环中调用, 耗时的处理逻辑交给工作协程
func (r *Responder) HandleRequest(req *codec.Request) {
	r.msink.IncrCounterWithLabels(telemetry.MetricResponderRequests, 1, []metrics.Label{telemetry.LabelMethod.M(string(req.Method))})
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("request dispatch panicked", telemetry.LabelRid.L(req.Rid), "panic", p)
			r.respondError(req, dsa.NewError(dsa.ErrTypeServerError, fmt.Sprint(p)))
		}
	}()

	if req.Err != nil {
		r.log.Warn("rejecting unreadable request", telemetry.LabelRid.L(req.Rid), "error", req.Err)
		r.respondError(req, req.Err)
		return
	}

	switch req.Method {
	case dsa.MethodClose:
		r.closeRequest(req.Rid)
	case dsa.MethodSubscribe:
		for _, p := range req.Paths {
			r.subs.subscribe(p.Sid, dsa.NormalizePath(p.Path), p.Qos)
		}
		r.respondClosed(req)
	case dsa.MethodUnsubscribe:
		for _, sid := range req.Sids {
			r.subs.unsubscribe(sid)
		}
		r.respondClosed(req)
	case dsa.MethodList, dsa.MethodInvoke, dsa.MethodSet, dsa.MethodRemove:
		r.open(req)
	default:
		r.log.Warn("unsupported method", telemetry.LabelRid.L(req.Rid), telemetry.LabelMethod.L(req.Method))
		r.respondError(req, dsa.NewError(dsa.ErrTypeInvalidMethod, string(req.Method)))
	}
}

func (r *Responder) open(req *codec.Request) {
	if req.Path == "" {
		r.respondError(req, dsa.NewError(dsa.ErrTypeInvalidPath, "missing path"))
		return
	}
	path := dsa.NormalizePath(req.Path)
	in := &inbound{
		r:          r,
		rid:        req.Rid,
		method:     req.Method,
		path:       path,
		permission: r.permission(req),
		log:        r.log.With(telemetry.LabelRid.L(req.Rid), telemetry.LabelMethod.L(req.Method), telemetry.LabelPath.L(path)),
	}
	switch req.Method {
	case dsa.MethodList:
		in.m = newListMachine(in, !req.NoStream)
	case dsa.MethodInvoke:
		in.m = newInvokeMachine(in, req.Params, !req.NoStream)
	case dsa.MethodSet:
		in.m = newSetMachine(in, req.Value, false)
	case dsa.MethodRemove:
		in.m = newSetMachine(in, nil, true)
	}

	r.mu.Lock()
	if r.sender == nil {
		r.mu.Unlock()
		return
	}
	if existing, exists := r.requests[req.Rid]; exists {
		r.mu.Unlock()
		// 对端已经不能区分两个同 rid 的流, 回复错误并关闭旧请求
		in.log.Warn("request id already in use, rejecting request")
		r.respondError(req, dsa.NewError(dsa.ErrTypeInvalidMessage, "request id already in use"))
		existing.terminate()
		return
	}
	r.requests[req.Rid] = in
	open := len(r.requests)
	r.mu.Unlock()
	r.msink.SetGauge(telemetry.MetricResponderOpenStreams, float32(open))

	r.run(in)
}

// run 在工作协程中启动请求, 并发数量受 sem 限制
func (r *Responder) run(in *inbound) {
	go func() {
		r.sem <- struct{}{}
		defer func() {
			<-r.sem
			if p := recover(); p != nil {
				in.log.Error("request handler panicked", "panic", p)
				r.msink.IncrCounterWithLabels(telemetry.MetricResponderErrors, 1, []metrics.Label{telemetry.LabelMethod.M(string(in.method))})
				in.close(dsa.NewError(dsa.ErrTypeServerError, fmt.Sprint(p)))
			}
		}()
		in.m.start()
	}()
}

func (r *Responder) closeRequest(rid uint32) {
	r.mu.Lock()
	in, ok := r.requests[rid]
	r.mu.Unlock()
	if !ok {
		r.log.Debug("close for unknown request", telemetry.LabelRid.L(rid))
		return
	}
	in.terminate()
}

func (r *Responder) respondClosed(req *codec.Request) {
	rid, method := req.Rid, req.Method
	r.enqueue(session.OutboundFunc(func(w session.Writer) bool {
		_ = w.WriteResponse(&codec.Response{Rid: rid, Method: method, Stream: dsa.StreamClosed})
		return false
	}))
}

func (r *Responder) respondError(req *codec.Request, e *dsa.Error) {
	r.msink.IncrCounterWithLabels(telemetry.MetricResponderErrors, 1, []metrics.Label{
		telemetry.LabelMethod.M(string(req.Method)),
		telemetry.LabelError.M(e.Type),
	})
	rid, method := req.Rid, req.Method
	if !method.Valid() || method == dsa.MethodClose {
		// 二进制格式需要一个有响应帧的方法
		method = dsa.MethodInvoke
	}
	r.enqueue(session.OutboundFunc(func(w session.Writer) bool {
		_ = w.WriteResponse(&codec.Response{Rid: rid, Method: method, Stream: dsa.StreamClosed, Error: e})
		return false
	}))
}
