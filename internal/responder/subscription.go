package responder

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/telemetry"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/utils"
)

// updatesPerResponse 每个 rid 0 响应中最多包含的更新数量
const updatesPerResponse = 64

// subscription 一个 sid 的订阅, 待发送更新有自己的锁
type subscription struct {
	m    *subscriptionManager
	sid  uint32
	path string

	mu       sync.Mutex
	qos      dsa.QoS
	pending  utils.Deque[dsa.ValueUpdate]
	enqueued bool
	closed   bool
	cancel   func()
}

// add 值变化回调, 可能来自任意协程
func (s *subscription) add(u dsa.ValueUpdate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	dropped := 0
	if s.m.policy.Queues(s.qos) {
		s.pending.PushBack(u)
		for s.m.maxQueue > 0 && s.pending.Len() > s.m.maxQueue {
			s.pending.PopFront()
			dropped++
		}
	} else if back, ok := s.pending.Back(); ok {
		*back = u
	} else {
		s.pending.PushBack(u)
	}
	schedule := !s.enqueued
	s.enqueued = true
	s.mu.Unlock()

	if dropped > 0 {
		s.m.r.msink.IncrCounter(telemetry.MetricResponderDropped, float32(dropped))
	}
	if schedule {
		s.m.markDirty(s)
	}
}

// drain 取出最多 max 条更新, 返回的 more 表示仍有剩余
func (s *subscription) drain(max int, out []interface{}) ([]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.enqueued = false
		return out, false
	}
	for i := 0; i < max; i++ {
		u, ok := s.pending.PopFront()
		if !ok {
			break
		}
		out = append(out, updateRow(s.sid, u))
	}
	more := s.pending.Len() > 0
	if !more {
		s.enqueued = false
	}
	return out, more
}

func (s *subscription) setQos(qos dsa.QoS) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qos = qos
	if !s.m.policy.Queues(qos) {
		// 改为只保留最新值
		for s.pending.Len() > 1 {
			s.pending.PopFront()
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending.Clear()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// updateRow 状态正常时使用紧凑的数组形式
func updateRow(sid uint32, u dsa.ValueUpdate) interface{} {
	ts := dsa.FormatTime(u.Timestamp)
	if u.Status == "" || u.Status == dsa.StatusOK {
		return []interface{}{sid, u.Value, ts}
	}
	return map[string]interface{}{"sid": sid, "value": u.Value, "ts": ts, "status": string(u.Status)}
}

// subscriptionManager 把所有订阅的更新合并为 rid 0 的响应, 本身也是会话的生产者
type subscriptionManager struct {
	r        *Responder
	policy   dsa.QueuePolicy
	maxQueue int

	mu       sync.Mutex
	bySid    map[uint32]*subscription
	byPath   map[string]map[uint32]*subscription
	dirty    utils.Deque[*subscription]
	enqueued bool
}

func newSubscriptionManager(r *Responder, policy dsa.QueuePolicy, maxQueue int) *subscriptionManager {
	return &subscriptionManager{
		r:        r,
		policy:   policy,
		maxQueue: maxQueue,
		bySid:    make(map[uint32]*subscription),
		byPath:   make(map[string]map[uint32]*subscription),
	}
}

func (m *subscriptionManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySid)
}

// subscribe 新的 sid 立即发送一次当前值; 已有 sid 换了路径时先取消旧路径
func (m *subscriptionManager) subscribe(sid uint32, path string, qos dsa.QoS) {
	m.mu.Lock()
	if old, ok := m.bySid[sid]; ok {
		if old.path == path {
			m.mu.Unlock()
			old.setQos(qos)
			return
		}
		m.removeLocked(old)
		defer old.close()
	}
	sub := &subscription{m: m, sid: sid, path: path, qos: qos}
	m.bySid[sid] = sub
	if m.byPath[path] == nil {
		m.byPath[path] = make(map[uint32]*subscription)
	}
	m.byPath[path][sid] = sub
	count := len(m.bySid)
	m.mu.Unlock()
	m.r.msink.SetGauge(telemetry.MetricResponderSubscription, float32(count))

	node, ok := m.r.opts.Tree.Get(path)
	if !ok {
		sub.add(dsa.ValueUpdate{}.WithStatus(dsa.StatusUnknown))
		return
	}
	cancel := node.WatchValue(sub.add)
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		cancel()
		return
	}
	sub.cancel = cancel
	sub.mu.Unlock()

	if v, ok := node.Value(); ok {
		sub.add(v)
	} else {
		sub.add(dsa.ValueUpdate{}.WithStatus(dsa.StatusUnknown))
	}
}

func (m *subscriptionManager) unsubscribe(sid uint32) {
	m.mu.Lock()
	sub, ok := m.bySid[sid]
	if ok {
		m.removeLocked(sub)
	}
	count := len(m.bySid)
	m.mu.Unlock()
	if ok {
		sub.close()
		m.r.msink.SetGauge(telemetry.MetricResponderSubscription, float32(count))
	}
}

func (m *subscriptionManager) removeLocked(sub *subscription) {
	delete(m.bySid, sub.sid)
	if subs, ok := m.byPath[sub.path]; ok {
		delete(subs, sub.sid)
		if len(subs) == 0 {
			delete(m.byPath, sub.path)
		}
	}
}

// clear 会话断开时销毁所有订阅
func (m *subscriptionManager) clear() {
	m.mu.Lock()
	subs := m.bySid
	m.bySid = make(map[uint32]*subscription)
	m.byPath = make(map[string]map[uint32]*subscription)
	m.dirty.Clear()
	m.enqueued = false
	m.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	m.r.msink.SetGauge(telemetry.MetricResponderSubscription, 0)
}

func (m *subscriptionManager) markDirty(sub *subscription) {
	m.mu.Lock()
	if current, ok := m.bySid[sub.sid]; !ok || current != sub {
		m.mu.Unlock()
		return
	}
	m.dirty.PushBack(sub)
	schedule := !m.enqueued
	m.enqueued = true
	m.mu.Unlock()

	if schedule && !m.r.enqueue(m) {
		m.mu.Lock()
		m.enqueued = false
		m.mu.Unlock()
	}
}

// Write 在一条物理消息中写出尽可能多的订阅更新
func (m *subscriptionManager) Write(w session.Writer) bool {
	for !w.ShouldEnd() {
		var updates []interface{}
		for len(updates) < updatesPerResponse {
			m.mu.Lock()
			sub, ok := m.dirty.PopFront()
			m.mu.Unlock()
			if !ok {
				break
			}
			var more bool
			updates, more = sub.drain(updatesPerResponse-len(updates), updates)
			if more {
				m.mu.Lock()
				m.dirty.PushBack(sub)
				m.mu.Unlock()
			}
		}
		if len(updates) == 0 {
			break
		}
		if err := w.WriteResponse(&codec.Response{Rid: 0, Method: dsa.MethodSubscribe, Stream: dsa.StreamOpen, Updates: updates}); err != nil {
			m.r.log.Error("fail to encode subscription updates", "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	more := m.dirty.Len() > 0
	m.enqueued = more
	return more
}
