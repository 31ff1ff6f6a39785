package requester

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/telemetry"
)

// 单个 subscribe 请求携带的最大路径数
const subscribeChunkSize = 64

type subscriber struct {
	id  uint64
	qos dsa.QoS
	fn  func(dsa.ValueUpdate)
}

// pathSubscription 同一路径的所有本地订阅者共享一个线上订阅
type pathSubscription struct {
	path        string
	sid         uint32
	wireQos     dsa.QoS
	onWire      bool
	subscribers map[uint64]*subscriber
	last        *dsa.ValueUpdate
}

func (p *pathSubscription) effectiveQos() dsa.QoS {
	qos := dsa.QoSLatest
	for _, s := range p.subscribers {
		if s.qos > qos {
			qos = s.qos
		}
	}
	return qos
}

func (p *pathSubscription) handlers() []func(dsa.ValueUpdate) {
	ids := make([]uint64, 0, len(p.subscribers))
	for id := range p.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(dsa.ValueUpdate), 0, len(ids))
	for _, id := range ids {
		out = append(out, p.subscribers[id].fn)
	}
	return out
}

// Subscription 一个本地订阅者的句柄
type Subscription struct {
	m    *subscriptions
	path string
	id   uint64
	once sync.Once
}

func (s *Subscription) Path() string {
	return s.path
}

// Close 移除订阅者, 最后一个订阅者移除时发送 unsubscribe. 可重复调用
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.m.remove(s.path, s.id)
	})
}

// subscriptions 路径级订阅聚合, 本身是会话请求队列的生产者
type subscriptions struct {
	r *Requester

	mu            sync.Mutex
	online        bool
	byPath        map[string]*pathSubscription
	bySid         map[uint32]*pathSubscription
	sids          dsa.Counter
	nextID        uint64
	toSubscribe   map[string]*pathSubscription
	toUnsubscribe map[uint32]*pathSubscription
	enqueued      bool
	// 最近取消订阅的路径的最后值
	recent *expirable.LRU[string, dsa.ValueUpdate]
}

func newSubscriptions(r *Requester, cacheSize int, ttl time.Duration) *subscriptions {
	return &subscriptions{
		r:             r,
		byPath:        make(map[string]*pathSubscription),
		bySid:         make(map[uint32]*pathSubscription),
		toSubscribe:   make(map[string]*pathSubscription),
		toUnsubscribe: make(map[uint32]*pathSubscription),
		recent:        expirable.NewLRU[string, dsa.ValueUpdate](cacheSize, nil, ttl),
	}
}

func (m *subscriptions) add(path string, qos dsa.QoS, fn func(dsa.ValueUpdate)) *Subscription {
	m.mu.Lock()
	ps, ok := m.byPath[path]
	if !ok {
		ps = &pathSubscription{path: path, wireQos: -1, subscribers: make(map[uint64]*subscriber)}
		if last, cached := m.recent.Get(path); cached {
			ps.last = &last
		}
		m.byPath[path] = ps
	}
	if ps.sid != 0 {
		// 等待 unsubscribe 的订阅被重新使用
		delete(m.toUnsubscribe, ps.sid)
	}
	m.nextID++
	id := m.nextID
	ps.subscribers[id] = &subscriber{id: id, qos: qos, fn: fn}

	var replay *dsa.ValueUpdate
	if !m.online {
		u := dsa.ValueUpdate{Status: dsa.StatusUnknown, Timestamp: time.Now()}
		if ps.last != nil {
			u.Value = ps.last.Value
		}
		replay = &u
	} else if ps.last != nil {
		u := *ps.last
		replay = &u
	}

	schedule := m.syncWireLocked(ps)
	count := len(m.byPath)
	m.mu.Unlock()

	m.r.msink.SetGauge(telemetry.MetricRequesterSubscriptions, float32(count))
	if replay != nil {
		fn(*replay)
	}
	if schedule {
		m.schedule()
	}
	return &Subscription{m: m, path: path, id: id}
}

// syncWireLocked 有效 qos 与线上 qos 不同时安排 subscribe
func (m *subscriptions) syncWireLocked(ps *pathSubscription) bool {
	qos := ps.effectiveQos()
	if ps.onWire && qos == ps.wireQos {
		delete(m.toSubscribe, ps.path)
		return false
	}
	if _, pending := m.toSubscribe[ps.path]; pending && qos == ps.wireQos {
		return false
	}
	if ps.sid == 0 {
		ps.sid = uint32(m.sids.Next())
		m.bySid[ps.sid] = ps
	}
	ps.wireQos = qos
	m.toSubscribe[ps.path] = ps
	return m.online
}

func (m *subscriptions) remove(path string, id uint64) {
	m.mu.Lock()
	ps, ok := m.byPath[path]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(ps.subscribers, id)
	schedule := false
	if len(ps.subscribers) == 0 {
		delete(m.toSubscribe, path)
		if ps.onWire && m.online {
			m.toUnsubscribe[ps.sid] = ps
			schedule = true
		} else {
			m.dropLocked(ps)
		}
	} else {
		schedule = m.syncWireLocked(ps)
	}
	count := len(m.byPath)
	m.mu.Unlock()

	m.r.msink.SetGauge(telemetry.MetricRequesterSubscriptions, float32(count))
	if schedule {
		m.schedule()
	}
}

// dropLocked 从两个索引中删除, 并缓存最后值
func (m *subscriptions) dropLocked(ps *pathSubscription) {
	if current, ok := m.byPath[ps.path]; ok && current == ps {
		delete(m.byPath, ps.path)
	}
	if ps.sid != 0 {
		if current, ok := m.bySid[ps.sid]; ok && current == ps {
			delete(m.bySid, ps.sid)
		}
	}
	if ps.last != nil {
		m.recent.Add(ps.path, *ps.last)
	}
}

func (m *subscriptions) schedule() {
	m.mu.Lock()
	if m.enqueued || !m.online {
		m.mu.Unlock()
		return
	}
	m.enqueued = true
	m.mu.Unlock()

	if !m.r.enqueue(m) {
		m.mu.Lock()
		m.enqueued = false
		m.mu.Unlock()
	}
}

// Write 写出待发送的 subscribe 与 unsubscribe 请求
func (m *subscriptions) Write(w session.Writer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		m.enqueued = false
		return false
	}

	pending := make([]*pathSubscription, 0, len(m.toSubscribe))
	for _, ps := range m.toSubscribe {
		pending = append(pending, ps)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].sid < pending[j].sid })
	for len(pending) > 0 {
		n := min(len(pending), subscribeChunkSize)
		paths := make([]codec.SubscribePath, 0, n)
		for _, ps := range pending[:n] {
			paths = append(paths, codec.SubscribePath{Path: ps.path, Sid: ps.sid, Qos: ps.wireQos})
		}
		req := &codec.Request{Rid: m.r.nextRid(), Method: dsa.MethodSubscribe, Paths: paths}
		if err := w.WriteRequest(req); err != nil {
			m.r.log.Error("fail to encode subscribe", "error", err)
			break
		}
		for _, ps := range pending[:n] {
			ps.onWire = true
			delete(m.toSubscribe, ps.path)
		}
		pending = pending[n:]
		if w.ShouldEnd() {
			break
		}
	}

	if len(m.toSubscribe) == 0 && len(m.toUnsubscribe) > 0 && !w.ShouldEnd() {
		sids := make([]uint32, 0, len(m.toUnsubscribe))
		for sid := range m.toUnsubscribe {
			sids = append(sids, sid)
		}
		sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
		req := &codec.Request{Rid: m.r.nextRid(), Method: dsa.MethodUnsubscribe, Sids: sids}
		if err := w.WriteRequest(req); err != nil {
			m.r.log.Error("fail to encode unsubscribe", "error", err)
		} else {
			for _, sid := range sids {
				ps := m.toUnsubscribe[sid]
				delete(m.toUnsubscribe, sid)
				ps.onWire = false
				if len(ps.subscribers) == 0 {
					m.dropLocked(ps)
				}
			}
		}
	}

	more := len(m.toSubscribe) > 0 || len(m.toUnsubscribe) > 0
	m.enqueued = more
	return more
}

// handleUpdates 处理 rid 0 响应中的订阅更新
func (m *subscriptions) handleUpdates(updates []interface{}) {
	for _, raw := range updates {
		sid, u, ok := parseUpdate(raw)
		if !ok {
			continue
		}
		m.mu.Lock()
		ps, found := m.bySid[sid]
		var handlers []func(dsa.ValueUpdate)
		if found {
			ps.last = &u
			handlers = ps.handlers()
		}
		m.mu.Unlock()
		for _, fn := range handlers {
			fn(u)
		}
	}
}

func parseUpdate(raw interface{}) (uint32, dsa.ValueUpdate, bool) {
	var sidValue, value, ts interface{}
	status := dsa.StatusOK
	switch row := raw.(type) {
	case []interface{}:
		if len(row) < 2 {
			return 0, dsa.ValueUpdate{}, false
		}
		sidValue, value = row[0], row[1]
		if len(row) > 2 {
			ts = row[2]
		}
	case map[string]interface{}:
		sidValue, value, ts = row["sid"], row["value"], row["ts"]
		if s, ok := row["status"].(string); ok && s != "" {
			status = dsa.Status(s)
		}
	default:
		return 0, dsa.ValueUpdate{}, false
	}
	sid, ok := codec.ToInt64(sidValue)
	if !ok || sid <= 0 {
		return 0, dsa.ValueUpdate{}, false
	}
	u := dsa.ValueUpdate{Value: value, Status: status, Timestamp: time.Now()}
	if s, ok := ts.(string); ok {
		if t := dsa.ParseTime(s); !t.IsZero() {
			u.Timestamp = t
		}
	}
	return uint32(sid), u, true
}

// connected 新会话中 sid 重新分配, 所有路径重新订阅
func (m *subscriptions) connected() {
	m.mu.Lock()
	m.online = true
	m.enqueued = false
	m.bySid = make(map[uint32]*pathSubscription)
	m.toSubscribe = make(map[string]*pathSubscription)
	m.toUnsubscribe = make(map[uint32]*pathSubscription)
	for path, ps := range m.byPath {
		if len(ps.subscribers) == 0 {
			delete(m.byPath, path)
			continue
		}
		ps.sid = uint32(m.sids.Next())
		ps.onWire = false
		ps.wireQos = ps.effectiveQos()
		m.bySid[ps.sid] = ps
		m.toSubscribe[path] = ps
	}
	schedule := len(m.toSubscribe) > 0
	m.mu.Unlock()

	if schedule {
		m.schedule()
	}
}

// disconnected 订阅者保留, 收到 disconnected 状态的最后值
func (m *subscriptions) disconnected() {
	m.mu.Lock()
	m.online = false
	m.enqueued = false
	m.toUnsubscribe = make(map[uint32]*pathSubscription)
	type notify struct {
		handlers []func(dsa.ValueUpdate)
		update   dsa.ValueUpdate
	}
	var notifies []notify
	for path, ps := range m.byPath {
		ps.onWire = false
		if len(ps.subscribers) == 0 {
			m.dropLocked(ps)
			continue
		}
		u := dsa.ValueUpdate{Status: dsa.StatusDisconnected, Timestamp: time.Now()}
		if ps.last != nil {
			u = ps.last.WithStatus(dsa.StatusDisconnected)
		}
		ps.last = &u
		m.toSubscribe[path] = ps
		notifies = append(notifies, notify{handlers: ps.handlers(), update: u})
	}
	m.mu.Unlock()

	for _, n := range notifies {
		for _, fn := range n.handlers {
			fn(n.update)
		}
	}
}

// Len 当前订阅的路径数
func (m *subscriptions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPath)
}
