package requester

import (
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	updates []dsa.ValueUpdate
}

func (r *recorder) fn(u dsa.ValueUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) last() dsa.ValueUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func update(sid uint32, value interface{}) *codec.Response {
	return &codec.Response{Rid: 0, Stream: dsa.StreamOpen, Updates: []interface{}{
		[]interface{}{sid, value, "2024-01-01T00:00:00.000+00:00"},
	}}
}

func TestSubscribeQosUpgrade(t *testing.T) {
	r, s := connected(t)
	a := r.Subscribe("/v", dsa.QoSQueued, func(dsa.ValueUpdate) {})
	reqs := byMethod(s.flush(), dsa.MethodSubscribe)
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Paths, 1)
	first := reqs[0].Paths[0]
	assert.Equal(t, dsa.QoSQueued, first.Qos)

	b := r.Subscribe("/v", dsa.QoSDurable, func(dsa.ValueUpdate) {})
	reqs = byMethod(s.flush(), dsa.MethodSubscribe)
	require.Len(t, reqs, 1)
	assert.Equal(t, first.Sid, reqs[0].Paths[0].Sid)
	assert.Equal(t, dsa.QoSDurable, reqs[0].Paths[0].Qos)

	// 不提高有效 qos 的订阅者不产生请求
	c := r.Subscribe("/v", dsa.QoSLatest, func(dsa.ValueUpdate) {})
	assert.Empty(t, s.flush())
	assert.Equal(t, 1, r.Subscriptions())

	b.Close()
	reqs = byMethod(s.flush(), dsa.MethodSubscribe)
	require.Len(t, reqs, 1)
	assert.Equal(t, dsa.QoSQueued, reqs[0].Paths[0].Qos)

	a.Close()
	c.Close()
	c.Close()
	reqs = s.flush()
	require.Len(t, reqs, 1)
	assert.Equal(t, dsa.MethodUnsubscribe, reqs[0].Method)
	assert.Equal(t, []uint32{first.Sid}, reqs[0].Sids)
	assert.Equal(t, 0, r.Subscriptions())
}

func TestSubscriptionFanOutAndReplay(t *testing.T) {
	r, s := connected(t)
	var a, b, c recorder
	r.Subscribe("/v", dsa.QoSLatest, a.fn)
	r.Subscribe("/v", dsa.QoSLatest, b.fn)
	reqs := byMethod(s.flush(), dsa.MethodSubscribe)
	require.Len(t, reqs, 1)
	sid := reqs[0].Paths[0].Sid

	r.HandleResponse(update(sid, 5))
	assert.Equal(t, 5, a.last().Value)
	assert.Equal(t, 5, b.last().Value)
	assert.Equal(t, 2024, a.last().Timestamp.Year())

	r.Subscribe("/v", dsa.QoSLatest, c.fn)
	require.Equal(t, 1, c.count())
	assert.Equal(t, 5, c.last().Value)
	assert.Equal(t, dsa.StatusOK, c.last().Status)

	// 未知 sid 被忽略
	r.HandleResponse(update(sid+100, 6))
	assert.Equal(t, 1, a.count())
}

func TestSubscriptionStatusUpdate(t *testing.T) {
	r, s := connected(t)
	var rec recorder
	r.Subscribe("/v", dsa.QoSLatest, rec.fn)
	sid := byMethod(s.flush(), dsa.MethodSubscribe)[0].Paths[0].Sid
	r.HandleResponse(&codec.Response{Updates: []interface{}{
		map[string]interface{}{"sid": int64(sid), "value": nil, "status": "stale"},
	}})
	assert.Equal(t, dsa.StatusStale, rec.last().Status)
}

func TestSubscriptionAcrossReconnect(t *testing.T) {
	r, s := connected(t)
	var rec recorder
	r.Subscribe("/v", dsa.QoSQueued, rec.fn)
	sid := byMethod(s.flush(), dsa.MethodSubscribe)[0].Paths[0].Sid
	r.HandleResponse(update(sid, 1))

	r.Disconnected()
	assert.Equal(t, dsa.StatusDisconnected, rec.last().Status)
	assert.Equal(t, 1, rec.last().Value)

	var late recorder
	r.Subscribe("/w", dsa.QoSLatest, late.fn)
	require.Equal(t, 1, late.count())
	assert.Equal(t, dsa.StatusUnknown, late.last().Status)

	next := &fakeSender{}
	r.Connected(next)
	reqs := byMethod(next.flush(), dsa.MethodSubscribe)
	require.Len(t, reqs, 1)
	paths := map[string]codec.SubscribePath{}
	for _, p := range reqs[0].Paths {
		paths[p.Path] = p
	}
	require.Len(t, paths, 2)
	assert.Equal(t, dsa.QoSQueued, paths["/v"].Qos)
	assert.NotEqual(t, paths["/v"].Sid, paths["/w"].Sid)

	r.HandleResponse(update(paths["/v"].Sid, 2))
	assert.Equal(t, 2, rec.last().Value)
	assert.Equal(t, dsa.StatusOK, rec.last().Status)
}

func TestRecentValueCache(t *testing.T) {
	r, s := connected(t)
	sub := r.Subscribe("/v", dsa.QoSLatest, func(dsa.ValueUpdate) {})
	sid := byMethod(s.flush(), dsa.MethodSubscribe)[0].Paths[0].Sid
	r.HandleResponse(update(sid, "cached"))
	sub.Close()
	require.Len(t, byMethod(s.flush(), dsa.MethodUnsubscribe), 1)

	var rec recorder
	r.Subscribe("/v", dsa.QoSLatest, rec.fn)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "cached", rec.last().Value)
	assert.Len(t, byMethod(s.flush(), dsa.MethodSubscribe), 1)
}

func TestResubscribeBeforeUnsubscribeFlushed(t *testing.T) {
	r, s := connected(t)
	sub := r.Subscribe("/v", dsa.QoSLatest, func(dsa.ValueUpdate) {})
	s.flush()
	sub.Close()
	r.Subscribe("/v", dsa.QoSLatest, func(dsa.ValueUpdate) {})
	// 挂起的 unsubscribe 被取消, 线上订阅保持不变
	assert.Empty(t, s.flush())
	assert.Equal(t, 1, r.Subscriptions())
}
