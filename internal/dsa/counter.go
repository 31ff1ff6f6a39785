package dsa

import "sync/atomic"

// MaxID 消息 id、请求 id 与订阅 id 的上界
const MaxID int32 = 2147483647

// Counter 线程安全的 id 生成器, 取值范围 1..MaxID, 溢出后回到 1
type Counter struct {
	current atomic.Int32
}

func (c *Counter) Next() int32 {
	for {
		cur := c.current.Load()
		next := cur + 1
		if cur >= MaxID || next <= 0 {
			next = 1
		}
		if c.current.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Reset 将计数器重置到 v, 下一次 Next 返回 v+1
func (c *Counter) Reset(v int32) {
	c.current.Store(v)
}

func (c *Counter) Current() int32 {
	return c.current.Load()
}

// AckTracker 记录需要回复给对端的 ack, 读取后即被清除
type AckTracker struct {
	next atomic.Int32
}

func NewAckTracker() *AckTracker {
	t := &AckTracker{}
	t.next.Store(-1)
	return t
}

func (t *AckTracker) Set(id int32) {
	t.next.Store(id)
}

// Take 返回待发送的 ack 并清除, 没有时返回 -1
func (t *AckTracker) Take() int32 {
	return t.next.Swap(-1)
}
