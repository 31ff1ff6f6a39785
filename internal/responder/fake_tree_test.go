package responder

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
)

type fakeNode struct {
	tree *fakeTree
	path string
	name string

	mu            sync.Mutex
	configs       map[string]interface{}
	attrs         map[string]interface{}
	children      []*fakeNode
	hidden        bool
	value         *dsa.ValueUpdate
	writable      dsa.Permission
	action        Action
	nextWatcher   int
	valueWatchers map[int]func(dsa.ValueUpdate)
	childWatchers map[int]func(ChildEvent)
}

type fakeTree struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
}

func newFakeTree() *fakeTree {
	t := &fakeTree{nodes: map[string]*fakeNode{}}
	t.nodes["/"] = t.newNode("/", "")
	return t
}

func (t *fakeTree) newNode(path, name string) *fakeNode {
	return &fakeNode{
		tree:          t,
		path:          path,
		name:          name,
		configs:       map[string]interface{}{"$is": "node"},
		attrs:         map[string]interface{}{},
		writable:      dsa.PermissionWrite,
		valueWatchers: map[int]func(dsa.ValueUpdate){},
		childWatchers: map[int]func(ChildEvent){},
	}
}

func (t *fakeTree) Get(path string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil, false
	}
	return n, true
}

func (t *fakeTree) node(path string) *fakeNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[path]
}

// add 在 parent 下创建子节点并通知观察者
func (t *fakeTree) add(parent, name string) *fakeNode {
	p := t.node(parent)
	child := t.newNode(dsa.JoinPath(parent, name), name)
	t.mu.Lock()
	t.nodes[child.path] = child
	t.mu.Unlock()

	p.mu.Lock()
	p.children = append(p.children, child)
	watchers := p.childWatcherList()
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(ChildEvent{Name: name, Node: child})
	}
	return child
}

func (t *fakeTree) remove(path string) {
	idx := strings.LastIndex(path, "/")
	parentPath := path[:idx]
	if parentPath == "" {
		parentPath = "/"
	}
	p := t.node(parentPath)
	t.mu.Lock()
	child := t.nodes[path]
	delete(t.nodes, path)
	t.mu.Unlock()

	p.mu.Lock()
	for i, c := range p.children {
		if c == child {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	watchers := p.childWatcherList()
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(ChildEvent{Name: child.name, Removed: true})
	}
}

func (n *fakeNode) childWatcherList() []func(ChildEvent) {
	ids := make([]int, 0, len(n.childWatchers))
	for id := range n.childWatchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(ChildEvent), 0, len(ids))
	for _, id := range ids {
		out = append(out, n.childWatchers[id])
	}
	return out
}

func (n *fakeNode) Path() string { return n.path }
func (n *fakeNode) Name() string { return n.name }

func (n *fakeNode) Configs() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[string]interface{}{}
	for k, v := range n.configs {
		out[k] = v
	}
	return out
}

func (n *fakeNode) Attributes() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[string]interface{}{}
	for k, v := range n.attrs {
		out[k] = v
	}
	return out
}

func (n *fakeNode) Children() []Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	return out
}

func (n *fakeNode) Hidden() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hidden
}

func (n *fakeNode) Value() (dsa.ValueUpdate, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.value == nil {
		return dsa.ValueUpdate{}, false
	}
	return *n.value, true
}

func (n *fakeNode) WatchValue(fn func(dsa.ValueUpdate)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextWatcher++
	id := n.nextWatcher
	n.valueWatchers[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.valueWatchers, id)
	}
}

func (n *fakeNode) WatchChildren(fn func(ChildEvent)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextWatcher++
	id := n.nextWatcher
	n.childWatchers[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.childWatchers, id)
	}
}

func (n *fakeNode) Action() Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.action
}

func (n *fakeNode) Writable() dsa.Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writable
}

func (n *fakeNode) SetValue(v interface{}) error {
	if v == "reject" {
		return errors.New("value rejected")
	}
	u := dsa.NewValueUpdate(v)
	n.mu.Lock()
	n.value = &u
	watchers := make([]func(dsa.ValueUpdate), 0, len(n.valueWatchers))
	for _, fn := range n.valueWatchers {
		watchers = append(watchers, fn)
	}
	n.mu.Unlock()
	for _, fn := range watchers {
		fn(u)
	}
	return nil
}

func (n *fakeNode) SetAttribute(name string, v interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attrs[name] = v
	return nil
}

func (n *fakeNode) SetConfig(name string, v interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configs[name] = v
	return nil
}

func (n *fakeNode) RemoveAttribute(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.attrs, name)
	delete(n.configs, name)
	return nil
}

func (n *fakeNode) watcherCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.valueWatchers) + len(n.childWatchers)
}

// testWriter 每条消息最多 limit 个条目
type testWriter struct {
	limit int
	items []*codec.Response
}

func (w *testWriter) WriteRequest(*codec.Request) error {
	return errors.New("responder never writes requests")
}

func (w *testWriter) WriteResponse(r *codec.Response) error {
	w.items = append(w.items, r)
	return nil
}

func (w *testWriter) ShouldEnd() bool {
	return w.limit > 0 && len(w.items) >= w.limit
}

// fakeSender 模拟会话的写循环
type fakeSender struct {
	mu       sync.Mutex
	queue    []session.Outbound
	closed   bool
	limit    int
	messages [][]*codec.Response
}

func (f *fakeSender) EnqueueResponse(o session.Outbound) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.queue = append(f.queue, o)
	return true
}

func (f *fakeSender) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// flushOnce 组装一条物理消息
func (f *fakeSender) flushOnce() bool {
	f.mu.Lock()
	queue := f.queue
	f.queue = nil
	f.mu.Unlock()
	if len(queue) == 0 {
		return false
	}

	w := &testWriter{limit: f.limit}
	var requeue []session.Outbound
	for _, o := range queue {
		if w.ShouldEnd() {
			requeue = append(requeue, o)
			continue
		}
		if o.Write(w) {
			requeue = append(requeue, o)
		}
	}

	f.mu.Lock()
	f.queue = append(requeue, f.queue...)
	if len(w.items) > 0 {
		f.messages = append(f.messages, w.items)
	}
	f.mu.Unlock()
	return true
}

func (f *fakeSender) responses() []*codec.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*codec.Response
	for _, m := range f.messages {
		out = append(out, m...)
	}
	return out
}

func (f *fakeSender) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// waitFor 反复写出消息直到 cond 成立
func (f *fakeSender) waitFor(t *testing.T, cond func(resps []*codec.Response) bool) []*codec.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.flushOnce()
		if resps := f.responses(); cond(resps) {
			return resps
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached, responses: %d", len(f.responses()))
	return nil
}

func forRid(resps []*codec.Response, rid uint32) []*codec.Response {
	var out []*codec.Response
	for _, r := range resps {
		if r.Rid == rid {
			out = append(out, r)
		}
	}
	return out
}

func closedFor(rid uint32) func([]*codec.Response) bool {
	return func(resps []*codec.Response) bool {
		for _, r := range forRid(resps, rid) {
			if r.Stream == dsa.StreamClosed {
				return true
			}
		}
		return false
	}
}
