package node

import (
	"fmt"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/database"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/responder"
)

// Node 内存节点. 观察者回调总是在释放节点锁之后执行
type Node struct {
	tree *Tree
	path string
	name string

	mu            sync.Mutex
	configs       map[string]interface{}
	attrs         map[string]interface{}
	children      map[string]*Node
	order         []string
	hidden        bool
	value         *dsa.ValueUpdate
	writable      dsa.Permission
	action        responder.Action
	persist       bool
	onSet         func(v interface{}) error
	nextWatcher   int
	valueWatchers map[int]func(dsa.ValueUpdate)
	childWatchers map[int]func(responder.ChildEvent)
}

var _ responder.Node = (*Node)(nil)

func newNode(tree *Tree, path, name string) *Node {
	return &Node{
		tree:          tree,
		path:          path,
		name:          name,
		configs:       map[string]interface{}{"$is": "node"},
		attrs:         map[string]interface{}{},
		children:      map[string]*Node{},
		writable:      dsa.PermissionNever,
		valueWatchers: map[int]func(dsa.ValueUpdate){},
		childWatchers: map[int]func(responder.ChildEvent){},
	}
}

// Option 创建节点时的配置
type Option func(n *Node)

// WithType 设置值类型, 例如 number、string、bool、dynamic
func WithType(t string) Option {
	return func(n *Node) {
		n.configs["$type"] = t
	}
}

func WithValue(v interface{}) Option {
	return func(n *Node) {
		u := dsa.NewValueUpdate(v)
		n.value = &u
	}
}

// Writable 允许具有 perm 权限的请求者写入值
func Writable(perm dsa.Permission) Option {
	return func(n *Node) {
		n.writable = perm
		n.configs["$writable"] = perm.String()
	}
}

func Hidden() Option {
	return func(n *Node) {
		n.hidden = true
	}
}

// Persist 值、属性与配置的修改会写入存储, 启动时由 Tree.Restore 恢复
func Persist() Option {
	return func(n *Node) {
		n.persist = true
	}
}

// OnSet 请求者写入值前调用, 返回错误时拒绝写入
func OnSet(fn func(v interface{}) error) Option {
	return func(n *Node) {
		n.onSet = fn
	}
}

func WithConfig(name string, v interface{}) Option {
	return func(n *Node) {
		n.configs[name] = v
	}
}

func WithAttribute(name string, v interface{}) Option {
	return func(n *Node) {
		n.attrs[name] = v
	}
}

func WithAction(a responder.Action) Option {
	return func(n *Node) {
		n.action = a
		n.configs["$invokable"] = a.Permission().String()
		params := make([]interface{}, 0, len(a.Params()))
		for _, p := range a.Params() {
			params = append(params, p.ToMap())
		}
		n.configs["$params"] = params
	}
}

func (n *Node) Path() string { return n.path }
func (n *Node) Name() string { return n.name }

func (n *Node) Configs() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyMap(n.configs)
}

func (n *Node) Attributes() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyMap(n.attrs)
}

// Children 按加入顺序返回子节点
func (n *Node) Children() []responder.Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]responder.Node, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name])
	}
	return out
}

// Child 按名字查找直接子节点
func (n *Node) Child(name string) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.children[name]
	return c, ok
}

func (n *Node) Hidden() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hidden
}

func (n *Node) Value() (dsa.ValueUpdate, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.value == nil {
		return dsa.ValueUpdate{}, false
	}
	return *n.value, true
}

func (n *Node) WatchValue(fn func(dsa.ValueUpdate)) func() {
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

func (n *Node) WatchChildren(fn func(responder.ChildEvent)) func() {
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

// Watchers 当前注册的值与子节点观察者数量
func (n *Node) Watchers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.valueWatchers) + len(n.childWatchers)
}

func (n *Node) Action() responder.Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.action
}

func (n *Node) Writable() dsa.Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writable
}

// SetValue 请求者的写入, 先经过 OnSet 校验
func (n *Node) SetValue(v interface{}) error {
	n.mu.Lock()
	onSet := n.onSet
	n.mu.Unlock()
	if onSet != nil {
		if err := onSet(v); err != nil {
			return dsa.NewError(dsa.ErrTypeInvalidValue, err.Error())
		}
	}
	n.Update(dsa.NewValueUpdate(v))
	return nil
}

// Update 由 link 自身更新值并通知订阅者
func (n *Node) Update(u dsa.ValueUpdate) {
	n.mu.Lock()
	n.value = &u
	watchers := sortedWatchers(n.valueWatchers)
	n.mu.Unlock()

	n.save()
	for _, fn := range watchers {
		fn(u)
	}
}

func (n *Node) SetAttribute(name string, v interface{}) error {
	if len(name) < 2 || name[0] != '@' {
		return dsa.NewError(dsa.ErrTypeInvalidPath, name)
	}
	n.mu.Lock()
	n.attrs[name] = v
	n.mu.Unlock()
	n.save()
	return nil
}

func (n *Node) SetConfig(name string, v interface{}) error {
	if len(name) < 2 || name[0] != '$' {
		return dsa.NewError(dsa.ErrTypeInvalidPath, name)
	}
	if name == "$is" {
		return dsa.NewError(dsa.ErrTypePermissionDenied, "$is is read only")
	}
	n.mu.Lock()
	n.configs[name] = v
	n.mu.Unlock()
	n.save()
	return nil
}

func (n *Node) RemoveAttribute(name string) error {
	if name == "$is" {
		return dsa.NewError(dsa.ErrTypePermissionDenied, "$is is read only")
	}
	n.mu.Lock()
	_, isAttr := n.attrs[name]
	_, isConfig := n.configs[name]
	delete(n.attrs, name)
	delete(n.configs, name)
	n.mu.Unlock()
	if !isAttr && !isConfig {
		return nil
	}
	n.save()
	return nil
}

// record 节点当前状态的快照, 调用方不能持有 n.mu
func (n *Node) record() *database.NodeRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := database.NewNodeRecord(n.path)
	if n.value != nil {
		r.Value = n.value.Value
		r.HasValue = true
	}
	r.Attributes = copyMap(n.attrs)
	r.Configs = copyMap(n.configs)
	return r
}

// restore 应用存储中的记录, 不通知观察者
func (n *Node) restore(r *database.NodeRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r.HasValue {
		u := dsa.NewValueUpdate(r.Value)
		if !r.UpdatedAt.IsZero() {
			u.Timestamp = r.UpdatedAt
		}
		n.value = &u
	}
	for k, v := range r.Attributes {
		n.attrs[k] = v
	}
	for k, v := range r.Configs {
		if k == "$is" {
			continue
		}
		n.configs[k] = v
	}
}

func (n *Node) save() {
	n.mu.Lock()
	persist := n.persist
	n.mu.Unlock()
	if !persist || n.tree.store == nil {
		return
	}
	if err := n.tree.store.Save(n.record()); err != nil {
		n.tree.log.Warn("fail to persist node", "path", n.path, "error", err)
	}
}

func (n *Node) addChild(child *Node) error {
	n.mu.Lock()
	if _, ok := n.children[child.name]; ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, child.path)
	}
	n.children[child.name] = child
	n.order = append(n.order, child.name)
	watchers := sortedWatchers(n.childWatchers)
	n.mu.Unlock()

	for _, fn := range watchers {
		fn(responder.ChildEvent{Name: child.name, Node: child})
	}
	return nil
}

func (n *Node) removeChild(name string) (*Node, bool) {
	n.mu.Lock()
	child, ok := n.children[name]
	if !ok {
		n.mu.Unlock()
		return nil, false
	}
	delete(n.children, name)
	for i, c := range n.order {
		if c == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	watchers := sortedWatchers(n.childWatchers)
	n.mu.Unlock()

	for _, fn := range watchers {
		fn(responder.ChildEvent{Name: name, Removed: true})
	}
	return child, true
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedWatchers 按注册顺序返回回调
func sortedWatchers[T any](m map[int]T) []T {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
