// Package node 响应者暴露的内存节点树, 可选地把节点状态持久化到 database.NodeStore
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/database"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/responder"
)

var (
	ErrExists      = errors.New("node: already exists")
	ErrNotFound    = errors.New("node: not found")
	ErrInvalidName = errors.New("node: invalid name")
)

// Tree 以物化路径为索引的节点树
type Tree struct {
	store database.NodeStore
	log   *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
	root  *Node
}

var _ responder.Tree = (*Tree)(nil)

// NewTree store 可以为 nil, 此时 Persist 节点不会被保存
func NewTree(store database.NodeStore, log *slog.Logger) *Tree {
	if log == nil {
		log = slog.Default()
	}
	t := &Tree{store: store, log: log.With("component", "node"), nodes: make(map[string]*Node)}
	t.root = newNode(t, "/", "")
	t.nodes["/"] = t.root
	return t
}

func (t *Tree) Root() *Node {
	return t.root
}

func (t *Tree) Get(path string) (responder.Node, bool) {
	n, ok := t.Node(path)
	if !ok {
		return nil, false
	}
	return n, true
}

func (t *Tree) Node(path string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[dsa.NormalizePath(path)]
	return n, ok
}

// Len 包含根节点在内的节点数
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func validName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/") {
		return false
	}
	return name[0] != '@' && name[0] != '$'
}

// Add 在 parent 下创建子节点, 观察 parent 的 list 流会收到新增事件
func (t *Tree) Add(parent, name string, opts ...Option) (*Node, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p, ok := t.Node(parent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	child := newNode(t, dsa.JoinPath(p.path, name), name)
	for _, opt := range opts {
		opt(child)
	}

	t.mu.Lock()
	if _, exists := t.nodes[child.path]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, child.path)
	}
	t.nodes[child.path] = child
	t.mu.Unlock()

	if err := p.addChild(child); err != nil {
		t.mu.Lock()
		delete(t.nodes, child.path)
		t.mu.Unlock()
		return nil, err
	}
	return child, nil
}

// MustAdd 用于构建固定的节点结构
func (t *Tree) MustAdd(parent, name string, opts ...Option) *Node {
	n, err := t.Add(parent, name, opts...)
	if err != nil {
		panic(err)
	}
	return n
}

// Remove 删除节点及其子树, 同时删除持久化的记录
func (t *Tree) Remove(path string) error {
	path = dsa.NormalizePath(path)
	if path == "/" {
		return fmt.Errorf("%w: root cannot be removed", ErrInvalidName)
	}
	idx := strings.LastIndex(path, "/")
	// path[:0] 规范化后为根路径
	parent, ok := t.Node(path[:idx])
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	child, ok := parent.removeChild(path[idx+1:])
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	var removed []*Node
	t.mu.Lock()
	for p, n := range t.nodes {
		if p == child.path || strings.HasPrefix(p, child.path+"/") {
			delete(t.nodes, p)
			removed = append(removed, n)
		}
	}
	t.mu.Unlock()

	if t.store == nil {
		return nil
	}
	for _, n := range removed {
		n.mu.Lock()
		persist := n.persist
		n.mu.Unlock()
		if !persist {
			continue
		}
		if err := t.store.Delete(n.path); err != nil {
			t.log.Warn("fail to delete node record", "path", n.path, "error", err)
		}
	}
	return nil
}

// Restore 把存储中的记录应用到已存在的 Persist 节点上, 返回恢复的节点数
func (t *Tree) Restore() (int, error) {
	if t.store == nil {
		return 0, nil
	}
	records, err := t.store.List()
	if err != nil {
		return 0, fmt.Errorf("fail to load node records: %w", err)
	}
	restored := 0
	for _, r := range records {
		n, ok := t.Node(r.Path)
		if !ok {
			t.log.Debug("skip record of unknown node", "path", r.Path)
			continue
		}
		n.mu.Lock()
		persist := n.persist
		n.mu.Unlock()
		if !persist {
			continue
		}
		n.restore(r)
		restored++
	}
	return restored, nil
}
