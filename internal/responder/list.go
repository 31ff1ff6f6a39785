package responder

import (
	"sort"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/utils"
)

// listChunkSize 每个响应中最多包含的子节点数量
const listChunkSize = 32

// listMachine INIT -> CHILDREN -> UPDATES, stream 为 false 时在 CHILDREN 后关闭
type listMachine struct {
	*inbound
	stream bool

	node     Node
	children []Node
	cursor   int
	pending  utils.Deque[ChildEvent]
	unwatch  func()
}

func newListMachine(in *inbound, stream bool) *listMachine {
	return &listMachine{inbound: in, stream: stream}
}

func (l *listMachine) start() {
	if !l.permission.Allows(dsa.PermissionList) {
		l.close(dsa.NewError(dsa.ErrTypePermissionDenied, "list requires list permission"))
		return
	}
	node, ok := l.r.opts.Tree.Get(l.path)
	if !ok {
		l.close(dsa.NewError(dsa.ErrTypeInvalidPath, l.path))
		return
	}
	children := node.Children()

	l.mu.Lock()
	if l.state != StateInit {
		l.mu.Unlock()
		return
	}
	l.node = node
	l.children = children
	l.mu.Unlock()
	l.schedule()
}

func (l *listMachine) step(w session.Writer) bool {
	if l.node == nil {
		return false
	}
	switch l.state {
	case StateInit:
		l.writeResponse(w, &codec.Response{Updates: metadataRows(l.node)})
		l.setState(StateChildren)
		fallthrough
	case StateChildren:
		for !w.ShouldEnd() && l.cursor < len(l.children) {
			end := min(l.cursor+listChunkSize, len(l.children))
			var updates []interface{}
			for _, child := range l.children[l.cursor:end] {
				if child.Hidden() {
					continue
				}
				updates = append(updates, childRow(child))
			}
			l.cursor = end
			if len(updates) > 0 {
				l.writeResponse(w, &codec.Response{Updates: updates})
			}
		}
		if l.cursor < len(l.children) {
			return true
		}
		l.children = nil
		if !l.stream {
			l.setState(StateClosePending)
			return false
		}
		l.setState(StateUpdates)
		l.unwatch = l.node.WatchChildren(l.onChild)
		return false
	case StateUpdates, StateClosePending:
		for !w.ShouldEnd() && l.pending.Len() > 0 {
			ev, _ := l.pending.PopFront()
			if ev.Removed {
				l.writeResponse(w, &codec.Response{Updates: []interface{}{
					map[string]interface{}{"name": ev.Name, "change": "remove"},
				}})
				continue
			}
			if ev.Node == nil || ev.Node.Hidden() {
				continue
			}
			l.writeResponse(w, &codec.Response{Updates: []interface{}{childRow(ev.Node)}})
		}
		return l.pending.Len() > 0
	}
	return false
}

// onChild 结构变化回调, 可能来自任意协程
func (l *listMachine) onChild(ev ChildEvent) {
	l.mu.Lock()
	if l.state != StateUpdates {
		l.mu.Unlock()
		return
	}
	l.pending.PushBack(ev)
	l.mu.Unlock()
	l.schedule()
}

func (l *listMachine) release() {
	l.mu.Lock()
	unwatch := l.unwatch
	l.unwatch = nil
	l.pending.Clear()
	l.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// metadataRows 节点自身的 $ 配置与 @ 属性, $is 排在最前
func metadataRows(n Node) []interface{} {
	configs := n.Configs()
	rows := make([]interface{}, 0, len(configs)+1)
	is, ok := configs["$is"]
	if !ok {
		is = "node"
	}
	rows = append(rows, []interface{}{"$is", is})
	for _, k := range sortedKeys(configs) {
		if k == "$is" {
			continue
		}
		rows = append(rows, []interface{}{k, configs[k]})
	}
	attrs := n.Attributes()
	for _, k := range sortedKeys(attrs) {
		rows = append(rows, []interface{}{k, attrs[k]})
	}
	return rows
}

// childRow 子节点的精简描述: [name, {$is, $type, $invokable, @...}]
func childRow(n Node) []interface{} {
	desc := map[string]interface{}{}
	for k, v := range n.Configs() {
		switch k {
		case "$is", "$type", "$invokable", "$writable", "$name", "$permission":
			desc[k] = v
		}
	}
	if _, ok := desc["$is"]; !ok {
		desc["$is"] = "node"
	}
	for k, v := range n.Attributes() {
		desc[k] = v
	}
	return []interface{}{n.Name(), desc}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
