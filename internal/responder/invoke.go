package responder

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/utils"
)

// invokeChunkSize 每个响应中最多包含的行数
const invokeChunkSize = 64

// rowUpdate 动作在初始结果之后推送的一次修改
type rowUpdate struct {
	modify string
	rows   [][]interface{}
}

// invokeMachine INIT -> ROWS -> UPDATES, 非打开的动作在 ROWS 后关闭
type invokeMachine struct {
	*inbound
	params map[string]interface{}
	stream bool

	ctx    context.Context
	cancel context.CancelFunc

	columnsSent bool
	result      *InvokeResult
	rows        [][]interface{}
	pending     utils.Deque[rowUpdate]
	// finished 动作在初始结果返回前就调用了 Close
	finished bool
	finalErr *dsa.Error
}

func newInvokeMachine(in *inbound, params map[string]interface{}, stream bool) *invokeMachine {
	ctx, cancel := context.WithCancel(context.Background())
	if params == nil {
		params = map[string]interface{}{}
	}
	return &invokeMachine{inbound: in, params: params, stream: stream, ctx: ctx, cancel: cancel}
}

func (m *invokeMachine) start() {
	node, ok := m.r.opts.Tree.Get(m.path)
	if !ok {
		m.close(dsa.NewError(dsa.ErrTypeInvalidPath, m.path))
		return
	}
	action := node.Action()
	if action == nil {
		m.close(dsa.NewError(dsa.ErrTypeNotImplemented, m.path+" is not an action"))
		return
	}
	if !m.permission.Allows(action.Permission()) {
		m.close(dsa.NewError(dsa.ErrTypePermissionDenied, fmt.Sprintf("invoke requires %s permission", action.Permission())))
		return
	}

	result, err := m.invoke(action)
	if err != nil {
		m.log.Warn("action failed", "error", err)
		m.close(dsa.AsError(err))
		return
	}
	if result == nil {
		result = &InvokeResult{}
	}

	m.mu.Lock()
	if m.state != StateInit {
		m.mu.Unlock()
		return
	}
	m.result = result
	m.rows = result.Rows
	m.setState(StateRows)
	m.mu.Unlock()
	m.schedule()
}

func (m *invokeMachine) invoke(action Action) (result *InvokeResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = dsa.NewError(dsa.ErrTypeServerError, fmt.Sprint(p))
		}
	}()
	return action.Invoke(m.params, m)
}

func (m *invokeMachine) step(w session.Writer) bool {
	switch m.state {
	case StateRows:
		if !m.columnsSent {
			meta := map[string]interface{}{}
			for k, v := range m.result.Meta {
				meta[k] = v
			}
			if m.result.Mode != "" {
				meta["mode"] = string(m.result.Mode)
			}
			columns := make([]interface{}, 0, len(m.result.Columns))
			for _, c := range m.result.Columns {
				columns = append(columns, c.ToMap())
			}
			m.writeResponse(w, &codec.Response{Columns: columns, Meta: meta, Updates: m.takeRows()})
			m.columnsSent = true
		}
		for !w.ShouldEnd() && len(m.rows) > 0 {
			m.writeResponse(w, &codec.Response{Updates: m.takeRows()})
		}
		if len(m.rows) > 0 {
			return true
		}
		if m.result.Open && m.stream && !m.finished {
			m.setState(StateUpdates)
			return m.writeUpdates(w)
		}
		m.closeErr = m.finalErr
		m.setState(StateClosePending)
		if m.closeErr != nil {
			return false
		}
		return m.writeUpdates(w)
	case StateUpdates, StateClosePending:
		if !m.columnsSent {
			return false
		}
		return m.writeUpdates(w)
	}
	return false
}

func (m *invokeMachine) takeRows() []interface{} {
	n := min(invokeChunkSize, len(m.rows))
	out := make([]interface{}, 0, n)
	for _, row := range m.rows[:n] {
		out = append(out, row)
	}
	m.rows = m.rows[n:]
	return out
}

func (m *invokeMachine) writeUpdates(w session.Writer) bool {
	for !w.ShouldEnd() && m.pending.Len() > 0 {
		u, _ := m.pending.PopFront()
		rows := make([]interface{}, 0, len(u.rows))
		for _, row := range u.rows {
			rows = append(rows, row)
		}
		resp := &codec.Response{Updates: rows}
		if u.modify != "" {
			resp.Meta = map[string]interface{}{"modify": u.modify}
		}
		m.writeResponse(w, resp)
	}
	return m.pending.Len() > 0
}

func (m *invokeMachine) release() {
	m.cancel()
	m.mu.Lock()
	m.pending.Clear()
	m.mu.Unlock()
}

func (m *invokeMachine) Context() context.Context {
	return m.ctx
}

func (m *invokeMachine) push(u rowUpdate) {
	m.mu.Lock()
	if m.state >= StateClosePending {
		m.mu.Unlock()
		return
	}
	m.pending.PushBack(u)
	ready := m.state == StateUpdates
	m.mu.Unlock()
	if ready {
		m.schedule()
	}
}

func (m *invokeMachine) Append(rows ...[]interface{}) {
	m.push(rowUpdate{rows: rows})
}

func (m *invokeMachine) Insert(index int, rows ...[]interface{}) {
	m.push(rowUpdate{modify: fmt.Sprintf("insert %d", index), rows: rows})
}

func (m *invokeMachine) Replace(start, end int, rows ...[]interface{}) {
	m.push(rowUpdate{modify: fmt.Sprintf("replace %d-%d", start, end), rows: rows})
}

func (m *invokeMachine) Refresh(rows ...[]interface{}) {
	m.push(rowUpdate{modify: "refresh", rows: rows})
}

// Close 由动作调用. 初始结果尚未写出时推迟到 ROWS 写完后关闭
func (m *invokeMachine) Close(err error) {
	m.mu.Lock()
	if m.state == StateInit || m.state == StateRows {
		m.finished = true
		m.finalErr = dsa.AsError(err)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.close(dsa.AsError(err))
}

func (m *invokeMachine) OnClose(fn func()) {
	m.addOnClose(fn)
}
