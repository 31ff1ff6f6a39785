package requester

import (
	"strconv"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
)

// Kind 出站请求的类型
type Kind int

const (
	KindList Kind = iota
	KindInvoke
	KindSet
	KindRemove
)

func (k Kind) Method() dsa.Method {
	switch k {
	case KindList:
		return dsa.MethodList
	case KindInvoke:
		return dsa.MethodInvoke
	case KindSet:
		return dsa.MethodSet
	}
	return dsa.MethodRemove
}

// ListHandler list 请求的回调, 未设置的回调被忽略
type ListHandler struct {
	// OnUpdate 元数据 ($x, @x) 与子节点 (name, 描述) 的增加或变化
	OnUpdate      func(name string, value interface{})
	OnRemove      func(name string)
	OnInitialized func()
	OnError       func(err *dsa.Error)
	OnClose       func()
}

// InvokeHandler invoke 请求的回调. refresh 以 OnMode("refresh") 后接 OnUpdate 表示
type InvokeHandler struct {
	OnColumns     func(columns []interface{})
	OnUpdate      func(rows []interface{})
	OnInsert      func(index int, rows []interface{})
	OnReplace     func(start, end int, rows []interface{})
	OnMode        func(mode string)
	OnInitialized func()
	OnError       func(err *dsa.Error)
	OnClose       func()
}

// SetHandler set 与 remove 请求的回调
type SetHandler struct {
	OnError func(err *dsa.Error)
	OnClose func()
}

// stub 一个出站请求, 按 kind 选择回调集合
type stub struct {
	r       *Requester
	rid     uint32
	kind    Kind
	request *codec.Request

	list   ListHandler
	invoke InvokeHandler
	set    SetHandler

	mu          sync.Mutex
	sent        bool
	closed      bool
	initialized bool
}

// Write 写出初始请求, 已关闭的请求不再发送
func (s *stub) Write(w session.Writer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sent {
		return false
	}
	if err := w.WriteRequest(s.request); err != nil {
		s.r.log.Error("fail to encode request", "rid", s.rid, "error", err)
		return false
	}
	s.sent = true
	return false
}

// handle 将响应转换为回调. 返回 true 表示请求已结束
func (s *stub) handle(resp *codec.Response) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	first := !s.initialized
	s.initialized = true
	s.mu.Unlock()

	switch s.kind {
	case KindList:
		s.handleList(resp, first)
	case KindInvoke:
		s.handleInvoke(resp, first)
	}

	if resp.Error == nil && resp.Stream != dsa.StreamClosed {
		return false
	}
	s.finish(resp.Error)
	return true
}

func (s *stub) handleList(resp *codec.Response, first bool) {
	h := s.list
	for _, raw := range resp.Updates {
		switch u := raw.(type) {
		case []interface{}:
			if len(u) < 2 {
				continue
			}
			name, _ := u[0].(string)
			if h.OnUpdate != nil {
				h.OnUpdate(name, u[1])
			}
		case map[string]interface{}:
			name, _ := u["name"].(string)
			if u["change"] == "remove" {
				if h.OnRemove != nil {
					h.OnRemove(name)
				}
			} else if h.OnUpdate != nil {
				h.OnUpdate(name, u["value"])
			}
		}
	}
	if first && resp.Error == nil && h.OnInitialized != nil {
		h.OnInitialized()
	}
}

func (s *stub) handleInvoke(resp *codec.Response, first bool) {
	h := s.invoke
	if resp.Columns != nil && h.OnColumns != nil {
		h.OnColumns(resp.Columns)
	}
	if mode, ok := resp.Meta["mode"].(string); ok && h.OnMode != nil {
		h.OnMode(mode)
	}
	modify, _ := resp.Meta["modify"].(string)
	switch {
	case strings.HasPrefix(modify, "insert "):
		index, err := strconv.Atoi(strings.TrimPrefix(modify, "insert "))
		if err == nil && h.OnInsert != nil {
			h.OnInsert(index, resp.Updates)
		}
	case strings.HasPrefix(modify, "replace "):
		start, end, ok := parseRange(strings.TrimPrefix(modify, "replace "))
		if ok && h.OnReplace != nil {
			h.OnReplace(start, end, resp.Updates)
		}
	case modify == "refresh":
		if h.OnMode != nil {
			h.OnMode("refresh")
		}
		if h.OnUpdate != nil {
			h.OnUpdate(resp.Updates)
		}
	default:
		if len(resp.Updates) > 0 && h.OnUpdate != nil {
			h.OnUpdate(resp.Updates)
		}
	}
	if first && resp.Error == nil && h.OnInitialized != nil {
		h.OnInitialized()
	}
}

func parseRange(s string) (int, int, bool) {
	startStr, endStr, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return 0, 0, false
	}
	end, err := strconv.Atoi(endStr)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

// finish 本地关闭, 回调只执行一次
func (s *stub) finish(err *dsa.Error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()
	s.notifyClosed(err)
	return true
}

func (s *stub) notifyClosed(err *dsa.Error) {
	var onError func(*dsa.Error)
	var onClose func()
	switch s.kind {
	case KindList:
		onError, onClose = s.list.OnError, s.list.OnClose
	case KindInvoke:
		onError, onClose = s.invoke.OnError, s.invoke.OnClose
	default:
		onError, onClose = s.set.OnError, s.set.OnClose
	}
	if err != nil && onError != nil {
		onError(err)
	}
	if onClose != nil {
		onClose()
	}
}

// Stream 出站请求的句柄
type Stream struct {
	s *stub
}

func (st *Stream) Rid() uint32 {
	return st.s.rid
}

func (st *Stream) Kind() Kind {
	return st.s.kind
}

// Closed 请求是否已经结束
func (st *Stream) Closed() bool {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.s.closed
}

// Close 向对端发送 close 并执行本地关闭, 可重复调用
func (st *Stream) Close() {
	s := st.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sent := s.sent
	s.mu.Unlock()

	s.r.remove(s)
	if sent {
		s.r.sendClose(s.rid)
	}
	s.notifyClosed(nil)
}
