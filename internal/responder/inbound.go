package responder

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/session"
)

// State 单个入站请求的状态
type State int

const (
	StateInit State = iota
	StateChildren
	StateRows
	StateUpdates
	StateClosePending
	StateClosed
)

var stateNames = [...]string{"init", "children", "rows", "updates", "close_pending", "closed"}

func (s State) String() string {
	if s < StateInit || s > StateClosed {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// machine 各请求类型的具体行为. step 在持有 inbound.mu 时调用
type machine interface {
	// start 在工作协程中执行, 不持有锁
	start()
	// step 写出尽可能多的数据, 返回 true 表示仍有待写数据
	step(w session.Writer) bool
	// release 进入 CLOSED 后释放资源, 不持有锁
	release()
}

// inbound 入站请求记录, 同时是写入会话的生产者
type inbound struct {
	r          *Responder
	rid        uint32
	method     dsa.Method
	path       string
	permission dsa.Permission
	log        *slog.Logger
	m          machine

	mu       sync.Mutex
	state    State
	enqueued bool
	closeErr *dsa.Error
	onClose  []func()
	finished atomic.Bool
}

func (in *inbound) setState(s State) {
	if in.state == s {
		return
	}
	from := in.state
	in.state = s
	if in.r.opts.StateObserver != nil {
		in.r.opts.StateObserver(in.rid, from, s)
	}
}

func (in *inbound) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// schedule 将请求放入会话的响应队列, 已在队列中时不重复入队
func (in *inbound) schedule() {
	in.mu.Lock()
	if in.enqueued || in.state == StateClosed {
		in.mu.Unlock()
		return
	}
	in.enqueued = true
	in.mu.Unlock()

	if !in.r.enqueue(in) {
		// 会话已断开, 请求不会再有写入机会
		in.terminate()
	}
}

// close 由本地处理逻辑调用. err 为 nil 时先写完剩余数据再关闭
func (in *inbound) close(err *dsa.Error) {
	in.mu.Lock()
	if in.state >= StateClosePending {
		in.mu.Unlock()
		return
	}
	in.closeErr = err
	in.setState(StateClosePending)
	in.mu.Unlock()
	in.schedule()
}

// terminate 立即进入 CLOSED, 不再写出任何数据
func (in *inbound) terminate() {
	in.mu.Lock()
	if in.state == StateClosed {
		in.mu.Unlock()
		return
	}
	in.setState(StateClosed)
	in.mu.Unlock()
	in.finish()
}

func (in *inbound) addOnClose(fn func()) {
	in.mu.Lock()
	if in.state != StateClosed {
		in.onClose = append(in.onClose, fn)
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()
	go fn()
}

// finish 从请求表移除并异步执行关闭回调, 只执行一次
func (in *inbound) finish() {
	if !in.finished.CompareAndSwap(false, true) {
		return
	}
	in.r.remove(in)

	in.mu.Lock()
	callbacks := in.onClose
	in.onClose = nil
	in.mu.Unlock()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				in.log.Error("close callback panicked", "panic", p)
			}
		}()
		in.m.release()
		for _, fn := range callbacks {
			fn()
		}
		in.r.closed(in)
	}()
}

func (in *inbound) Write(w session.Writer) (more bool) {
	finish := false
	func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		defer func() {
			if p := recover(); p != nil {
				in.log.Error("request panicked while writing", "panic", p)
				in.closeErr = dsa.NewError(dsa.ErrTypeServerError, fmt.Sprint(p))
				in.setState(StateClosePending)
				in.enqueued = true
				more = true
			}
		}()

		if in.state == StateClosed {
			in.enqueued = false
			more = false
			return
		}
		if in.closeErr == nil {
			more = in.m.step(w)
		}
		if !more && in.state == StateClosePending {
			if w.ShouldEnd() {
				more = true
			} else {
				in.writeClose(w)
				in.setState(StateClosed)
				finish = true
			}
		}
		in.enqueued = more
	}()
	if finish {
		in.finish()
	}
	return more
}

func (in *inbound) writeClose(w session.Writer) {
	resp := &codec.Response{Rid: in.rid, Method: in.method, Stream: dsa.StreamClosed, Error: in.closeErr}
	if err := w.WriteResponse(resp); err != nil {
		in.log.Error("fail to encode close response", "error", err)
	}
}

func (in *inbound) writeResponse(w session.Writer, resp *codec.Response) {
	resp.Rid = in.rid
	resp.Method = in.method
	if resp.Stream == "" {
		resp.Stream = dsa.StreamOpen
	}
	if err := w.WriteResponse(resp); err != nil {
		in.log.Error("fail to encode response", "error", err)
	}
}

// noopMachine 没有流式输出的请求
type noopMachine struct{}

func (noopMachine) start() {}

func (noopMachine) step(session.Writer) bool {
	return false
}

func (noopMachine) release() {}
