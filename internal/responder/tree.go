package responder

import (
	"context"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
)

// Tree 响应者对外暴露的节点树
type Tree interface {
	// Get 按规范化后的路径查找节点
	Get(path string) (Node, bool)
}

// ChildEvent 子节点的增加或删除
type ChildEvent struct {
	Name    string
	Node    Node
	Removed bool
}

// Node 树中的一个节点
type Node interface {
	Path() string
	Name() string
	// Configs 以 $ 开头的配置, 至少包含 $is
	Configs() map[string]interface{}
	// Attributes 以 @ 开头的属性
	Attributes() map[string]interface{}
	// Children 子节点快照, 顺序稳定
	Children() []Node
	Hidden() bool

	Value() (dsa.ValueUpdate, bool)
	// WatchValue 注册值变化回调, 返回取消函数
	WatchValue(fn func(dsa.ValueUpdate)) (cancel func())
	WatchChildren(fn func(ChildEvent)) (cancel func())

	// Action 节点不是动作时返回 nil
	Action() Action
	// Writable 写入值所需的权限, 不可写时为 never
	Writable() dsa.Permission
	SetValue(v interface{}) error
	SetAttribute(name string, v interface{}) error
	SetConfig(name string, v interface{}) error
	RemoveAttribute(name string) error
}

type Column struct {
	Name string
	Type string
	// Default 参数列的默认值
	Default interface{}
}

func (c Column) ToMap() map[string]interface{} {
	m := map[string]interface{}{"name": c.Name, "type": c.Type}
	if c.Default != nil {
		m["default"] = c.Default
	}
	return m
}

// InvokeMode 结果表的更新方式
type InvokeMode string

const (
	ModeRefresh InvokeMode = "refresh"
	ModeAppend  InvokeMode = "append"
	ModeStream  InvokeMode = "stream"
)

// InvokeResult 动作调用的初始结果
type InvokeResult struct {
	Columns []Column
	Rows    [][]interface{}
	Meta    map[string]interface{}
	// Open 为 true 时动作会在初始行之后继续通过 RowStream 推送更新
	Open bool
	Mode InvokeMode
}

// RowStream 打开状态的动作用来继续推送结果
type RowStream interface {
	// Context 请求关闭后被取消
	Context() context.Context
	Append(rows ...[]interface{})
	Insert(index int, rows ...[]interface{})
	Replace(start, end int, rows ...[]interface{})
	Refresh(rows ...[]interface{})
	// Close 结束调用, err 不为 nil 时以错误结束
	Close(err error)
	OnClose(fn func())
}

type Action interface {
	// Permission 调用所需的权限
	Permission() dsa.Permission
	Params() []Column
	Invoke(params map[string]interface{}, stream RowStream) (*InvokeResult, error)
}

// ActionFunc 仅包含调用逻辑的简单动作
type ActionFunc struct {
	Required dsa.Permission
	Columns  []Column
	Fn       func(params map[string]interface{}, stream RowStream) (*InvokeResult, error)
}

func (a *ActionFunc) Permission() dsa.Permission {
	return a.Required
}

func (a *ActionFunc) Params() []Column {
	return a.Columns
}

func (a *ActionFunc) Invoke(params map[string]interface{}, stream RowStream) (*InvokeResult, error) {
	return a.Fn(params, stream)
}
