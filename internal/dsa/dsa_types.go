// Package dsa 定义 DSA 协议的公共词汇: 方法、流状态、权限、状态与错误
package dsa

import (
	"strings"
	"time"
)

type Method string

const (
	MethodList        Method = "list"
	MethodInvoke      Method = "invoke"
	MethodSet         Method = "set"
	MethodRemove      Method = "remove"
	MethodSubscribe   Method = "subscribe"
	MethodUnsubscribe Method = "unsubscribe"
	MethodClose       Method = "close"
)

func (m Method) Valid() bool {
	switch m {
	case MethodList, MethodInvoke, MethodSet, MethodRemove, MethodSubscribe, MethodUnsubscribe, MethodClose:
		return true
	}
	return false
}

func (m Method) String() string {
	return string(m)
}

// StreamState 响应中 stream 字段的取值
type StreamState string

const (
	StreamInitialize StreamState = "initialize"
	StreamOpen       StreamState = "open"
	StreamClosed     StreamState = "closed"
)

// Status 订阅值的质量
type Status string

const (
	StatusOK           Status = "ok"
	StatusUnknown      Status = "unknown"
	StatusDisconnected Status = "disconnected"
	StatusStale        Status = "stale"
)

// ValueUpdate 一次值变化
type ValueUpdate struct {
	Value     interface{}
	Timestamp time.Time
	Status    Status
}

func NewValueUpdate(value interface{}) ValueUpdate {
	return ValueUpdate{Value: value, Timestamp: time.Now(), Status: StatusOK}
}

// WithStatus 返回状态被替换的副本, 时间戳更新为当前时间
func (u ValueUpdate) WithStatus(status Status) ValueUpdate {
	u.Status = status
	u.Timestamp = time.Now()
	return u
}

const TimeFormat = "2006-01-02T15:04:05.000-07:00"

func FormatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format(TimeFormat)
}

func ParseTime(s string) time.Time {
	for _, layout := range []string{TimeFormat, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SplitPath 将 /a/b/c 拆分为 [a b c], 根路径返回空切片
func SplitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// JoinPath 拼接父路径与子节点名
func JoinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}

// NormalizePath 保证路径以 / 开头且不以 / 结尾
func NormalizePath(path string) string {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}
