package dsa

import (
	"errors"
	"fmt"
)

const (
	ErrTypePermissionDenied = "permissionDenied"
	ErrTypeInvalidMethod    = "invalidMethod"
	ErrTypeNotImplemented   = "notImplemented"
	ErrTypeInvalidPath      = "invalidPath"
	ErrTypeInvalidPaths     = "invalidPaths"
	ErrTypeInvalidValue     = "invalidValue"
	ErrTypeInvalidParameter = "invalidParameter"
	ErrTypeInvalidMessage   = "invalidMessage"
	ErrTypeDisconnected     = "disconnected"
	ErrTypeServerError      = "serverError"
)

// Error 可以直接写入响应的协议错误
type Error struct {
	Type   string
	Msg    string
	Detail string
	Path   string
	Phase  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Msg)
}

// Is 按错误类型比较, 使 errors.Is(err, ErrPermissionDenied) 成立
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Type == e.Type
}

func (e *Error) ToMap() map[string]interface{} {
	m := map[string]interface{}{"type": e.Type}
	if e.Msg != "" {
		m["msg"] = e.Msg
	}
	if e.Detail != "" {
		m["detail"] = e.Detail
	}
	if e.Path != "" {
		m["path"] = e.Path
	}
	if e.Phase != "" {
		m["phase"] = e.Phase
	}
	return m
}

// ErrorFromValue 解析响应中的 error 字段, 兼容字符串形式
func ErrorFromValue(v interface{}) *Error {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return &Error{Type: ErrTypeServerError, Msg: t}
	case map[string]interface{}:
		e := &Error{}
		e.Type, _ = t["type"].(string)
		e.Msg, _ = t["msg"].(string)
		e.Detail, _ = t["detail"].(string)
		e.Path, _ = t["path"].(string)
		e.Phase, _ = t["phase"].(string)
		if e.Type == "" {
			e.Type = ErrTypeServerError
		}
		return e
	}
	return &Error{Type: ErrTypeServerError, Msg: fmt.Sprint(v)}
}

func NewError(errType, msg string) *Error {
	return &Error{Type: errType, Msg: msg}
}

var (
	ErrPermissionDenied = NewError(ErrTypePermissionDenied, "")
	ErrInvalidMethod    = NewError(ErrTypeInvalidMethod, "")
	ErrInvalidPath      = NewError(ErrTypeInvalidPath, "")
	ErrInvalidValue     = NewError(ErrTypeInvalidValue, "")
	ErrInvalidMessage   = NewError(ErrTypeInvalidMessage, "")
	ErrDisconnected     = NewError(ErrTypeDisconnected, "")
	ErrServerError      = NewError(ErrTypeServerError, "")
)

// AsError 将任意错误转换为协议错误, 非协议错误被包装为 serverError
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Type: ErrTypeServerError, Msg: err.Error()}
}
