// Package codec 实现 DSA 物理消息与逻辑请求/响应之间的编解码
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
)

// SubscribePath subscribe 请求中的一项
type SubscribePath struct {
	Path string
	Sid  uint32
	Qos  dsa.QoS
}

// Request 一个逻辑请求
type Request struct {
	Rid      uint32
	Method   dsa.Method
	Path     string
	Permit   string
	Value    interface{}
	Params   map[string]interface{}
	Paths    []SubscribePath
	Sids     []uint32
	NoStream bool
	// Err 不为 nil 时请求体无法解析, 只保留了 rid, 应直接回复该错误
	Err *dsa.Error
}

// Response 一个逻辑响应. Method 仅在二进制格式中用于选择帧类型
type Response struct {
	Rid     uint32
	Method  dsa.Method
	Stream  dsa.StreamState
	Updates []interface{}
	Columns []interface{}
	Meta    map[string]interface{}
	Error   *dsa.Error
}

// Message 解码后的一条物理消息
type Message struct {
	ID        int32
	Ack       int32
	Requests  []*Request
	Responses []*Response
	Salt      string
	Allowed   *bool
	Ping      bool
	// Skipped 无法恢复 rid 而被跳过的条目
	Skipped []error
	// Ignored 取值非法而按缺省处理的信封字段
	Ignored []error
}

func newMessage() *Message {
	return &Message{ID: -1, Ack: -1}
}

// HasItems 消息中是否包含需要 ack 的逻辑条目
func (m *Message) HasItems() bool {
	return len(m.Requests) > 0 || len(m.Responses) > 0 || len(m.Skipped) > 0
}

// skip 记录一个被跳过的条目
func (m *Message) skip(err error) {
	if !errors.Is(err, ErrMalformed) {
		err = fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	m.Skipped = append(m.Skipped, err)
}

func (r *Request) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"rid":    r.Rid,
		"method": string(r.Method),
	}
	r.bodyInto(m)
	if r.Path != "" {
		m["path"] = r.Path
	}
	if r.Permit != "" {
		m["permit"] = r.Permit
	}
	if r.NoStream {
		m["stream"] = false
	}
	return m
}

// bodyInto 写入不属于二进制帧头部的字段
func (r *Request) bodyInto(m map[string]interface{}) {
	if r.Value != nil {
		m["value"] = r.Value
	}
	if r.Params != nil {
		m["params"] = r.Params
	}
	if len(r.Paths) > 0 {
		paths := make([]interface{}, 0, len(r.Paths))
		for _, p := range r.Paths {
			paths = append(paths, map[string]interface{}{"path": p.Path, "sid": p.Sid, "qos": int(p.Qos)})
		}
		m["paths"] = paths
	}
	if len(r.Sids) > 0 {
		sids := make([]interface{}, 0, len(r.Sids))
		for _, sid := range r.Sids {
			sids = append(sids, sid)
		}
		m["sids"] = sids
	}
}

// RequestFromMap 解析一个请求对象, 缺少 rid 或 method 时返回 invalidMessage
func RequestFromMap(m map[string]interface{}) (*Request, error) {
	rid, ok := ToInt64(m["rid"])
	if !ok || rid < 0 || rid > math.MaxUint32 {
		return nil, dsa.NewError(dsa.ErrTypeInvalidMessage, "request without valid rid")
	}
	r := &Request{Rid: uint32(rid)}
	method, _ := m["method"].(string)
	r.Method = dsa.Method(method)
	r.Path, _ = m["path"].(string)
	r.Permit, _ = m["permit"].(string)
	if stream, ok := m["stream"].(bool); ok && !stream {
		r.NoStream = true
	}
	r.readBody(m)
	return r, nil
}

func (r *Request) readBody(m map[string]interface{}) {
	r.Value = m["value"]
	if params, ok := m["params"].(map[string]interface{}); ok {
		r.Params = params
	}
	if paths, ok := m["paths"].([]interface{}); ok {
		for _, raw := range paths {
			pm, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			p := SubscribePath{}
			p.Path, _ = pm["path"].(string)
			if sid, ok := ToInt64(pm["sid"]); ok {
				p.Sid = uint32(sid)
			}
			if qos, ok := ToInt64(pm["qos"]); ok {
				p.Qos = dsa.QoS(qos).Clamp()
			}
			r.Paths = append(r.Paths, p)
		}
	}
	if sids, ok := m["sids"].([]interface{}); ok {
		for _, raw := range sids {
			if sid, ok := ToInt64(raw); ok {
				r.Sids = append(r.Sids, uint32(sid))
			}
		}
	}
}

func (r *Response) ToMap() map[string]interface{} {
	m := map[string]interface{}{"rid": r.Rid}
	if r.Stream != "" {
		m["stream"] = string(r.Stream)
	}
	r.bodyInto(m)
	return m
}

func (r *Response) bodyInto(m map[string]interface{}) {
	if r.Updates != nil {
		m["updates"] = r.Updates
	}
	if r.Columns != nil {
		m["columns"] = r.Columns
	}
	if r.Meta != nil {
		m["meta"] = r.Meta
	}
	if r.Error != nil {
		m["error"] = r.Error.ToMap()
	}
}

func ResponseFromMap(m map[string]interface{}) (*Response, error) {
	rid, ok := ToInt64(m["rid"])
	if !ok || rid < 0 || rid > math.MaxUint32 {
		return nil, dsa.NewError(dsa.ErrTypeInvalidMessage, "response without valid rid")
	}
	r := &Response{Rid: uint32(rid)}
	stream, _ := m["stream"].(string)
	r.Stream = dsa.StreamState(stream)
	r.readBody(m)
	return r, nil
}

func (r *Response) readBody(m map[string]interface{}) {
	if updates, ok := m["updates"].([]interface{}); ok {
		r.Updates = updates
	}
	if columns, ok := m["columns"].([]interface{}); ok {
		r.Columns = columns
	}
	if meta, ok := m["meta"].(map[string]interface{}); ok {
		r.Meta = meta
	}
	r.Error = dsa.ErrorFromValue(m["error"])
}

// ToInt64 将各种解码得到的数字类型转换为 int64
func ToInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), float32(int64(n)) == n
	case float64:
		return int64(n), float64(int64(n)) == n
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// normalize 将解码器产生的类型统一为 map[string]interface{}、[]interface{} 与 int64/float64
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return t
	}
	return v
}
