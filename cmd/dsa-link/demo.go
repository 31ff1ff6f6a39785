package main

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/event"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/node"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/responder"
)

// buildDemoTree 建立示例节点, 返回的 Callable 停止后台更新
func buildDemoTree(tree *node.Tree) event.Callable {
	tree.MustAdd("/", "sys")
	tree.MustAdd("/sys", "version", withString(Version))
	uptime := tree.MustAdd("/sys", "uptime", node.WithType("number"), node.WithValue(0),
		node.WithAttribute("@unit", "s"))

	tree.MustAdd("/", "setpoint", node.WithType("number"), node.Persist(),
		node.Writable(dsa.PermissionWrite), node.OnSet(requireNumber))

	tree.MustAdd("/", "echo", node.WithAction(&responder.ActionFunc{
		Required: dsa.PermissionRead,
		Columns:  []responder.Column{{Name: "message", Type: "string", Default: "hello"}},
		Fn: func(params map[string]interface{}, _ responder.RowStream) (*responder.InvokeResult, error) {
			return &responder.InvokeResult{
				Columns: []responder.Column{{Name: "message", Type: "string"}},
				Rows:    [][]interface{}{{params["message"]}},
			}, nil
		},
	}))

	tree.MustAdd("/", "ticker", node.WithAction(&responder.ActionFunc{
		Required: dsa.PermissionRead,
		Columns:  []responder.Column{{Name: "interval", Type: "number", Default: 1000}},
		Fn:       ticker,
	}))

	tree.MustAdd("/", "dynamic")
	tree.MustAdd("/", "addNode", node.WithAction(&responder.ActionFunc{
		Required: dsa.PermissionConfig,
		Columns:  []responder.Column{{Name: "name", Type: "string"}, {Name: "value", Type: "dynamic"}},
		Fn: func(params map[string]interface{}, _ responder.RowStream) (*responder.InvokeResult, error) {
			name, _ := params["name"].(string)
			opts := []node.Option{node.Writable(dsa.PermissionWrite)}
			if v, ok := params["value"]; ok {
				opts = append(opts, node.WithValue(v))
			}
			if _, err := tree.Add("/dynamic", name, opts...); err != nil {
				return nil, dsa.NewError(dsa.ErrTypeInvalidParameter, err.Error())
			}
			return &responder.InvokeResult{}, nil
		},
	}))
	tree.MustAdd("/", "removeNode", node.WithAction(&responder.ActionFunc{
		Required: dsa.PermissionConfig,
		Columns:  []responder.Column{{Name: "name", Type: "string"}},
		Fn: func(params map[string]interface{}, _ responder.RowStream) (*responder.InvokeResult, error) {
			name, _ := params["name"].(string)
			if err := tree.Remove(dsa.JoinPath("/dynamic", name)); err != nil {
				return nil, dsa.NewError(dsa.ErrTypeInvalidPath, err.Error())
			}
			return &responder.InvokeResult{}, nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		start := time.Now()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				uptime.Update(dsa.NewValueUpdate(int64(now.Sub(start).Seconds())))
			}
		}
	}()
	return event.CallableFunc(func(context.Context) error {
		cancel()
		return nil
	})
}

func withString(v string) node.Option {
	return func(n *node.Node) {
		node.WithType("string")(n)
		node.WithValue(v)(n)
	}
}

func requireNumber(v interface{}) error {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return nil
	}
	return fmt.Errorf("number required, got %T", v)
}

// ticker 按 interval 毫秒推送当前时间, 直到调用被关闭
func ticker(params map[string]interface{}, stream responder.RowStream) (*responder.InvokeResult, error) {
	interval := 1000 * time.Millisecond
	switch v := params["interval"].(type) {
	case float64:
		interval = time.Duration(v) * time.Millisecond
	case int64:
		interval = time.Duration(v) * time.Millisecond
	}
	if interval < 10*time.Millisecond {
		return nil, dsa.NewError(dsa.ErrTypeInvalidValue, "interval must be at least 10ms")
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stream.Context().Done():
				return
			case now := <-t.C:
				stream.Append([]interface{}{dsa.FormatTime(now)})
			}
		}
	}()
	return &responder.InvokeResult{
		Columns: []responder.Column{{Name: "time", Type: "string"}},
		Open:    true,
		Mode:    responder.ModeStream,
	}, nil
}
