package responder

import (
	"strings"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
)

// setMachine 单次的 set 与 remove, 完成后立即关闭
type setMachine struct {
	noopMachine
	*inbound
	value  interface{}
	remove bool
}

func newSetMachine(in *inbound, value interface{}, remove bool) *setMachine {
	return &setMachine{inbound: in, value: value, remove: remove}
}

// splitTarget 将 /a/b/@x 拆分为节点路径 /a/b 与属性名 @x
func splitTarget(path string) (string, string) {
	idx := strings.LastIndex(path, "/")
	name := path[idx+1:]
	if !strings.HasPrefix(name, "@") && !strings.HasPrefix(name, "$") {
		return path, ""
	}
	parent := path[:idx]
	if parent == "" {
		parent = "/"
	}
	return parent, name
}

func (s *setMachine) start() {
	s.close(s.apply())
}

func (s *setMachine) apply() *dsa.Error {
	nodePath, name := splitTarget(s.path)
	node, ok := s.r.opts.Tree.Get(nodePath)
	if !ok {
		return dsa.NewError(dsa.ErrTypeInvalidPath, nodePath)
	}

	var required dsa.Permission
	switch {
	case name == "":
		if s.remove {
			return dsa.NewError(dsa.ErrTypeInvalidPath, "remove requires an attribute or config path")
		}
		required = node.Writable()
	case strings.HasPrefix(name, "$"):
		required = dsa.PermissionConfig
	default:
		required = dsa.PermissionWrite
	}
	if !s.permission.Allows(required) {
		return dsa.NewError(dsa.ErrTypePermissionDenied, s.path)
	}

	var err error
	switch {
	case s.remove:
		err = node.RemoveAttribute(name)
	case name == "":
		err = node.SetValue(s.value)
	case strings.HasPrefix(name, "$"):
		err = node.SetConfig(name, s.value)
	default:
		err = node.SetAttribute(name, s.value)
	}
	if err != nil {
		s.log.Warn("set failed", "error", err)
		return dsa.AsError(err)
	}
	return nil
}
