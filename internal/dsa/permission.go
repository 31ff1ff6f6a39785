package dsa

import "strings"

// Permission 权限级别, 数值越大权限越高
type Permission int

const (
	PermissionNone Permission = iota
	PermissionList
	PermissionRead
	PermissionWrite
	PermissionConfig
	PermissionNever
)

var permissionNames = [...]string{"none", "list", "read", "write", "config", "never"}

func (p Permission) String() string {
	if p < PermissionNone || p > PermissionNever {
		return "none"
	}
	return permissionNames[p]
}

// ParsePermission 未知的名称按 none 处理
func ParsePermission(s string) Permission {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range permissionNames {
		if name == s {
			return Permission(i)
		}
	}
	return PermissionNone
}

// Allows 判断当前权限是否满足 required. never 永远不被满足
func (p Permission) Allows(required Permission) bool {
	if required == PermissionNever {
		return false
	}
	return p >= required
}

// Min 取较低的权限, 用于请求自带 permit 与连接最大权限的合并
func (p Permission) Min(other Permission) Permission {
	if other < p {
		return other
	}
	return p
}
