package handshake

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenQuery 连接参数中的 token: 前 16 个字符加上 base64url(sha256(dsId + token))
func TokenQuery(dsID, token string) string {
	if token == "" {
		return ""
	}
	prefix := token
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	sum := sha256.Sum256([]byte(dsID + token))
	return prefix + b64.EncodeToString(sum[:])
}

type TokenInfo struct {
	JWT       bool
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

func (ti TokenInfo) Expired(now time.Time) bool {
	return !ti.ExpiresAt.IsZero() && now.After(ti.ExpiresAt)
}

// InspectToken 读取 JWT 形式 token 中的声明, 签名由 broker 验证, 这里不做校验.
// 普通 token 返回 JWT=false
func InspectToken(token string) (TokenInfo, error) {
	if strings.Count(token, ".") != 2 {
		return TokenInfo{}, nil
	}
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return TokenInfo{}, fmt.Errorf("handshake: parse token: %w", err)
	}
	info := TokenInfo{JWT: true}
	claims := parsed.Claims
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		info.Issuer = iss
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}
