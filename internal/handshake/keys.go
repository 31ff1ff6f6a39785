// Package handshake 实现 link 与 broker 建立会话前的身份交换
package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/logger"
)

var (
	ErrInvalidKey      = errors.New("handshake: invalid key")
	ErrNotAllowed      = errors.New("handshake: broker rejected the link")
	ErrBadResponse     = errors.New("handshake: unexpected broker response")
	ErrAuthMismatch    = errors.New("handshake: broker auth does not match")
	ErrUnsupportedKind = errors.New("handshake: unsupported transport kind")
)

var b64 = base64.RawURLEncoding

// KeyPair link 的长期 ECDH 密钥
type KeyPair struct {
	private *ecdh.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate key: %w", err)
	}
	return &KeyPair{private: key}, nil
}

// LoadOrCreateKeyPair 读取 path 中的私钥, 文件不存在时生成并保存
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := b64.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidKey, path, err)
		}
		key, err := ecdh.P256().NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidKey, path, err)
		}
		return &KeyPair{private: key}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("handshake: read key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0700)
	}
	if err := os.WriteFile(path, []byte(b64.EncodeToString(kp.private.Bytes())), 0600); err != nil {
		return nil, fmt.Errorf("handshake: save key file: %w", err)
	}
	logger.InfoF("Generated new link key at %s", path)
	return kp, nil
}

// PublicKey 未压缩格式公钥的 base64url 编码
func (k *KeyPair) PublicKey() string {
	return b64.EncodeToString(k.private.PublicKey().Bytes())
}

// DsID <name>-<base64url(sha256(publicKey))>
func (k *KeyPair) DsID(name string) string {
	sum := sha256.Sum256(k.private.PublicKey().Bytes())
	return name + "-" + b64.EncodeToString(sum[:])
}

// SharedSecret 与 base64url 编码的对端公钥计算 ECDH 共享密钥
func (k *KeyPair) SharedSecret(peerPublicKey string) ([]byte, error) {
	raw, err := b64.DecodeString(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %w", ErrInvalidKey, err)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %w", ErrInvalidKey, err)
	}
	secret, err := k.private.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %w", ErrInvalidKey, err)
	}
	return secret, nil
}

// Auth base64url(sha256(salt || sharedSecret))
func Auth(salt []byte, sharedSecret []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write(sharedSecret)
	return b64.EncodeToString(h.Sum(nil))
}

func randomSalt() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b64.EncodeToString(buf), nil
}
