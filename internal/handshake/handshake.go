package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/transport"
)

const (
	VersionV1 = "1.1.2"
	VersionV2 = "2.0"
)

type Options struct {
	// Broker v1 为连接初始化地址 (http://host/conn), v2 为传输地址
	Broker      string
	LinkName    string
	Token       string
	IsRequester bool
	IsResponder bool
	Formats     []codec.Format
	Kind        transport.Kind
	Timeout     time.Duration
	Keys        *KeyPair
	Logger      *slog.Logger
	HTTPClient  *http.Client
}

// Result 一次握手的结果
type Result struct {
	DsID     string
	Path     string
	Salt     string
	TempKey  string
	Format   codec.Format
	Version  string
	Endpoint transport.Endpoint
	// InBand 为 true 时握手已经在传输上完成
	InBand bool
}

// Initializer 执行 v1 的 HTTP 连接初始化或 v2 的帧内握手
type Initializer struct {
	opts Options
	dsID string
	log  *slog.Logger
}

func NewInitializer(opts Options) (*Initializer, error) {
	if opts.Keys == nil {
		return nil, fmt.Errorf("%w: no key pair", ErrInvalidKey)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if len(opts.Formats) == 0 {
		opts.Formats = []codec.Format{codec.FormatJSON}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Initializer{opts: opts, dsID: opts.Keys.DsID(opts.LinkName), log: log}, nil
}

func (i *Initializer) DsID() string {
	return i.dsID
}

type connRequest struct {
	PublicKey   string                 `json:"publicKey"`
	IsRequester bool                   `json:"isRequester"`
	IsResponder bool                   `json:"isResponder"`
	LinkData    map[string]interface{} `json:"linkData"`
	Version     string                 `json:"version"`
	Formats     []codec.Format         `json:"formats"`
	Compression bool                   `json:"enableWebSocketCompression"`
}

type connResponse struct {
	DsID    string `json:"dsId"`
	WsURI   string `json:"wsUri"`
	TempKey string `json:"tempKey"`
	Salt    string `json:"salt"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Format  string `json:"format"`
}

// Connect v1 连接初始化: POST 公钥与能力, 得到 websocket 地址、salt 与临时公钥
func (i *Initializer) Connect(ctx context.Context) (*Result, error) {
	brokerURL, err := url.Parse(i.opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("handshake: invalid broker url %q: %w", i.opts.Broker, err)
	}
	query := brokerURL.Query()
	query.Set("dsId", i.dsID)
	if i.opts.Token != "" {
		query.Set("token", TokenQuery(i.dsID, i.opts.Token))
	}
	brokerURL.RawQuery = query.Encode()

	body, _ := json.Marshal(connRequest{
		PublicKey:   i.opts.Keys.PublicKey(),
		IsRequester: i.opts.IsRequester,
		IsResponder: i.opts.IsResponder,
		LinkData:    map[string]interface{}{},
		Version:     VersionV1,
		Formats:     i.opts.Formats,
	})

	ctx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, brokerURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handshake: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := i.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("handshake: connection init: %w", err)
	}
	defer resp.Body.Close()
	i.log.Debug("connection init finished", "status", resp.StatusCode, "cost", time.Since(startTime))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("handshake: read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrNotAllowed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var cr connResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if cr.WsURI == "" {
		return nil, fmt.Errorf("%w: missing wsUri", ErrBadResponse)
	}

	result := &Result{
		DsID:    i.dsID,
		Path:    cr.Path,
		Salt:    cr.Salt,
		TempKey: cr.TempKey,
		Format:  codec.Format(cr.Format),
		Version: cr.Version,
	}
	if result.Format == "" {
		result.Format = codec.FormatJSON
	}
	wsURL, err := i.websocketURL(brokerURL, cr, result.Format)
	if err != nil {
		return nil, err
	}
	result.Endpoint = transport.Endpoint{Kind: transport.KindWebSocket, URL: wsURL}
	i.log.Info("connection initialized", "dsId", i.dsID, "path", cr.Path, "format", result.Format)
	return result, nil
}

func (i *Initializer) websocketURL(brokerURL *url.URL, cr connResponse, format codec.Format) (string, error) {
	wsURL, err := brokerURL.Parse(cr.WsURI)
	if err != nil {
		return "", fmt.Errorf("%w: invalid wsUri %q", ErrBadResponse, cr.WsURI)
	}
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}

	query := url.Values{}
	query.Set("dsId", i.dsID)
	query.Set("format", string(format))
	if cr.TempKey != "" {
		secret, err := i.opts.Keys.SharedSecret(cr.TempKey)
		if err != nil {
			return "", err
		}
		query.Set("auth", Auth([]byte(cr.Salt), secret))
	}
	if i.opts.Token != "" {
		query.Set("token", TokenQuery(i.dsID, i.opts.Token))
	}
	wsURL.RawQuery = query.Encode()
	return wsURL.String(), nil
}

// Endpoint v2 直接连接配置的地址
func (i *Initializer) Endpoint() transport.Endpoint {
	return transport.Endpoint{Kind: i.opts.Kind, URL: i.opts.Broker}
}

// HandshakeV2 在已打开的传输上完成 0xF0-0xF3 四步握手
func (i *Initializer) HandshakeV2(ctx context.Context, t transport.Transport) (*Result, error) {
	clientSalt, err := randomSalt()
	if err != nil {
		return nil, fmt.Errorf("handshake: salt: %w", err)
	}

	type step struct {
		data []byte
		err  error
	}
	read := func(expected byte) (map[string]interface{}, error) {
		ch := make(chan step, 1)
		go func() {
			data, err := t.ReadMessage()
			ch <- step{data, err}
		}()
		select {
		case <-ctx.Done():
			_ = t.Close()
			return nil, ctx.Err()
		case s := <-ch:
			if s.err != nil {
				return nil, fmt.Errorf("handshake: read 0x%02x: %w", expected, s.err)
			}
			return codec.DecodeHandshake(s.data, expected)
		}
	}
	write := func(method byte, body map[string]interface{}) error {
		data, err := codec.EncodeHandshake(method, body)
		if err != nil {
			return err
		}
		if err := t.WriteMessage(data, true); err != nil {
			return fmt.Errorf("handshake: write 0x%02x: %w", method, err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	if err := write(codec.MethodHandshake0, map[string]interface{}{
		"dsId":        i.dsID,
		"publicKey":   i.opts.Keys.PublicKey(),
		"salt":        clientSalt,
		"version":     VersionV2,
		"isResponder": i.opts.IsResponder,
	}); err != nil {
		return nil, err
	}

	server, err := read(codec.MethodHandshake1)
	if err != nil {
		return nil, err
	}
	brokerDsID, _ := server["dsId"].(string)
	brokerKey, _ := server["publicKey"].(string)
	brokerSalt, _ := server["salt"].(string)
	if brokerKey == "" || brokerSalt == "" {
		return nil, fmt.Errorf("%w: missing broker key or salt", ErrBadResponse)
	}
	secret, err := i.opts.Keys.SharedSecret(brokerKey)
	if err != nil {
		return nil, err
	}

	if err := write(codec.MethodHandshake2, map[string]interface{}{
		"token":       i.opts.Token,
		"isResponder": i.opts.IsResponder,
		"auth":        Auth([]byte(brokerSalt), secret),
	}); err != nil {
		return nil, err
	}

	final, err := read(codec.MethodHandshake3)
	if err != nil {
		return nil, err
	}
	if allowed, _ := final["allowed"].(bool); !allowed {
		return nil, ErrNotAllowed
	}
	if auth, _ := final["auth"].(string); auth != Auth([]byte(clientSalt), secret) {
		return nil, ErrAuthMismatch
	}
	path, _ := final["path"].(string)
	i.log.Info("handshake finished", "dsId", i.dsID, "broker", brokerDsID, "path", path)
	return &Result{
		DsID:     i.dsID,
		Path:     path,
		Salt:     brokerSalt,
		Format:   codec.FormatBinary,
		Version:  VersionV2,
		Endpoint: i.Endpoint(),
		InBand:   true,
	}, nil
}
