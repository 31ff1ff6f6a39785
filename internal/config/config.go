package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const DefaultPath = "config.json"

type Config struct {
	Link struct {
		Name             string `json:"name"`
		Broker           string `json:"broker"`
		Token            string `json:"token"`
		KeyFile          string `json:"key_file"`
		Protocol         string `json:"protocol"`
		Format           string `json:"format"`
		Transport        string `json:"transport"`
		IsRequester      bool   `json:"is_requester"`
		IsResponder      bool   `json:"is_responder"`
		ResumePolicy     string `json:"resume_policy"`
		HandshakeTimeout string `json:"handshake_timeout"`
		InitialBackoff   string `json:"initial_backoff"`
		MaxBackoff       string `json:"max_backoff"`
	} `json:"link"`
	Session struct {
		PingInterval       string `json:"ping_interval"`
		ReadTimeout        string `json:"read_timeout"`
		WriteTimeout       string `json:"write_timeout"`
		MaxMessageSize     int    `json:"max_message_size"`
		MaxMessageDuration string `json:"max_message_duration"`
		MaxBodySize        int    `json:"max_body_size"`
	} `json:"session"`
	Responder struct {
		Workers        int `json:"workers"`
		QueueThreshold int `json:"queue_threshold"`
		MaxQueueSize   int `json:"max_queue_size"`
	} `json:"responder"`
	Requester struct {
		CacheSize int    `json:"cache_size"`
		CacheTTL  string `json:"cache_ttl"`
	} `json:"requester"`
	Database struct {
		Enabled            bool   `json:"enabled"`
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		Collection         string `json:"collection"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	Metrics struct {
		Enabled  bool   `json:"enabled"`
		Interval string `json:"interval"`
		Retain   string `json:"retain"`
	} `json:"metrics"`
	DebugMode bool   `json:"debug_mode"`
	AppName   string `json:"app_name"`
	LogPath   string `json:"log_path"`
}

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidJSON   = errors.New("the configuration file does not contain valid JSON")
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

var config = Default()
var initialized = false

// Default 返回带有默认值的配置
func Default() Config {
	var c Config
	c.Link.Name = "dsa-link"
	c.Link.Broker = "http://127.0.0.1:8080/conn"
	c.Link.KeyFile = ".dslink.key"
	c.Link.Protocol = "v1"
	c.Link.Format = "json"
	c.Link.Transport = "websocket"
	c.Link.IsRequester = true
	c.Link.IsResponder = true
	c.Link.ResumePolicy = "never"
	c.Link.HandshakeTimeout = "30s"
	c.Link.InitialBackoff = "1000ms"
	c.Link.MaxBackoff = "60s"
	c.Session.PingInterval = "30s"
	c.Session.ReadTimeout = "90s"
	c.Session.WriteTimeout = "10s"
	c.Session.MaxMessageSize = 48 * 1024
	c.Session.MaxMessageDuration = "3s"
	c.Session.MaxBodySize = 16 * 1024
	c.Responder.Workers = 64
	c.Responder.QueueThreshold = 1
	c.Responder.MaxQueueSize = 1024
	c.Requester.CacheSize = 256
	c.Requester.CacheTTL = "1h"
	c.Database.Port = 27017
	c.Database.Database = "dsa_link"
	c.Database.Collection = "nodes"
	c.Database.ConnectTimeout = "10s"
	c.Database.SocketTimeout = "30s"
	c.Database.ConnectIdleTimeout = "5m"
	c.Database.OperationTimeout = "5s"
	c.Database.Heartbeat = "10s"
	c.Database.MinPoolSize = 1
	c.Database.MaxPoolSize = 16
	c.Metrics.Interval = "10s"
	c.Metrics.Retain = "5m"
	c.AppName = "dsa-link"
	c.LogPath = "logs"
	return c
}

// ReadConfig 读取 path 处的配置文件, 文件不存在时写入默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	bytes, err := os.ReadFile(path)

	if err != nil {
		writer, openErr := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if openErr != nil {
			return config, fmt.Errorf("error occured while creating configuration file: %w", openErr)
		}
		data, _ := json.MarshalIndent(Default(), "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, ErrConfigCreated
	}

	parsed := Default()
	if err = json.Unmarshal(bytes, &parsed); err != nil {
		return config, ErrInvalidJSON
	}
	if err = parsed.Validate(); err != nil {
		return config, err
	}

	config = parsed
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig(DefaultPath)
}

// SetConfig 替换全局配置, 供命令行覆盖和测试使用
func SetConfig(c Config) {
	config = c
	initialized = true
}

func (c *Config) Validate() error {
	if c.Link.Name == "" {
		return fmt.Errorf("%w: link.name is empty", ErrInvalidConfig)
	}
	if c.Link.Broker == "" {
		return fmt.Errorf("%w: link.broker is empty", ErrInvalidConfig)
	}
	switch c.Link.Protocol {
	case "v1", "v2":
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, c.Link.Protocol)
	}
	switch c.Link.Format {
	case "json", "msgpack", "binary":
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, c.Link.Format)
	}
	switch c.Link.Transport {
	case "websocket", "tcp":
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Link.Transport)
	}
	if c.Link.Transport == "tcp" && c.Link.Format != "binary" {
		return fmt.Errorf("%w: tcp transport requires binary format", ErrInvalidConfig)
	}
	switch c.Link.ResumePolicy {
	case "never", "handshake":
	default:
		return fmt.Errorf("%w: unknown resume policy %q", ErrInvalidConfig, c.Link.ResumePolicy)
	}
	if !c.Link.IsRequester && !c.Link.IsResponder {
		return fmt.Errorf("%w: link must be a requester, a responder or both", ErrInvalidConfig)
	}
	if c.Session.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: session.max_message_size must be positive", ErrInvalidConfig)
	}
	if c.Responder.QueueThreshold < 0 {
		return fmt.Errorf("%w: responder.queue_threshold must not be negative", ErrInvalidConfig)
	}
	return nil
}
