package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/hashicorp/go-metrics"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/codec"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/config"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/database"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/event"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/handshake"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/link"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/logger"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/node"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/requester"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/responder"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/transport"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/utils"
)

const Version = "0.1.0"

const usage = `DSA link.

Usage:
    dsa-link [--config=<path>] [--broker=<url>] [--token=<token>] [--name=<name>]
        [--key=<path>] [--format=<format>] [--log-level=<level>] [--nodes-db]
        [--watch=<path>]
    dsa-link -h | --help
    dsa-link --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --config=<path>       Configuration file [default: config.json].
    --broker=<url>        Broker connection url, overrides link.broker.
    --token=<token>       Broker token, overrides link.token.
    --name=<name>         Link name, overrides link.name.
    --key=<path>          Key file, overrides link.key_file.
    --format=<format>     json, msgpack or binary, overrides link.format.
    --log-level=<level>   debug, info, warn or error.
    --nodes-db            Persist nodes in mongodb, overrides database.enabled.
    --watch=<path>        Subscribe to a broker path and log its values.`

func applyOverrides(cfg *config.Config, opts docopt.Opts) {
	if v, _ := opts.String("--broker"); v != "" {
		cfg.Link.Broker = v
	}
	if v, _ := opts.String("--token"); v != "" {
		cfg.Link.Token = v
	}
	if v, _ := opts.String("--name"); v != "" {
		cfg.Link.Name = v
	}
	if v, _ := opts.String("--key"); v != "" {
		cfg.Link.KeyFile = v
	}
	if v, _ := opts.String("--format"); v != "" {
		cfg.Link.Format = v
	}
	if v, _ := opts.Bool("--nodes-db"); v {
		cfg.Database.Enabled = true
	}
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}
	path, _ := opts.String("--config")
	cfg, err := config.ReadConfig(path)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	applyOverrides(&cfg, opts)
	if err = cfg.Validate(); err != nil {
		logger.FatalF("Invalid configuration: %v", err)
		return
	}
	config.SetConfig(cfg)

	level, _ := opts.String("--log-level")
	loggerCallback := logger.Init(level)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	sink := setupMetrics(cfg, cleaner)

	ctx := context.Background()
	store, dbCallback, err := database.OpenStore(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		return
	}
	if dbCallback != nil {
		cleaner.Add(dbCallback)
	}

	l, err := buildLink(cfg, store, sink, cleaner)
	if err != nil {
		logger.FatalF("Error occured while initializing link, details: %v", err)
		return
	}
	cleaner.Add(l)

	if watch, _ := opts.String("--watch"); watch != "" && l.Requester() != nil {
		sub := l.Requester().Subscribe(watch, dsa.QoSQueued, func(u dsa.ValueUpdate) {
			logger.Info("value update", "path", watch, "value", u.Value, "status", u.Status, "ts", u.Timestamp)
		})
		cleaner.Add(event.CallableFunc(func(context.Context) error {
			sub.Close()
			return nil
		}))
	}

	logger.InfoF("Link %s starting", l.Identity())
	if err = l.Run(ctx); err != nil {
		logger.ErrorF("Link stopped with error: %v", err)
	}
}

// setupMetrics 安装内存指标, 收到 SIGUSR1 时输出到标准错误
func setupMetrics(cfg config.Config, cleaner *event.Cleaner) metrics.MetricSink {
	if !cfg.Metrics.Enabled {
		return &metrics.BlackholeSink{}
	}
	interval := utils.ParseStringTimeOr(cfg.Metrics.Interval, 10*time.Second)
	retain := utils.ParseStringTimeOr(cfg.Metrics.Retain, 5*time.Minute)
	sink := metrics.NewInmemSink(interval, retain)
	signal := metrics.DefaultInmemSignal(sink)
	metricsConfig := metrics.DefaultConfig(cfg.AppName)
	metricsConfig.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConfig, sink); err != nil {
		logger.WarnF("Failed to install global metrics: %v", err)
	}
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		signal.Stop()
		return nil
	}))
	return sink
}

func buildLink(cfg config.Config, store database.NodeStore, sink metrics.MetricSink, cleaner *event.Cleaner) (*link.Link, error) {
	log := slog.Default()

	var resp *responder.Responder
	if cfg.Link.IsResponder {
		tree := node.NewTree(store, log)
		cleaner.Add(buildDemoTree(tree))
		restored, err := tree.Restore()
		if err != nil {
			return nil, err
		}
		logger.DebugF("Restored %d persisted nodes", restored)
		resp = responder.New(responder.Options{
			Tree:         tree,
			Workers:      cfg.Responder.Workers,
			QueuePolicy:  &dsa.QueuePolicy{Threshold: dsa.QoS(cfg.Responder.QueueThreshold)},
			MaxQueueSize: cfg.Responder.MaxQueueSize,
			Logger:       log,
			MetricSink:   sink,
		})
	}
	var req *requester.Requester
	if cfg.Link.IsRequester {
		req = requester.New(requester.Options{
			CacheSize:  cfg.Requester.CacheSize,
			CacheTTL:   utils.ParseStringTimeOr(cfg.Requester.CacheTTL, requester.DefaultCacheTTL),
			Logger:     log,
			MetricSink: sink,
		})
	}

	keys, err := handshake.LoadOrCreateKeyPair(cfg.Link.KeyFile)
	if err != nil {
		return nil, err
	}
	format := codec.Format(cfg.Link.Format)
	formats := []codec.Format{format}
	if format != codec.FormatJSON {
		formats = append(formats, codec.FormatJSON)
	}
	timeout := utils.ParseStringTimeOr(cfg.Link.HandshakeTimeout, 30*time.Second)
	initializer, err := handshake.NewInitializer(handshake.Options{
		Broker:      cfg.Link.Broker,
		LinkName:    cfg.Link.Name,
		Token:       cfg.Link.Token,
		IsRequester: cfg.Link.IsRequester,
		IsResponder: cfg.Link.IsResponder,
		Formats:     formats,
		Kind:        transport.Kind(cfg.Link.Transport),
		Timeout:     timeout,
		Keys:        keys,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	logger.InfoF("Link dsId %s", initializer.DsID())

	factory := transport.NewFactory(transport.Options{
		ReadTimeout:  utils.ParseStringTimeOr(cfg.Session.ReadTimeout, 90*time.Second),
		WriteTimeout: utils.ParseStringTimeOr(cfg.Session.WriteTimeout, 10*time.Second),
		MaxFrameSize: cfg.Session.MaxMessageSize,
	})

	l, err := link.New(link.Options{
		Name:       cfg.Link.Name,
		Broker:     cfg.Link.Broker,
		Protocol:   link.Protocol(cfg.Link.Protocol),
		Handshaker: initializer,
		Factory:    factory,
		CodecOptions: codec.Options{
			MaxMessageSize:     cfg.Session.MaxMessageSize,
			MaxMessageDuration: utils.ParseStringTimeOr(cfg.Session.MaxMessageDuration, codec.DefaultMaxMessageDuration),
			MaxBodySize:        cfg.Session.MaxBodySize,
		},
		PingInterval:   utils.ParseStringTimeOr(cfg.Session.PingInterval, 30*time.Second),
		Requester:      req,
		Responder:      resp,
		ResumePolicy:   link.ResumePolicy(cfg.Link.ResumePolicy),
		InitialBackoff: utils.ParseStringTimeOr(cfg.Link.InitialBackoff, link.DefaultInitialBackoff),
		MaxBackoff:     utils.ParseStringTimeOr(cfg.Link.MaxBackoff, link.DefaultMaxBackoff),
		Token:          cfg.Link.Token,
		Logger:         log,
		MetricSink:     sink,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
