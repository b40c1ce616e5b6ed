// Package fanout is a Caddy HTTP handler that fans out producer appends on a
// source stream to every subscribed estuary stream, speaking the Durable
// Streams Protocol to an upstream stream core.
package fanout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/durable-streams/fanout/actor"
	"github.com/durable-streams/fanout/core"
	"github.com/durable-streams/fanout/dispatch"
	"github.com/durable-streams/fanout/lifecycle"
	"github.com/durable-streams/fanout/metrics"
	"github.com/durable-streams/fanout/queue"
	"github.com/durable-streams/fanout/registry"
	"github.com/durable-streams/fanout/streamcore"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("stream_fanout", parseCaddyfile)
}

const defaultConsumerWorkers = 4

// Collectors register once per process; Caddy re-provisions handlers on
// config reload against the same default registry.
var (
	meterOnce sync.Once
	meter     *metrics.Metrics
)

// Handler implements the fanout service as a Caddy HTTP handler.
type Handler struct {
	// StreamCoreURL is the base URL of the upstream stream core.
	StreamCoreURL string `json:"stream_core_url,omitempty"`

	// DataDir is the directory for the fanout state database.
	// If empty, a throwaway temp directory is used (for testing).
	DataDir string `json:"data_dir,omitempty"`

	// Queue selects the overflow queue backend: "none", "bolt", or "redis".
	// Defaults to none, which disables queued fanout.
	Queue string `json:"queue,omitempty"`

	// RedisAddr is the Redis address, required when Queue is "redis".
	RedisAddr string `json:"redis_addr,omitempty"`

	// Workers is the queue consumer concurrency.
	Workers int `json:"workers,omitempty"`

	// Tunables below override the environment-derived configuration when
	// non-zero.

	EstuaryTTL      caddy.Duration `json:"estuary_ttl,omitempty"`
	QueueThreshold  int            `json:"queue_threshold,omitempty"`
	QueueBatchSize  int            `json:"queue_batch_size,omitempty"`
	BatchSize       int            `json:"batch_size,omitempty"`
	RPCTimeout      caddy.Duration `json:"rpc_timeout,omitempty"`
	BreakerFailures int            `json:"breaker_failures,omitempty"`
	BreakerRecovery caddy.Duration `json:"breaker_recovery,omitempty"`

	logger    *zap.Logger
	db        *bbolt.DB
	rdb       *redis.Client
	system    *actor.System
	workQueue queue.Queue
	consumer  *queue.Consumer
	lifecycle *lifecycle.Manager
	regStore  *registry.Store
	lcStore   *lifecycle.Store
	service   *Service
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.stream_fanout",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	cfg := core.ConfigFromEnv()
	h.applyOverrides(&cfg)

	if h.Workers == 0 {
		h.Workers = defaultConsumerWorkers
	}

	dataDir := h.DataDir
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "stream-fanout-*")
		if err != nil {
			return fmt.Errorf("failed to create temp data dir: %w", err)
		}
		dataDir = dir
		h.logger.Info("using temp state directory (no data_dir configured)",
			zap.String("dir", dataDir))
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "fanout.db"), 0o600, nil)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	h.db = db

	meterOnce.Do(func() {
		meter = metrics.New(prometheus.DefaultRegisterer)
	})

	h.regStore, err = registry.NewStore(db)
	if err != nil {
		return err
	}
	h.lcStore, err = lifecycle.NewStore(db)
	if err != nil {
		return err
	}

	h.system = actor.NewSystem()
	sc := streamcore.New(h.StreamCoreURL)
	reg := registry.New(h.regStore, h.system, cfg, meter, h.logger)
	dispatcher := dispatch.New(sc, cfg.BatchSize, cfg.RPCTimeout, h.logger)

	switch h.Queue {
	case "", "none":
	case "bolt":
		h.workQueue, err = queue.NewBoltQueue(db)
		if err != nil {
			return fmt.Errorf("failed to open bolt queue: %w", err)
		}
	case "redis":
		h.rdb = redis.NewClient(&redis.Options{Addr: h.RedisAddr})
		h.workQueue, err = queue.NewRedisQueue(ctx, h.rdb, "fanout")
		if err != nil {
			return fmt.Errorf("failed to open redis queue: %w", err)
		}
	default:
		return fmt.Errorf("unknown queue backend: %s", h.Queue)
	}

	h.lifecycle = lifecycle.NewManager(h.lcStore, h.system, reg, sc, h.logger)
	if err := h.lifecycle.Rearm(); err != nil {
		return fmt.Errorf("failed to re-arm expiry alarms: %w", err)
	}

	var enq registry.Enqueuer
	if h.workQueue != nil {
		enq = h.workQueue
	}
	engine := registry.NewEngine(reg, sc, dispatcher, enq, cfg, h.logger)

	if h.workQueue != nil {
		h.consumer = queue.NewConsumer(h.workQueue, dispatcher, reg, h.Workers, meter, h.logger)
		h.consumer.Start(context.Background())
	}

	h.service = NewService(engine, reg, h.lifecycle, sc, cfg, h.logger)

	h.logger.Info("stream fanout provisioned",
		zap.String("stream_core_url", h.StreamCoreURL),
		zap.String("queue", h.Queue),
		zap.String("data_dir", dataDir))
	return nil
}

func (h *Handler) applyOverrides(cfg *core.Config) {
	if h.EstuaryTTL > 0 {
		cfg.EstuaryTTL = time.Duration(h.EstuaryTTL)
	}
	if h.QueueThreshold > 0 {
		cfg.QueueThreshold = h.QueueThreshold
	}
	if h.QueueBatchSize > 0 {
		cfg.QueueBatchSize = h.QueueBatchSize
	}
	if h.BatchSize > 0 {
		cfg.BatchSize = h.BatchSize
	}
	if h.RPCTimeout > 0 {
		cfg.RPCTimeout = time.Duration(h.RPCTimeout)
	}
	if h.BreakerFailures > 0 {
		cfg.BreakerFailureThreshold = h.BreakerFailures
	}
	if h.BreakerRecovery > 0 {
		cfg.BreakerRecovery = time.Duration(h.BreakerRecovery)
	}
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	if h.StreamCoreURL == "" {
		return fmt.Errorf("stream_core_url is required")
	}
	switch h.Queue {
	case "", "none", "bolt":
	case "redis":
		if h.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required when queue is redis")
		}
	default:
		return fmt.Errorf("unknown queue backend: %s", h.Queue)
	}
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.consumer != nil {
		h.consumer.Stop()
	}
	if h.lifecycle != nil {
		h.lifecycle.Shutdown()
	}
	if h.system != nil {
		h.system.Close()
	}
	if h.workQueue != nil {
		h.workQueue.Close()
	}
	if h.regStore != nil {
		h.regStore.Close()
	}
	if h.lcStore != nil {
		h.lcStore.Close()
	}
	if h.rdb != nil {
		h.rdb.Close()
	}
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for stream_fanout
//
//	stream_fanout {
//	    stream_core_url http://localhost:4437
//	    data_dir /var/lib/stream-fanout
//	    queue bolt
//	    workers 4
//	    estuary_ttl 24h
//	    queue_threshold 200
//	    rpc_timeout 10s
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "stream_core_url":
				if !d.Args(&h.StreamCoreURL) {
					return d.ArgErr()
				}
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "queue":
				if !d.Args(&h.Queue) {
					return d.ArgErr()
				}
			case "redis_addr":
				if !d.Args(&h.RedisAddr) {
					return d.ArgErr()
				}
			case "workers":
				var err error
				h.Workers, err = intArg(d)
				if err != nil {
					return d.Errf("invalid workers: %v", err)
				}
			case "queue_threshold":
				var err error
				h.QueueThreshold, err = intArg(d)
				if err != nil {
					return d.Errf("invalid queue_threshold: %v", err)
				}
			case "queue_batch_size":
				var err error
				h.QueueBatchSize, err = intArg(d)
				if err != nil {
					return d.Errf("invalid queue_batch_size: %v", err)
				}
			case "batch_size":
				var err error
				h.BatchSize, err = intArg(d)
				if err != nil {
					return d.Errf("invalid batch_size: %v", err)
				}
			case "breaker_failures":
				var err error
				h.BreakerFailures, err = intArg(d)
				if err != nil {
					return d.Errf("invalid breaker_failures: %v", err)
				}
			case "estuary_ttl":
				dur, err := durationArg(d)
				if err != nil {
					return d.Errf("invalid estuary_ttl: %v", err)
				}
				h.EstuaryTTL = dur
			case "rpc_timeout":
				dur, err := durationArg(d)
				if err != nil {
					return d.Errf("invalid rpc_timeout: %v", err)
				}
				h.RPCTimeout = dur
			case "breaker_recovery":
				dur, err := durationArg(d)
				if err != nil {
					return d.Errf("invalid breaker_recovery: %v", err)
				}
				h.BreakerRecovery = dur
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func intArg(d *caddyfile.Dispenser) (int, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	var n int
	_, err := fmt.Sscanf(val, "%d", &n)
	return n, err
}

func durationArg(d *caddyfile.Dispenser) (caddy.Duration, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	return caddy.Duration(dur), err
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
