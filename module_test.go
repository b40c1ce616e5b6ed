package fanout

import (
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"

	"github.com/durable-streams/fanout/core"
)

func TestUnmarshalCaddyfile(t *testing.T) {
	d := caddyfile.NewTestDispenser(`stream_fanout {
		stream_core_url http://localhost:4437/v1/stream
		data_dir /var/lib/stream-fanout
		queue redis
		redis_addr localhost:6379
		workers 8
		queue_threshold 100
		queue_batch_size 25
		batch_size 10
		estuary_ttl 24h
		rpc_timeout 5s
		breaker_failures 3
		breaker_recovery 30s
	}`)

	var h Handler
	if err := h.UnmarshalCaddyfile(d); err != nil {
		t.Fatalf("UnmarshalCaddyfile: %v", err)
	}

	if h.StreamCoreURL != "http://localhost:4437/v1/stream" {
		t.Errorf("StreamCoreURL = %q", h.StreamCoreURL)
	}
	if h.DataDir != "/var/lib/stream-fanout" {
		t.Errorf("DataDir = %q", h.DataDir)
	}
	if h.Queue != "redis" || h.RedisAddr != "localhost:6379" {
		t.Errorf("queue = %q addr = %q", h.Queue, h.RedisAddr)
	}
	if h.Workers != 8 {
		t.Errorf("Workers = %d", h.Workers)
	}
	if h.QueueThreshold != 100 || h.QueueBatchSize != 25 || h.BatchSize != 10 {
		t.Errorf("thresholds = %d/%d/%d", h.QueueThreshold, h.QueueBatchSize, h.BatchSize)
	}
	if time.Duration(h.EstuaryTTL) != 24*time.Hour {
		t.Errorf("EstuaryTTL = %v", time.Duration(h.EstuaryTTL))
	}
	if time.Duration(h.RPCTimeout) != 5*time.Second {
		t.Errorf("RPCTimeout = %v", time.Duration(h.RPCTimeout))
	}
	if h.BreakerFailures != 3 {
		t.Errorf("BreakerFailures = %d", h.BreakerFailures)
	}
	if time.Duration(h.BreakerRecovery) != 30*time.Second {
		t.Errorf("BreakerRecovery = %v", time.Duration(h.BreakerRecovery))
	}

	if err := h.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestUnmarshalCaddyfileRejectsUnknown(t *testing.T) {
	d := caddyfile.NewTestDispenser(`stream_fanout {
		no_such_directive x
	}`)
	var h Handler
	if err := h.UnmarshalCaddyfile(d); err == nil {
		t.Error("unknown subdirective accepted")
	}
}

func TestValidate(t *testing.T) {
	if err := (&Handler{}).Validate(); err == nil {
		t.Error("missing stream_core_url accepted")
	}
	if err := (&Handler{StreamCoreURL: "http://x", Queue: "redis"}).Validate(); err == nil {
		t.Error("redis queue without redis_addr accepted")
	}
	if err := (&Handler{StreamCoreURL: "http://x", Queue: "kafka"}).Validate(); err == nil {
		t.Error("unknown queue backend accepted")
	}
	if err := (&Handler{StreamCoreURL: "http://x", Queue: "bolt"}).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := core.DefaultConfig()
	h := &Handler{
		EstuaryTTL:     caddy.Duration(time.Hour),
		QueueThreshold: 9,
	}
	h.applyOverrides(&cfg)
	if cfg.EstuaryTTL != time.Hour {
		t.Errorf("EstuaryTTL = %v, want 1h", cfg.EstuaryTTL)
	}
	if cfg.QueueThreshold != 9 {
		t.Errorf("QueueThreshold = %d, want 9", cfg.QueueThreshold)
	}
	// Untouched fields keep their environment-derived values.
	if cfg.BatchSize != core.DefaultConfig().BatchSize {
		t.Errorf("BatchSize = %d changed unexpectedly", cfg.BatchSize)
	}
}
