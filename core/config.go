package core

import (
	"os"
	"strconv"
	"time"
)

// Compiled-in defaults. Environment values that are absent, non-numeric, or
// not positive fall back to these.
const (
	DefaultEstuaryTTL              = 86_400 * time.Second
	DefaultQueueThreshold          = 200
	DefaultQueueBatchSize          = 50
	DefaultBatchSize               = 50
	DefaultRPCTimeout              = 10_000 * time.Millisecond
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerRecovery         = 60_000 * time.Millisecond
)

// Environment variable names.
const (
	EnvEstuaryTTLSeconds       = "ESTUARY_TTL_SECONDS"
	EnvQueueThreshold          = "FANOUT_QUEUE_THRESHOLD"
	EnvQueueBatchSize          = "FANOUT_QUEUE_BATCH_SIZE"
	EnvBatchSize               = "FANOUT_BATCH_SIZE"
	EnvRPCTimeoutMS            = "FANOUT_RPC_TIMEOUT_MS"
	EnvBreakerFailureThreshold = "CIRCUIT_BREAKER_FAILURE_THRESHOLD"
	EnvBreakerRecoveryMS       = "CIRCUIT_BREAKER_RECOVERY_MS"
)

// Config carries the tunables of the fanout core.
type Config struct {
	// EstuaryTTL is applied to estuary streams on subscribe and touch.
	EstuaryTTL time.Duration

	// QueueThreshold is the subscriber count above which fanout is queued
	// instead of dispatched inline (strict greater-than).
	QueueThreshold int

	// QueueBatchSize caps the estuary ids carried by one queue message.
	QueueBatchSize int

	// BatchSize is the inline dispatch parallelism chunk.
	BatchSize int

	// RPCTimeout is the per-call deadline on fanout writes.
	RPCTimeout time.Duration

	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the per-source circuit.
	BreakerFailureThreshold int

	// BreakerRecovery is the open-to-half-open delay.
	BreakerRecovery time.Duration
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		EstuaryTTL:              DefaultEstuaryTTL,
		QueueThreshold:          DefaultQueueThreshold,
		QueueBatchSize:          DefaultQueueBatchSize,
		BatchSize:               DefaultBatchSize,
		RPCTimeout:              DefaultRPCTimeout,
		BreakerFailureThreshold: DefaultBreakerFailureThreshold,
		BreakerRecovery:         DefaultBreakerRecovery,
	}
}

// ConfigFromEnv reads the configuration from the environment, clamping every
// value: unset, non-numeric, or non-positive values use the default.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.EstuaryTTL = envSeconds(EnvEstuaryTTLSeconds, cfg.EstuaryTTL)
	cfg.QueueThreshold = envInt(EnvQueueThreshold, cfg.QueueThreshold)
	cfg.QueueBatchSize = envInt(EnvQueueBatchSize, cfg.QueueBatchSize)
	cfg.BatchSize = envInt(EnvBatchSize, cfg.BatchSize)
	cfg.RPCTimeout = envMillis(EnvRPCTimeoutMS, cfg.RPCTimeout)
	cfg.BreakerFailureThreshold = envInt(EnvBreakerFailureThreshold, cfg.BreakerFailureThreshold)
	cfg.BreakerRecovery = envMillis(EnvBreakerRecoveryMS, cfg.BreakerRecovery)
	return cfg
}

func envInt(name string, def int) int {
	v, ok := parsePositive(os.Getenv(name))
	if !ok {
		return def
	}
	return int(v)
}

func envSeconds(name string, def time.Duration) time.Duration {
	v, ok := parsePositive(os.Getenv(name))
	if !ok {
		return def
	}
	return time.Duration(v) * time.Second
}

func envMillis(name string, def time.Duration) time.Duration {
	v, ok := parsePositive(os.Getenv(name))
	if !ok {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func parsePositive(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
