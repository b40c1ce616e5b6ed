package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisPollInterval = 50 * time.Millisecond

// redisEnvelope wraps a message with a delivery id so in-flight entries can
// be settled by exact value.
type redisEnvelope struct {
	ID      string          `json:"id"`
	Message json.RawMessage `json:"message"`
}

// RedisQueue is a Redis-backed queue built on the reliable-queue pattern:
// enqueue LPUSHes onto a ready list, dequeue RPOPLPUSHes into a pending
// list, and settling LREMs the exact envelope. A single consumer group per
// deployment is assumed; on open, the pending list is drained back to ready
// so deliveries orphaned by a crash are redelivered.
type RedisQueue struct {
	client  redis.UniversalClient
	ready   string
	pending string
}

// NewRedisQueue connects the queue to Redis under the given key prefix
// (for example "fanout"). Recovery of orphaned in-flight entries happens
// here, before any consumer starts.
func NewRedisQueue(ctx context.Context, client redis.UniversalClient, prefix string) (*RedisQueue, error) {
	q := &RedisQueue{
		client:  client,
		ready:   prefix + ":ready",
		pending: prefix + ":pending",
	}
	for {
		err := client.RPopLPush(ctx, q.pending, q.ready).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to recover pending queue entries: %w", err)
		}
	}
	return q, nil
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}
	envelope, err := json.Marshal(redisEnvelope{ID: uuid.NewString(), Message: raw})
	if err != nil {
		return fmt.Errorf("failed to encode queue envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, envelope).Err(); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Dequeue implements Queue. RPOPLPUSH with a short poll keeps the
// implementation portable across Redis deployments and test servers.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.RPopLPush(ctx, q.ready, q.pending).Bytes()
		switch {
		case err == nil:
			return q.decodeDelivery(raw), nil
		case errors.Is(err, redis.Nil):
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(redisPollInterval):
			}
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
	}
}

func (q *RedisQueue) decodeDelivery(raw []byte) *Delivery {
	d := &Delivery{raw: raw}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.DecodeErr = err
		return d
	}
	d.ID = env.ID
	d.Message, d.DecodeErr = decodeMessage(env.Message)
	return d
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.pending, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", d.ID, err)
	}
	return nil
}

// Retry implements Queue.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery) error {
	removed, err := q.client.LRem(ctx, q.pending, 1, d.raw).Result()
	if err != nil {
		return fmt.Errorf("failed to retry delivery %s: %w", d.ID, err)
	}
	if removed == 0 {
		return nil // already settled
	}
	if err := q.client.LPush(ctx, q.ready, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to requeue delivery %s: %w", d.ID, err)
	}
	return nil
}

// Close implements Queue. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)
