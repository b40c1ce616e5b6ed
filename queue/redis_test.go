package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(context.Background(), client, "fanout-test")
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	return q, srv, client
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testMessage("1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testMessage("2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if d1.DecodeErr != nil {
		t.Fatalf("decode: %v", d1.DecodeErr)
	}
	if d1.ID == "" {
		t.Error("delivery id is empty")
	}
	if string(d1.Message.Payload) != `{"n":1}` {
		t.Errorf("first payload = %s", d1.Message.Payload)
	}
	if err := q.Ack(ctx, d1); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	d2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if string(d2.Message.Payload) != `{"n":2}` {
		t.Errorf("second payload = %s", d2.Message.Payload)
	}
	if err := q.Ack(ctx, d2); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(waitCtx); err == nil {
		t.Error("Dequeue on empty queue returned without error")
	}
}

func TestRedisQueueRetryRedelivers(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testMessage("1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Retry(ctx, d); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after retry: %v", err)
	}
	if string(again.Message.Payload) != `{"n":1}` {
		t.Errorf("redelivered payload = %s", again.Message.Payload)
	}
	if err := q.Ack(ctx, again); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Retry after settle is a no-op.
	if err := q.Retry(ctx, again); err != nil {
		t.Fatalf("Retry after Ack: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(waitCtx); err == nil {
		t.Error("settled delivery was redelivered")
	}
}

func TestRedisQueueRecoversPendingOnOpen(t *testing.T) {
	q, srv, client := newTestRedisQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testMessage("1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// In flight but never settled when the process died.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if n, _ := srv.List("fanout-test:pending"); len(n) != 1 {
		t.Fatalf("pending list has %d entries, want 1", len(n))
	}

	// A fresh queue over the same keys drains pending back to ready.
	q2, err := NewRedisQueue(ctx, client, "fanout-test")
	if err != nil {
		t.Fatalf("NewRedisQueue reopen: %v", err)
	}
	d, err := q2.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after reopen: %v", err)
	}
	if string(d.Message.Payload) != `{"n":1}` {
		t.Errorf("recovered payload = %s", d.Message.Payload)
	}
}
