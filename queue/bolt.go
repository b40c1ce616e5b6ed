package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	queueReadyBucket   = []byte("queue_ready")
	queuePendingBucket = []byte("queue_pending")
)

const boltPollInterval = 100 * time.Millisecond

// BoltQueue is a bbolt-backed queue. Ready messages live under a
// monotonically increasing sequence key; dequeued messages move to a pending
// bucket until settled. On open, every pending entry is returned to the
// ready bucket: an unsettled delivery from a previous process is redelivered.
type BoltQueue struct {
	db     *bbolt.DB
	mu     sync.Mutex
	closed bool

	// notify wakes blocked Dequeues on enqueue; capacity 1 coalesces.
	notify chan struct{}
}

// NewBoltQueue prepares the queue buckets on an open bbolt database and
// recovers in-flight deliveries from a previous run.
func NewBoltQueue(db *bbolt.DB) (*BoltQueue, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		ready, err := tx.CreateBucketIfNotExists(queueReadyBucket)
		if err != nil {
			return err
		}
		pending, err := tx.CreateBucketIfNotExists(queuePendingBucket)
		if err != nil {
			return err
		}

		// Crash recovery: whatever was in flight goes back to the tail.
		cursor := pending.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			seq, err := ready.NextSequence()
			if err != nil {
				return err
			}
			if err := ready.Put(seqKey(seq), v); err != nil {
				return err
			}
		}
		if err := tx.DeleteBucket(queuePendingBucket); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(queuePendingBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare queue buckets: %w", err)
	}
	return &BoltQueue{db: db, notify: make(chan struct{}, 1)}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Enqueue implements Queue.
func (q *BoltQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := q.guard(); err != nil {
		return err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		ready := tx.Bucket(queueReadyBucket)
		seq, err := ready.NextSequence()
		if err != nil {
			return err
		}
		return ready.Put(seqKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue implements Queue. It polls the ready bucket, sleeping between
// polls, and wakes early on enqueue.
func (q *BoltQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := q.guard(); err != nil {
			return nil, err
		}
		d, err := q.tryDequeue()
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-time.After(boltPollInterval):
		}
	}
}

func (q *BoltQueue) tryDequeue() (*Delivery, error) {
	var d *Delivery
	err := q.db.Update(func(tx *bbolt.Tx) error {
		ready := tx.Bucket(queueReadyBucket)
		cursor := ready.Cursor()
		k, v := cursor.First()
		if k == nil {
			return nil
		}

		raw := make([]byte, len(v))
		copy(raw, v)
		id := uuid.NewString()

		if err := tx.Bucket(queuePendingBucket).Put([]byte(id), raw); err != nil {
			return err
		}
		if err := ready.Delete(k); err != nil {
			return err
		}

		d = &Delivery{ID: id, raw: raw}
		d.Message, d.DecodeErr = decodeMessage(raw)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	return d, nil
}

// Ack implements Queue.
func (q *BoltQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.guard(); err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(queuePendingBucket).Delete([]byte(d.ID))
	})
}

// Retry implements Queue.
func (q *BoltQueue) Retry(ctx context.Context, d *Delivery) error {
	if err := q.guard(); err != nil {
		return err
	}
	err := q.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(queuePendingBucket)
		if pending.Get([]byte(d.ID)) == nil {
			return nil // already settled
		}
		if err := pending.Delete([]byte(d.ID)); err != nil {
			return err
		}
		ready := tx.Bucket(queueReadyBucket)
		seq, err := ready.NextSequence()
		if err != nil {
			return err
		}
		return ready.Put(seqKey(seq), d.raw)
	})
	if err != nil {
		return fmt.Errorf("failed to retry delivery %s: %w", d.ID, err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close implements Queue. The shared bbolt database is closed by its owner.
func (q *BoltQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *BoltQueue) guard() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	return nil
}

var _ Queue = (*BoltQueue)(nil)
