package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

var sourcesBucket = []byte("sources")

// sourceRecord is the serialized durable state of one source stream.
// The circuit breaker is deliberately absent: it is volatile and rebuilt
// closed on restart.
type sourceRecord struct {
	// Subscribers maps estuaryId to subscribedAt in ms since epoch.
	Subscribers map[string]int64 `json:"subscribers"`

	// NextFanoutSeq is the next sequence to hand out. Persisted before any
	// allocated value escapes, so a sequence is never reused across crash.
	NextFanoutSeq uint64 `json:"next_fanout_seq"`
}

// Store persists SourceState records in bbolt, one record per source key.
type Store struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	closed bool
}

// NewStore prepares the sources bucket on an open bbolt database. The
// database may be shared with other fanout stores; each owns its bucket.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sourcesBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sources bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// load reads the record for key, returning an empty record if absent.
func (s *Store) load(key string) (sourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sourceRecord{}, fmt.Errorf("store is closed")
	}

	rec := sourceRecord{Subscribers: map[string]int64{}}
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sourcesBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)
		return json.Unmarshal(dataCopy, &rec)
	})
	if err != nil {
		return sourceRecord{}, fmt.Errorf("failed to load source %s: %w", key, err)
	}
	if rec.Subscribers == nil {
		rec.Subscribers = map[string]int64{}
	}
	return rec, nil
}

// update applies fn to the record for key inside one write transaction.
// A missing record starts empty; the mutated record is written back before
// update returns, so callers observe durability on return.
func (s *Store) update(key string, fn func(rec *sourceRecord) error) (sourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return sourceRecord{}, fmt.Errorf("store is closed")
	}

	rec := sourceRecord{Subscribers: map[string]int64{}}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sourcesBucket)
		if data := b.Get([]byte(key)); data != nil {
			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)
			if err := json.Unmarshal(dataCopy, &rec); err != nil {
				return err
			}
		}
		if rec.Subscribers == nil {
			rec.Subscribers = map[string]int64{}
		}
		if err := fn(&rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return sourceRecord{}, fmt.Errorf("failed to update source %s: %w", key, err)
	}
	return rec, nil
}

// Close marks the store closed. The shared bbolt database is closed by its
// owner, not here.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
