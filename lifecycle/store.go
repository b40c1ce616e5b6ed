package lifecycle

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

var estuariesBucket = []byte("estuaries")

// estuaryRecord is the serialized durable state of one estuary. Identity is
// stored alongside the sources so the alarm handler can reconstruct both
// halves of the key after a restart.
type estuaryRecord struct {
	Project   string `json:"project"`
	EstuaryID string `json:"estuary_id"`

	// Sources maps streamId to subscribedAt in ms since epoch.
	Sources map[string]int64 `json:"sources"`

	// ExpiresAt is the armed alarm in ms since epoch; zero means none.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

func (r estuaryRecord) empty() bool {
	return r.Project == "" && r.EstuaryID == ""
}

// Store persists EstuaryState records in bbolt, one per estuary key.
type Store struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	closed bool
}

// NewStore prepares the estuaries bucket on an open bbolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(estuariesBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create estuaries bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) load(key string) (estuaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return estuaryRecord{}, fmt.Errorf("store is closed")
	}

	rec := estuaryRecord{Sources: map[string]int64{}}
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(estuariesBucket).Get([]byte(key))
		if data == nil {
			rec = estuaryRecord{}
			return nil
		}
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)
		return json.Unmarshal(dataCopy, &rec)
	})
	if err != nil {
		return estuaryRecord{}, fmt.Errorf("failed to load estuary %s: %w", key, err)
	}
	if rec.Sources == nil {
		rec.Sources = map[string]int64{}
	}
	return rec, nil
}

func (s *Store) update(key string, fn func(rec *estuaryRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(estuariesBucket)
		rec := estuaryRecord{Sources: map[string]int64{}}
		if data := b.Get([]byte(key)); data != nil {
			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)
			if err := json.Unmarshal(dataCopy, &rec); err != nil {
				return err
			}
		}
		if rec.Sources == nil {
			rec.Sources = map[string]int64{}
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
		return fmt.Errorf("failed to update estuary %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(estuariesBucket).Delete([]byte(key))
	})
}

// forEach iterates all estuary records.
func (s *Store) forEach(fn func(key string, rec estuaryRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(estuariesBucket).ForEach(func(k, v []byte) error {
			dataCopy := make([]byte, len(v))
			copy(dataCopy, v)
			var rec estuaryRecord
			if err := json.Unmarshal(dataCopy, &rec); err != nil {
				return err
			}
			if rec.Sources == nil {
				rec.Sources = map[string]int64{}
			}
			return fn(string(k), rec)
		})
	})
}

// Close marks the store closed. The shared bbolt database is closed by its
// owner.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
