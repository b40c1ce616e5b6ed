// Package registry owns the durable subscriber set and fanout sequence of
// every source stream, and runs the publish engine on top of them.
//
// Each source is a single-writer actor keyed by "projectId/streamId":
// concurrent operations on one source serialize, distinct sources run
// independently. The circuit breaker lives beside the durable state but is
// volatile; a restart rebuilds every circuit closed.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/fanout/actor"
	"github.com/durable-streams/fanout/core"
	"github.com/durable-streams/fanout/metrics"
)

// Subscriber is one registry entry.
type Subscriber struct {
	EstuaryID    string
	SubscribedAt time.Time
}

// Registry is the per-source subscriber registry.
type Registry struct {
	store  *Store
	system *actor.System
	cfg    core.Config
	meter  *metrics.Metrics
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// New creates a registry over a store and an actor system. The actor system
// may be shared with other per-key subsystems; registry keys are source
// stream keys.
func New(store *Store, system *actor.System, cfg core.Config, meter *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		store:    store,
		system:   system,
		cfg:      cfg,
		meter:    meter,
		logger:   logger,
		breakers: make(map[string]*breaker),
	}
}

// Add inserts estuaryID into the source's subscriber set. Idempotent: a
// present id keeps its original subscribedAt.
func (r *Registry) Add(ctx context.Context, key core.StreamKey, estuaryID string) error {
	var opErr error
	err := r.system.Do(ctx, key.String(), func() {
		opErr = r.addLocked(key, estuaryID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Remove deletes estuaryID from the source's subscriber set. Idempotent.
func (r *Registry) Remove(ctx context.Context, key core.StreamKey, estuaryID string) error {
	return r.RemoveMany(ctx, key, []string{estuaryID})
}

// RemoveMany deletes a batch of estuary ids atomically. Idempotent.
func (r *Registry) RemoveMany(ctx context.Context, key core.StreamKey, estuaryIDs []string) error {
	if len(estuaryIDs) == 0 {
		return nil
	}
	var opErr error
	err := r.system.Do(ctx, key.String(), func() {
		opErr = r.removeManyLocked(key, estuaryIDs)
	})
	if err != nil {
		return err
	}
	return opErr
}

// List returns the subscribed estuary ids.
func (r *Registry) List(ctx context.Context, key core.StreamKey) ([]string, error) {
	var (
		ids   []string
		opErr error
	)
	err := r.system.Do(ctx, key.String(), func() {
		ids, opErr = r.listLocked(key)
	})
	if err != nil {
		return nil, err
	}
	return ids, opErr
}

// ListWithTimestamps returns the subscribers with their subscription times,
// most recent first.
func (r *Registry) ListWithTimestamps(ctx context.Context, key core.StreamKey) ([]Subscriber, error) {
	var (
		subs  []Subscriber
		opErr error
	)
	err := r.system.Do(ctx, key.String(), func() {
		var rec sourceRecord
		rec, opErr = r.store.load(key.String())
		if opErr != nil {
			return
		}
		subs = make([]Subscriber, 0, len(rec.Subscribers))
		for id, at := range rec.Subscribers {
			subs = append(subs, Subscriber{
				EstuaryID:    id,
				SubscribedAt: time.UnixMilli(at),
			})
		}
		sort.Slice(subs, func(i, j int) bool {
			if !subs[i].SubscribedAt.Equal(subs[j].SubscribedAt) {
				return subs[i].SubscribedAt.After(subs[j].SubscribedAt)
			}
			return subs[i].EstuaryID < subs[j].EstuaryID
		})
	})
	if err != nil {
		return nil, err
	}
	return subs, opErr
}

// AllocateFanoutSeq returns the source's next fanout sequence. The successor
// is persisted before the value is returned, so a sequence is never handed
// out twice, even across crash.
func (r *Registry) AllocateFanoutSeq(ctx context.Context, key core.StreamKey) (uint64, error) {
	var (
		seq   uint64
		opErr error
	)
	err := r.system.Do(ctx, key.String(), func() {
		seq, _, opErr = r.allocateSeqLocked(key)
	})
	if err != nil {
		return 0, err
	}
	return seq, opErr
}

// Locked variants run inside the source's actor; they touch the store
// directly and must never re-enter the actor system under the same key.

func (r *Registry) addLocked(key core.StreamKey, estuaryID string) error {
	_, err := r.store.update(key.String(), func(rec *sourceRecord) error {
		if _, ok := rec.Subscribers[estuaryID]; !ok {
			rec.Subscribers[estuaryID] = time.Now().UnixMilli()
		}
		return nil
	})
	return err
}

func (r *Registry) removeManyLocked(key core.StreamKey, estuaryIDs []string) error {
	_, err := r.store.update(key.String(), func(rec *sourceRecord) error {
		for _, id := range estuaryIDs {
			delete(rec.Subscribers, id)
		}
		return nil
	})
	return err
}

func (r *Registry) listLocked(key core.StreamKey) ([]string, error) {
	rec, err := r.store.load(key.String())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rec.Subscribers))
	for id := range rec.Subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// allocateSeqLocked returns the allocated sequence and a snapshot of the
// subscriber set taken in the same transaction.
func (r *Registry) allocateSeqLocked(key core.StreamKey) (uint64, []string, error) {
	var seq uint64
	rec, err := r.store.update(key.String(), func(rec *sourceRecord) error {
		seq = rec.NextFanoutSeq
		rec.NextFanoutSeq++
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	ids := make([]string, 0, len(rec.Subscribers))
	for id := range rec.Subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return seq, ids, nil
}

// breakerFor returns the source's circuit, creating it closed on first use.
func (r *Registry) breakerFor(key core.StreamKey) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key.String()]
	if !ok {
		b = newBreaker(r.cfg.BreakerFailureThreshold, r.cfg.BreakerRecovery, r.meter.BreakerTransition)
		r.breakers[key.String()] = b
	}
	return b
}
