// Package lifecycle tracks which sources each estuary is subscribed to and
// expires idle estuaries.
//
// Each estuary is an actor keyed by "projectId/estuaryId". At most one expiry
// alarm is armed per estuary; when it fires, the estuary is unsubscribed from
// every source, its stream is deleted, and its state cleared. The registry
// and lifecycle views of a subscription are eventually consistent: alarm
// failures are logged and swallowed because a source converges on its own
// through stale-404 pruning at fanout time.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/fanout/actor"
	"github.com/durable-streams/fanout/core"
)

// expiryChunkSize bounds how many source registries one alarm run addresses
// back-to-back before the next batch.
const expiryChunkSize = 20

// Unsubscriber removes one estuary from a source registry.
type Unsubscriber interface {
	Remove(ctx context.Context, key core.StreamKey, estuaryID string) error
}

// Manager is the per-estuary lifecycle actor.
type Manager struct {
	store    *Store
	system   *actor.System
	registry Unsubscriber
	core     core.StreamCore
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewManager creates a lifecycle manager. The actor system may be shared;
// lifecycle keys are estuary stream keys, which never collide with source
// keys in practice and serialize independently regardless.
func NewManager(store *Store, system *actor.System, registry Unsubscriber, sc core.StreamCore, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		system:   system,
		registry: registry,
		core:     sc,
		logger:   logger,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

func estuaryKey(project, estuaryID string) core.StreamKey {
	return core.StreamKey{Project: project, Stream: estuaryID}
}

// AddSubscription records that the estuary is subscribed to streamID.
// Idempotent: an existing subscription keeps its original timestamp.
func (m *Manager) AddSubscription(ctx context.Context, project, estuaryID, streamID string) error {
	key := estuaryKey(project, estuaryID)
	var opErr error
	err := m.system.Do(ctx, key.String(), func() {
		opErr = m.store.update(key.String(), func(rec *estuaryRecord) error {
			rec.Project = project
			rec.EstuaryID = estuaryID
			if _, ok := rec.Sources[streamID]; !ok {
				rec.Sources[streamID] = m.now().UnixMilli()
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// RemoveSubscription drops streamID from the estuary's source set.
// Idempotent.
func (m *Manager) RemoveSubscription(ctx context.Context, project, estuaryID, streamID string) error {
	key := estuaryKey(project, estuaryID)
	var opErr error
	err := m.system.Do(ctx, key.String(), func() {
		opErr = m.store.update(key.String(), func(rec *estuaryRecord) error {
			delete(rec.Sources, streamID)
			return nil
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Subscriptions returns the estuary's source stream ids, most recently
// subscribed first.
func (m *Manager) Subscriptions(ctx context.Context, project, estuaryID string) ([]string, error) {
	key := estuaryKey(project, estuaryID)
	var (
		ids   []string
		opErr error
	)
	err := m.system.Do(ctx, key.String(), func() {
		var rec estuaryRecord
		rec, opErr = m.store.load(key.String())
		if opErr != nil {
			return
		}
		type entry struct {
			id string
			at int64
		}
		entries := make([]entry, 0, len(rec.Sources))
		for id, at := range rec.Sources {
			entries = append(entries, entry{id: id, at: at})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].at != entries[j].at {
				return entries[i].at > entries[j].at
			}
			return entries[i].id < entries[j].id
		})
		ids = make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.id
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, opErr
}

// SetExpiry stores the estuary's identity and arms its expiry alarm at
// now + ttl, replacing any previously armed alarm. Returns the expiry time.
func (m *Manager) SetExpiry(ctx context.Context, project, estuaryID string, ttl time.Duration) (time.Time, error) {
	key := estuaryKey(project, estuaryID)
	expiresAt := m.now().Add(ttl)
	var opErr error
	err := m.system.Do(ctx, key.String(), func() {
		opErr = m.store.update(key.String(), func(rec *estuaryRecord) error {
			rec.Project = project
			rec.EstuaryID = estuaryID
			rec.ExpiresAt = expiresAt.UnixMilli()
			return nil
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	if opErr != nil {
		return time.Time{}, opErr
	}
	m.arm(key.String(), expiresAt)
	return expiresAt, nil
}

// Rearm scans persisted estuary state and re-arms every alarm. Called once
// on startup so expiries survive restarts; records already past due fire
// immediately.
func (m *Manager) Rearm() error {
	type armed struct {
		key string
		at  time.Time
	}
	var pending []armed
	err := m.store.forEach(func(key string, rec estuaryRecord) error {
		if rec.ExpiresAt > 0 {
			pending = append(pending, armed{key: key, at: time.UnixMilli(rec.ExpiresAt)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range pending {
		m.arm(p.key, p.at)
	}
	if len(pending) > 0 {
		m.logger.Info("re-armed estuary expiry alarms", zap.Int("count", len(pending)))
	}
	return nil
}

func (m *Manager) arm(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	m.timers[key] = time.AfterFunc(delay, func() { m.fire(key) })
}

func (m *Manager) fire(key string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.system.Do(ctx, key, func() { m.expireLocked(ctx, key) }); err != nil {
		m.logger.Error("expiry alarm dropped", zap.String("estuary", key), zap.Error(err))
	}
}

// expireLocked runs inside the estuary's actor. Failures are logged
// per-entry and never retried here: the owning sources converge through
// stale pruning on their next publish.
func (m *Manager) expireLocked(ctx context.Context, key string) {
	rec, err := m.store.load(key)
	if err != nil {
		m.logger.Error("expiry read failed", zap.String("estuary", key), zap.Error(err))
		return
	}
	if rec.empty() {
		// Identity already cleared: a re-fired alarm is a no-op.
		return
	}

	sources := make([]string, 0, len(rec.Sources))
	for id := range rec.Sources {
		sources = append(sources, id)
	}
	sort.Strings(sources)

	m.logger.Info("estuary expired",
		zap.String("estuary", key),
		zap.Int("sources", len(sources)))

	for _, chunk := range core.Chunk(sources, expiryChunkSize) {
		for _, streamID := range chunk {
			sourceKey := core.StreamKey{Project: rec.Project, Stream: streamID}
			if err := m.registry.Remove(ctx, sourceKey, rec.EstuaryID); err != nil {
				m.logger.Warn("expiry unsubscribe failed",
					zap.String("source", sourceKey.String()),
					zap.String("estuary", rec.EstuaryID),
					zap.Error(err))
			}
		}
	}

	if result, err := m.core.Delete(ctx, estuaryKey(rec.Project, rec.EstuaryID)); err != nil {
		m.logger.Warn("estuary stream delete failed", zap.String("estuary", key), zap.Error(err))
	} else if !result.OK {
		m.logger.Warn("estuary stream delete refused",
			zap.String("estuary", key), zap.Int("status", result.Status))
	}

	// State is cleared unconditionally; the next subscribe re-initializes
	// the actor from scratch.
	if err := m.store.delete(key); err != nil {
		m.logger.Error("expiry state clear failed", zap.String("estuary", key), zap.Error(err))
	}
}

// Shutdown stops every armed alarm. Persisted expiry times survive and are
// re-armed on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}
