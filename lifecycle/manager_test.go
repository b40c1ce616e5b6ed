package lifecycle

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/durable-streams/fanout/actor"
	"github.com/durable-streams/fanout/core"
	"github.com/durable-streams/fanout/streamcore/streamcoretest"
)

const testEstuary = "11111111-1111-4111-8111-111111111111"

type recordingUnsubscriber struct {
	mu      sync.Mutex
	removed map[string][]string
}

func newRecordingUnsubscriber() *recordingUnsubscriber {
	return &recordingUnsubscriber{removed: make(map[string][]string)}
}

func (r *recordingUnsubscriber) Remove(ctx context.Context, key core.StreamKey, estuaryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[key.String()] = append(r.removed[key.String()], estuaryID)
	return nil
}

func (r *recordingUnsubscriber) removedFrom(key core.StreamKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed[key.String()]...)
}

type lifecycleFixture struct {
	manager *Manager
	store   *Store
	reg     *recordingUnsubscriber
	sc      *streamcoretest.Fake
	system  *actor.System
	db      *bbolt.DB

	closeOnce sync.Once
}

func (f *lifecycleFixture) close() {
	f.closeOnce.Do(func() {
		f.manager.Shutdown()
		f.system.Close()
		f.db.Close()
	})
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifecycle.db")
	return openLifecycleFixture(t, path)
}

func openLifecycleFixture(t *testing.T, path string) *lifecycleFixture {
	t.Helper()
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		t.Fatalf("NewStore: %v", err)
	}
	system := actor.NewSystem()

	reg := newRecordingUnsubscriber()
	sc := streamcoretest.NewFake()
	m := NewManager(store, system, reg, sc, zap.NewNop())

	f := &lifecycleFixture{manager: m, store: store, reg: reg, sc: sc, system: system, db: db}
	t.Cleanup(f.close)
	return f
}

func TestSubscriptionBookkeeping(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	if err := f.manager.AddSubscription(ctx, "proj", testEstuary, "orders"); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := f.manager.AddSubscription(ctx, "proj", testEstuary, "invoices"); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	// Duplicate keeps the original timestamp and does not reorder.
	if err := f.manager.AddSubscription(ctx, "proj", testEstuary, "orders"); err != nil {
		t.Fatalf("AddSubscription duplicate: %v", err)
	}

	subs, err := f.manager.Subscriptions(ctx, "proj", testEstuary)
	if err != nil {
		t.Fatalf("Subscriptions: %v", err)
	}
	if !reflect.DeepEqual(subs, []string{"invoices", "orders"}) {
		t.Errorf("Subscriptions = %v, want [invoices orders]", subs)
	}

	if err := f.manager.RemoveSubscription(ctx, "proj", testEstuary, "orders"); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	subs, err = f.manager.Subscriptions(ctx, "proj", testEstuary)
	if err != nil {
		t.Fatalf("Subscriptions: %v", err)
	}
	if !reflect.DeepEqual(subs, []string{"invoices"}) {
		t.Errorf("Subscriptions after remove = %v, want [invoices]", subs)
	}
}

func TestExpiryUnsubscribesAndDeletes(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	estuaryStream := core.StreamKey{Project: "proj", Stream: testEstuary}
	f.sc.CreateStream(estuaryStream, "application/json")

	for _, stream := range []string{"orders", "invoices"} {
		if err := f.manager.AddSubscription(ctx, "proj", testEstuary, stream); err != nil {
			t.Fatalf("AddSubscription: %v", err)
		}
	}
	if _, err := f.manager.SetExpiry(ctx, "proj", testEstuary, 20*time.Millisecond); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}

	waitFor(t, func() bool { return !f.sc.HasStream(estuaryStream) })

	for _, stream := range []string{"orders", "invoices"} {
		key := core.StreamKey{Project: "proj", Stream: stream}
		removed := f.reg.removedFrom(key)
		if len(removed) != 1 || removed[0] != testEstuary {
			t.Errorf("removed from %s = %v, want [%s]", key, removed, testEstuary)
		}
	}

	// State is cleared: the record is gone.
	rec, err := f.store.load(estuaryStream.String())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !rec.empty() {
		t.Errorf("estuary record survived expiry: %+v", rec)
	}
}

func TestTouchReplacesAlarm(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	estuaryStream := core.StreamKey{Project: "proj", Stream: testEstuary}
	f.sc.CreateStream(estuaryStream, "application/json")

	if _, err := f.manager.SetExpiry(ctx, "proj", testEstuary, 30*time.Millisecond); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}
	// Push the alarm out before it fires.
	if _, err := f.manager.SetExpiry(ctx, "proj", testEstuary, time.Hour); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if !f.sc.HasStream(estuaryStream) {
		t.Error("estuary expired despite the refreshed alarm")
	}
}

func TestRearmFiresPersistedExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.db")
	f := openLifecycleFixture(t, path)
	ctx := context.Background()
	estuaryStream := core.StreamKey{Project: "proj", Stream: testEstuary}

	if err := f.manager.AddSubscription(ctx, "proj", testEstuary, "orders"); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if _, err := f.manager.SetExpiry(ctx, "proj", testEstuary, 50*time.Millisecond); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}
	// Shut down before the alarm fires; only the persisted time survives.
	f.close()
	time.Sleep(60 * time.Millisecond)

	// A new manager over the same database re-arms the past-due alarm and it
	// fires immediately.
	f3 := openLifecycleFixture(t, path)
	f3.sc.CreateStream(estuaryStream, "application/json")
	if err := f3.manager.Rearm(); err != nil {
		t.Fatalf("Rearm: %v", err)
	}

	waitFor(t, func() bool { return !f3.sc.HasStream(estuaryStream) })
	key := core.StreamKey{Project: "proj", Stream: "orders"}
	removed := f3.reg.removedFrom(key)
	if len(removed) != 1 || removed[0] != testEstuary {
		t.Errorf("removed from %s = %v, want [%s]", key, removed, testEstuary)
	}
}

func TestExpiryOfClearedEstuaryIsNoOp(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	// An alarm whose record was already cleared must not delete anything.
	if _, err := f.manager.SetExpiry(ctx, "proj", testEstuary, 10*time.Millisecond); err != nil {
		t.Fatalf("SetExpiry: %v", err)
	}
	if err := f.store.delete(core.StreamKey{Project: "proj", Stream: testEstuary}.String()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if len(f.sc.Posts()) != 0 {
		t.Error("no-op expiry touched the stream core")
	}
	if got := f.reg.removedFrom(core.StreamKey{Project: "proj", Stream: "orders"}); len(got) != 0 {
		t.Errorf("no-op expiry unsubscribed %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
