package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/fanout/core"
	"github.com/durable-streams/fanout/dispatch"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	results []dispatch.Result
	calls   []core.FanoutPayload
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, p core.FanoutPayload) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if len(f.results) == 0 {
		return dispatch.Result{Successes: len(p.EstuaryIDs)}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePruner struct {
	mu      sync.Mutex
	pruned  map[string][]string
	fail    bool
	callers int
}

func newFakePruner() *fakePruner {
	return &fakePruner{pruned: make(map[string][]string)}
}

func (f *fakePruner) RemoveMany(ctx context.Context, key core.StreamKey, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers++
	if f.fail {
		return fmt.Errorf("registry unavailable")
	}
	f.pruned[key.String()] = append(f.pruned[key.String()], ids...)
	return nil
}

func newHandleConsumer(d Dispatcher, p Pruner) *Consumer {
	return NewConsumer(nil, d, p, 1, nil, zap.NewNop())
}

func deliveryOf(t *testing.T, msg Message) *Delivery {
	t.Helper()
	raw, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := &Delivery{ID: "d1", raw: raw}
	d.Message, d.DecodeErr = decodeMessage(raw)
	return d
}

func TestHandleAcksOnFullSuccess(t *testing.T) {
	disp := &fakeDispatcher{}
	c := newHandleConsumer(disp, newFakePruner())

	if !c.handle(context.Background(), deliveryOf(t, testMessage("1"))) {
		t.Error("fully successful delivery was not acked")
	}
	if disp.callCount() != 1 {
		t.Errorf("dispatch calls = %d, want 1", disp.callCount())
	}
}

func TestHandleRetriesOnFailure(t *testing.T) {
	disp := &fakeDispatcher{results: []dispatch.Result{{Successes: 0, Failures: 1}}}
	c := newHandleConsumer(disp, newFakePruner())

	if c.handle(context.Background(), deliveryOf(t, testMessage("1"))) {
		t.Error("failed delivery was acked")
	}
}

func TestHandleAcksWhenAllFailuresAreStale(t *testing.T) {
	gone := "00000000-0000-4000-8000-000000000001"
	disp := &fakeDispatcher{results: []dispatch.Result{{
		Successes:       1,
		Failures:        1,
		StaleEstuaryIDs: []string{gone},
	}}}
	pruner := newFakePruner()
	c := newHandleConsumer(disp, pruner)

	msg := testMessage("1")
	if !c.handle(context.Background(), deliveryOf(t, msg)) {
		t.Error("delivery with only stale failures was not acked")
	}

	pruned := pruner.pruned[msg.SourceKey().String()]
	if len(pruned) != 1 || pruned[0] != gone {
		t.Errorf("pruned = %v, want [%s]", pruned, gone)
	}
}

func TestHandleMixedStaleAndRealFailuresRetries(t *testing.T) {
	disp := &fakeDispatcher{results: []dispatch.Result{{
		Successes:       0,
		Failures:        2,
		StaleEstuaryIDs: []string{"00000000-0000-4000-8000-000000000001"},
	}}}
	c := newHandleConsumer(disp, newFakePruner())

	if c.handle(context.Background(), deliveryOf(t, testMessage("1"))) {
		t.Error("delivery with a non-stale failure was acked")
	}
}

func TestHandleRetriesOnDecodeError(t *testing.T) {
	c := newHandleConsumer(&fakeDispatcher{}, newFakePruner())
	d := &Delivery{ID: "d1", DecodeErr: fmt.Errorf("bad json"), raw: []byte("{")}
	if c.handle(context.Background(), d) {
		t.Error("undecodable delivery was acked")
	}
}

func TestHandlePruneFailureStillAcks(t *testing.T) {
	// The prune is best-effort: the registry converges on a later publish.
	disp := &fakeDispatcher{results: []dispatch.Result{{
		Failures:        1,
		StaleEstuaryIDs: []string{"00000000-0000-4000-8000-000000000001"},
	}}}
	pruner := newFakePruner()
	pruner.fail = true
	c := newHandleConsumer(disp, pruner)

	if !c.handle(context.Background(), deliveryOf(t, testMessage("1"))) {
		t.Error("delivery was not acked after prune failure")
	}
}

func TestConsumerDrainsQueue(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "queue.db"))
	defer db.Close()
	q, err := NewBoltQueue(db)
	if err != nil {
		t.Fatalf("NewBoltQueue: %v", err)
	}
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := q.Enqueue(ctx, testMessage(fmt.Sprint(i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	disp := &fakeDispatcher{}
	c := NewConsumer(q, disp, newFakePruner(), 2, nil, zap.NewNop())
	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for disp.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("consumer handled %d messages, want 3", disp.callCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
