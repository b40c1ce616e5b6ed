package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDoSerializesPerKey(t *testing.T) {
	s := NewSystem()
	defer s.Close()

	// If two tasks on the same key ever interleave, inFlight exceeds 1.
	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), "k", func() {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				atomic.AddInt32(&inFlight, -1)
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Errorf("peak concurrent tasks on one key = %d, want 1", got)
	}
}

func TestDoBlocksUntilComplete(t *testing.T) {
	s := NewSystem()
	defer s.Close()

	done := false
	if err := s.Do(context.Background(), "k", func() { done = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !done {
		t.Error("Do returned before the task ran")
	}
}

func TestDistinctKeysRunIndependently(t *testing.T) {
	s := NewSystem()
	defer s.Close()

	// A task blocked on one key must not stall another key.
	release := make(chan struct{})
	started := make(chan struct{})
	go s.Do(context.Background(), "slow", func() {
		close(started)
		<-release
	})
	<-started

	if err := s.Do(context.Background(), "fast", func() {}); err != nil {
		t.Fatalf("Do on independent key: %v", err)
	}
	close(release)
}

func TestCloseDrainsQueuedTasks(t *testing.T) {
	s := NewSystem()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do(context.Background(), "k", func() { ran.Add(1) })
		}()
	}
	wg.Wait()
	s.Close()

	if got := ran.Load(); got != 10 {
		t.Errorf("ran %d tasks, want 10", got)
	}
}

func TestDoAfterClose(t *testing.T) {
	s := NewSystem()
	s.Close()
	err := s.Do(context.Background(), "k", func() { t.Error("task ran after close") })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Do after Close = %v, want ErrClosed", err)
	}
}
