package childpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcp-router/router/internal/childproc"
)

// countingSpawner records how many times it was invoked per identity, and
// lets tests simulate slow spawns (to exercise the single-flight race) or
// forced failures.
type countingSpawner struct {
	mu     sync.Mutex
	counts map[childproc.Identity]int
	delay  time.Duration
	fail   bool
}

func newCountingSpawner() *countingSpawner {
	return &countingSpawner{counts: make(map[childproc.Identity]int)}
}

func (s *countingSpawner) spawn(ctx context.Context, identity childproc.Identity, argv []string, env []string) (*childproc.Child, error) {
	s.mu.Lock()
	s.counts[identity]++
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail {
		return nil, fmt.Errorf("forced spawn failure")
	}
	return childproc.NewStub(identity), nil
}

func (s *countingSpawner) countFor(identity childproc.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[identity]
}

func TestAcquire_SpawnsOnceAndReuses(t *testing.T) {
	spawner := newCountingSpawner()
	p := New(spawner.spawn)

	id := childproc.Identity("abc123")
	c1, err := p.Acquire(context.Background(), id, []string{"echo"}, nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	c2, err := p.Acquire(context.Background(), id, []string{"echo"}, nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if c1 != c2 {
		t.Error("expected same child instance to be reused")
	}
	if got := spawner.countFor(id); got != 1 {
		t.Errorf("expected 1 spawn, got %d", got)
	}
}

func TestAcquire_SingleFlightUnderConcurrency(t *testing.T) {
	spawner := newCountingSpawner()
	spawner.delay = 20 * time.Millisecond
	p := New(spawner.spawn)

	id := childproc.Identity("concurrent-id")
	const n = 20
	var wg sync.WaitGroup
	var failures atomic.Int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := p.Acquire(context.Background(), id, []string{"echo"}, nil); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("unexpected acquire failures: %d", failures.Load())
	}
	if got := spawner.countFor(id); got != 1 {
		t.Errorf("expected exactly 1 spawn under concurrency, got %d", got)
	}
}

func TestAcquire_FailureDoesNotInsert(t *testing.T) {
	spawner := newCountingSpawner()
	spawner.fail = true
	p := New(spawner.spawn)

	id := childproc.Identity("will-fail")
	if _, err := p.Acquire(context.Background(), id, []string{"echo"}, nil); err == nil {
		t.Fatal("expected error from failing spawner")
	}
	if p.Len() != 0 {
		t.Errorf("expected pool to remain empty after failed spawn, got %d", p.Len())
	}

	// Retry succeeds once the spawner stops failing.
	spawner.fail = false
	if _, err := p.Acquire(context.Background(), id, []string{"echo"}, nil); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("expected 1 session after successful retry, got %d", p.Len())
	}
}

func TestShutdownAll_ClearsPool(t *testing.T) {
	spawner := newCountingSpawner()
	p := New(spawner.spawn)

	for _, id := range []childproc.Identity{"a", "b", "c"} {
		if _, err := p.Acquire(context.Background(), id, []string{"echo"}, nil); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if p.Len() != 3 {
		t.Fatalf("expected 3 sessions, got %d", p.Len())
	}

	errs := p.ShutdownAll()
	if len(errs) != 0 {
		t.Errorf("unexpected shutdown errors: %v", errs)
	}
	if p.Len() != 0 {
		t.Errorf("expected pool empty after ShutdownAll, got %d", p.Len())
	}
}

func TestEvict_AllowsRespawn(t *testing.T) {
	spawner := newCountingSpawner()
	p := New(spawner.spawn)

	id := childproc.Identity("evict-me")
	if _, err := p.Acquire(context.Background(), id, []string{"echo"}, nil); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Evict(id)
	if p.Len() != 0 {
		t.Errorf("expected pool empty after Evict, got %d", p.Len())
	}
	if _, err := p.Acquire(context.Background(), id, []string{"echo"}, nil); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := spawner.countFor(id); got != 2 {
		t.Errorf("expected 2 spawns (respawn after evict), got %d", got)
	}
}
