package witness

import (
	"context"
	"sync"
	"testing"
	"time"

	"zw-go/internal/model"
)

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tickClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// schedStore serves just enough of the Store interface for scheduler sweeps:
// group listing and lookup. Passes stay trivial because the groups are
// disabled, so no catalog read ever happens.
type schedStore struct {
	Store
	groups []model.SyncGroup
}

func (s *schedStore) ListEnabledGroups(context.Context) ([]model.SyncGroup, error) {
	return s.groups, nil
}

func (s *schedStore) GetGroup(_ context.Context, id string) (*model.SyncGroup, error) {
	for _, g := range s.groups {
		if g.ID == id {
			g := g
			return &g, nil
		}
	}
	return nil, ErrGroupNotFound
}

func TestSchedulerSweep(t *testing.T) {
	ctx := context.Background()
	clock := &tickClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	store := &schedStore{groups: []model.SyncGroup{
		{ID: "grp-fast", PassInterval: time.Minute},
		{ID: "grp-slow"},
	}}
	engine := NewEngine(store, NewNopLogger(), clock, nil, DefaultParams(), nil)
	sched := NewScheduler(engine, NewNopLogger(), clock, 10*time.Minute)

	hookCalls := 0
	sched.OnPass(func(context.Context) { hookCalls++ })

	sched.sweep(ctx)
	if hookCalls != 2 {
		t.Fatalf("initial sweep ran %d passes, want both groups", hookCalls)
	}

	t.Run("nothing due before the interval elapses", func(t *testing.T) {
		clock.advance(30 * time.Second)
		sched.sweep(ctx)
		if hookCalls != 2 {
			t.Fatalf("hook calls = %d, want no new passes", hookCalls)
		}
	})

	t.Run("per-group interval fires independently", func(t *testing.T) {
		clock.advance(31 * time.Second)
		sched.sweep(ctx)
		if hookCalls != 3 {
			t.Fatalf("hook calls = %d, want only the fast group rerun", hookCalls)
		}
	})

	t.Run("default interval governs groups without their own", func(t *testing.T) {
		clock.advance(10 * time.Minute)
		sched.sweep(ctx)
		if hookCalls != 5 {
			t.Fatalf("hook calls = %d, want both groups rerun", hookCalls)
		}
	})
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	clock := &tickClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(&schedStore{}, NewNopLogger(), clock, nil, DefaultParams(), nil)
	sched := NewScheduler(engine, NewNopLogger(), clock, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
