package witness

import (
	"context"
	"errors"
	"time"
)

// Scheduler drives periodic reconciliation passes. Each enabled group runs on
// its own PassInterval, falling back to the default when unset. Triggers that
// land while a group's pass is still running coalesce inside the engine.
type Scheduler struct {
	engine          *Engine
	logger          Logger
	clock           Clock
	defaultInterval time.Duration
	tick            time.Duration

	lastRun   map[string]time.Time
	afterPass func(context.Context)
}

// OnPass registers a hook invoked after every successful scheduled pass.
func (s *Scheduler) OnPass(fn func(context.Context)) { s.afterPass = fn }

// NewScheduler creates a scheduler. defaultInterval applies to groups without
// their own PassInterval.
func NewScheduler(engine *Engine, logger Logger, clock Clock, defaultInterval time.Duration) *Scheduler {
	tick := defaultInterval / 10
	if tick < time.Second {
		tick = time.Second
	}
	return &Scheduler{
		engine:          engine,
		logger:          logger,
		clock:           clock,
		defaultInterval: defaultInterval,
		tick:            tick,
		lastRun:         make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, firing due passes on every tick. An
// initial sweep runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.sweep(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs a pass for every enabled group whose interval has elapsed.
func (s *Scheduler) sweep(ctx context.Context) {
	groups, err := s.engine.store.ListEnabledGroups(ctx)
	if err != nil {
		s.logger.Error("scheduler could not list groups", "error", err)
		return
	}
	now := s.clock.Now()
	for _, g := range groups {
		interval := g.PassInterval
		if interval <= 0 {
			interval = s.defaultInterval
		}
		if last, ok := s.lastRun[g.ID]; ok && now.Sub(last) < interval {
			continue
		}
		s.lastRun[g.ID] = now
		if _, err := s.engine.RunPass(ctx, g.ID); err != nil {
			if !errors.Is(err, ErrPassInFlight) {
				s.logger.Warn("scheduled pass failed", "group", g.ID, "error", err)
			}
			continue
		}
		if s.afterPass != nil {
			s.afterPass(ctx)
		}
	}
}
