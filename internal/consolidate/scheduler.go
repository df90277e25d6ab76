package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/observe"
)

// Scheduler is anything that can trigger a named job. The engine never
// decides for itself when a run is due.
type Scheduler interface {
	Schedule(name string, run func(context.Context) error) error
}

// Register hands both procedures to s.
func (e *Engine) Register(s Scheduler) error {
	if err := s.Schedule(NightlyLock, func(ctx context.Context) error {
		_, err := e.RunNightly(ctx)
		return err
	}); err != nil {
		return err
	}
	return s.Schedule(WeeklyLock, func(ctx context.Context) error {
		_, err := e.RunWeekly(ctx)
		return err
	})
}

// TickerScheduler runs each job on a fixed interval. It backs the serve
// command when no external scheduler drives consolidation.
type TickerScheduler struct {
	intervals map[string]time.Duration
	obs       *observe.Observer

	mu   sync.Mutex
	jobs map[string]func(context.Context) error
}

// NewTickerScheduler creates a scheduler. Jobs without an interval are
// rejected by Schedule.
func NewTickerScheduler(intervals map[string]time.Duration, obs *observe.Observer) *TickerScheduler {
	if obs == nil {
		obs = observe.Discard()
	}
	return &TickerScheduler{
		intervals: intervals,
		obs:       obs,
		jobs:      make(map[string]func(context.Context) error),
	}
}

// Schedule registers run under name.
func (t *TickerScheduler) Schedule(name string, run func(context.Context) error) error {
	d, ok := t.intervals[name]
	if !ok || d <= 0 {
		return fmt.Errorf("schedule %s: no interval configured", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[name] = run
	return nil
}

// Run blocks until ctx is done, firing each job on its interval.
func (t *TickerScheduler) Run(ctx context.Context) {
	t.mu.Lock()
	jobs := make(map[string]func(context.Context) error, len(t.jobs))
	for k, v := range t.jobs {
		jobs[k] = v
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for name, run := range jobs {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			ticker := time.NewTicker(t.intervals[name])
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					err := run(ctx)
					switch {
					case errors.Is(err, model.ErrAlreadyRunning):
						t.obs.Log().Info().Str("job", name).Msg("skipped, previous run still active")
					case err != nil:
						t.obs.Log().Error().Err(err).Str("job", name).Msg("scheduled run failed")
					}
				}
			}
		}(name, run)
	}
	wg.Wait()
}
