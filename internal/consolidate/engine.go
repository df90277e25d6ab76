// Package consolidate moves memories between tiers: nightly promotion of
// important working records into episodes, and weekly pattern extraction
// and archival over episodes.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/observe"
	"github.com/rcliao/tiered-memory/internal/store"
)

// Lock names. The two procedures never block each other.
const (
	NightlyLock = "nightly"
	WeeklyLock  = "weekly"
)

// Store is the subset of store.Store the engine uses.
type Store interface {
	PromotionGroups(ctx context.Context, p store.PromotionParams) ([]store.GroupKey, error)
	WorkingInGroup(ctx context.Context, key store.GroupKey, p store.PromotionParams, page store.PageParams) ([]model.WorkingRecord, error)
	DeleteWorking(ctx context.Context, ids []string) (int, error)
	DeleteExpiredWorking(ctx context.Context, now time.Time) (int, error)
	InsertEpisode(ctx context.Context, ep model.EpisodicRecord) (string, bool, error)
	GroupEpisode(ctx context.Context, key store.GroupKey) (*model.EpisodicRecord, bool, error)
	ExtendEpisode(ctx context.Context, ep model.EpisodicRecord, newSources []string) (bool, error)
	EpisodesForWorking(ctx context.Context, workingIDs []string) (map[string]string, error)
	EpisodesCreatedSince(ctx context.Context, since time.Time, page store.PageParams) ([]model.EpisodicRecord, error)
	ArchiveEpisodes(ctx context.Context, happenedBefore time.Time, importanceAtMost, limit int) (int, error)
	UpsertSemantic(ctx context.Context, p store.UpsertParams) (*model.SemanticRecord, store.UpsertOutcome, error)
	TryLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name, holder string) error
}

// Engine runs the consolidation procedures.
type Engine struct {
	store   Store
	cfg     config.ConsolidationConfig
	now     func() time.Time
	obs     *observe.Observer
	metrics *metrics.Manager
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's notion of now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithObserver sets the logger and tracer.
func WithObserver(o *observe.Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(s Store, cfg config.ConsolidationConfig, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		cfg:     cfg,
		now:     time.Now,
		obs:     observe.Discard(),
		metrics: metrics.NoOpManager(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lease is a held procedure lock. The run calls renew between units of work
// so a run longer than LockTTL keeps the lock.
type lease struct {
	store  Store
	name   string
	holder string
	ttl    time.Duration
}

// renew extends the lease, or fails with model.ErrLockLost when another
// holder took the lock over after it went stale.
func (l *lease) renew(ctx context.Context) error {
	ok, err := l.store.RenewLock(ctx, l.name, l.holder, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.name, model.ErrLockLost)
	}
	return nil
}

// withLock runs fn while holding the named lock. A held lock rejects the run
// with model.ErrAlreadyRunning; runs are never queued.
func (e *Engine) withLock(ctx context.Context, name string, fn func(context.Context, *lease) error) error {
	l := &lease{store: e.store, name: name, holder: ulid.Make().String(), ttl: e.cfg.LockTTL}
	ok, err := e.store.TryLock(ctx, name, l.holder, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrAlreadyRunning
	}
	defer func() {
		if err := e.store.Unlock(context.WithoutCancel(ctx), name, l.holder); err != nil {
			e.obs.Log().Warn().Err(err).Str("lock", name).Msg("failed to release lock")
		}
	}()
	return fn(ctx, l)
}

// skippable reports whether a per-group failure may be recorded and skipped.
// Losing the store or the lock aborts the run instead.
func skippable(err error) bool {
	return !model.IsUnavailable(err) && !errors.Is(err, model.ErrLockLost) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) finish(procedure string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, model.ErrAlreadyRunning):
		status = "rejected"
	case errors.Is(err, model.ErrLockLost):
		status = "lock_lost"
	case err != nil:
		status = "error"
	}
	e.metrics.RecordConsolidation(procedure, status, e.now().Sub(start))
}
