// Package ratelimit enforces the per-(user, venue) sync cooldown on top
// of the repository's rate-limit log.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/telemetry"
)

const (
	// Cooldown is the minimum spacing between admitted syncs for one
	// (user, venue) pair. 23 hours rather than 24 so the daily scheduler
	// tick is never refused by clock drift from yesterday's pass.
	Cooldown = 23 * time.Hour

	// Retention bounds how long admitted-sync rows are kept.
	Retention = 7 * 24 * time.Hour
)

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed  bool
	Reason   string
	NextTime time.Time
}

// Limiter reads and writes the cooldown log. The read-then-write pair is
// not atomic; the narrow race admits at most one extra sync per window,
// tolerated because the snapshot upsert is idempotent.
type Limiter struct {
	store  repository.Store
	logger *telemetry.Logger
	now    func() time.Time
}

// New creates a limiter over the given store.
func New(store repository.Store) *Limiter {
	return &Limiter{
		store:  store,
		logger: telemetry.NewLogger("RATELIMIT"),
		now:    time.Now,
	}
}

// Check reports whether a sync for the pair is admitted now.
func (l *Limiter) Check(ctx context.Context, userID, venue string) (Decision, error) {
	entry, err := l.store.GetRateLimit(ctx, userID, venue)
	if errors.Is(err, repository.ErrNotFound) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	elapsed := l.now().Sub(entry.LastSyncTime)
	if elapsed >= Cooldown {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed:  false,
		Reason:   "sync cooldown active",
		NextTime: entry.LastSyncTime.Add(Cooldown),
	}, nil
}

// Record upserts the pair's last-sync time and bumps its counter.
func (l *Limiter) Record(ctx context.Context, userID, venue string) error {
	count := int64(1)
	if entry, err := l.store.GetRateLimit(ctx, userID, venue); err == nil {
		count = entry.Count + 1
	}
	return l.store.UpsertRateLimit(ctx, &repository.RateLimitLog{
		UserID:       userID,
		Venue:        venue,
		LastSyncTime: l.now().UTC(),
		Count:        count,
	})
}

// Cleanup purges rows past retention. Called opportunistically after a
// scheduler pass; failures are logged, not fatal.
func (l *Limiter) Cleanup(ctx context.Context) {
	purged, err := l.store.PurgeRateLimits(ctx, l.now().Add(-Retention))
	if err != nil {
		l.logger.Error("rate limit purge failed", err, nil)
		return
	}
	if purged > 0 {
		l.logger.Info("purged stale rate limit rows", map[string]interface{}{
			"purged_rows": purged,
		})
	}
}
