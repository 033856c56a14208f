// Package scheduler drives the daily sync pass at 00:00 UTC.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/equivault/enclave-worker/internal/aggregator"
	"github.com/equivault/enclave-worker/internal/events"
	"github.com/equivault/enclave-worker/internal/ratelimit"
	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/telemetry"
)

// interConnectionPause smooths outbound bursts between connections of
// the same user.
const interConnectionPause = 300 * time.Millisecond

// PassSummary is the result of one scheduler pass.
type PassSummary struct {
	SnapshotsCreated int
	Failed           int
	DurationSec      float64
}

// Syncer is the slice of the aggregator the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context, userID, venue string) (*aggregator.Result, error)
}

// Scheduler runs one pass per day. At most one pass is in flight at a
// time; a tick arriving while a pass runs logs a warning and returns.
type Scheduler struct {
	store   repository.Store
	syncer  Syncer
	limiter *ratelimit.Limiter
	emitter events.Emitter
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
	now     func() time.Time

	mu        sync.Mutex
	isRunning bool

	stop chan struct{}
	done chan struct{}
}

// New creates the scheduler. The emitter may be nil.
func New(store repository.Store, syncer Syncer, limiter *ratelimit.Limiter, emitter events.Emitter, metrics *telemetry.Metrics) *Scheduler {
	return &Scheduler{
		store:   store,
		syncer:  syncer,
		limiter: limiter,
		emitter: emitter,
		metrics: metrics,
		logger:  telemetry.NewLogger("SCHEDULER"),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NextTick returns the next 00:00 UTC strictly after the given instant.
// An instant exactly on midnight schedules the following day, so a tick
// that fires at the boundary runs once.
func NextTick(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		next := NextTick(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.RunPass(context.Background())
		}
	}
}

// Stop asks the loop to exit and waits for the current pass up to the
// deadline. Returns false when the pass outlived the deadline.
func (s *Scheduler) Stop(deadline time.Duration) bool {
	close(s.stop)
	select {
	case <-s.done:
		return true
	case <-time.After(deadline):
		return false
	}
}

// RunPass executes one full sync pass. Users are processed sequentially;
// individual connection failures are counted, never fatal.
func (s *Scheduler) RunPass(ctx context.Context) *PassSummary {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		s.logger.Warn("sync pass already in progress, skipping tick", nil)
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	start := s.now()
	summary := &PassSummary{}

	conns, err := s.store.ListActiveConnections(ctx)
	if err != nil {
		s.logger.Error("connection enumeration failed", err, nil)
		return summary
	}

	prevUser := ""
	for _, conn := range conns {
		if conn.UserID == prevUser {
			select {
			case <-ctx.Done():
				return summary
			case <-time.After(interConnectionPause):
			}
		}
		prevUser = conn.UserID

		decision, err := s.limiter.Check(ctx, conn.UserID, conn.Venue)
		if err == nil && !decision.Allowed {
			s.logger.Debug("connection skipped by cooldown", nil)
			continue
		}

		result, err := s.syncer.Sync(ctx, conn.UserID, conn.Venue)
		if err != nil {
			summary.Failed++
			s.logger.Error("connection sync failed", err, nil)
			continue
		}
		summary.SnapshotsCreated += result.SnapshotsCreated
		if s.emitter != nil && result.SnapshotsCreated > 0 {
			s.emitter.Emit(events.TypeSnapshotCreated, conn.Venue, map[string]interface{}{
				"snapshots": result.SnapshotsCreated,
			})
		}
		if err := s.limiter.Record(ctx, conn.UserID, conn.Venue); err != nil {
			s.logger.Warn("cooldown record failed", nil)
		}
	}

	s.limiter.Cleanup(ctx)

	summary.DurationSec = s.now().Sub(start).Seconds()
	if s.metrics != nil {
		s.metrics.SyncPasses.Inc()
		s.metrics.SnapshotsCreated.Add(float64(summary.SnapshotsCreated))
		s.metrics.SnapshotsFailed.Add(float64(summary.Failed))
		s.metrics.SyncDuration.Observe(summary.DurationSec)
	}
	if s.emitter != nil {
		s.emitter.Emit(events.TypeSyncPass, "", map[string]interface{}{
			"snapshots_created": summary.SnapshotsCreated,
			"failed":            summary.Failed,
			"duration_sec":      summary.DurationSec,
		})
	}
	s.logger.Info("sync pass complete", map[string]interface{}{
		"snapshots_created": summary.SnapshotsCreated,
		"failed":            summary.Failed,
		"duration_sec":      summary.DurationSec,
	})
	return summary
}

// Status reports the next tick and whether a pass is running.
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	running := s.isRunning
	s.mu.Unlock()
	return map[string]interface{}{
		"running":   running,
		"next_tick": NextTick(s.now()).Format(time.RFC3339),
	}
}
