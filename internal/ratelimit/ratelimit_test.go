package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equivault/enclave-worker/internal/repository"
)

func TestLimiter_FirstSyncAllowed(t *testing.T) {
	limiter := New(repository.NewMemoryStore())

	decision, err := limiter.Check(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLimiter_CooldownRefusesWithinWindow(t *testing.T) {
	store := repository.NewMemoryStore()
	limiter := New(store)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	require.NoError(t, limiter.Record(ctx, "u1", "binance"))

	// 22 hours later the pair is still cooling down.
	limiter.now = func() time.Time { return base.Add(22 * time.Hour) }
	decision, err := limiter.Check(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "sync cooldown active", decision.Reason)
	assert.Equal(t, base.Add(Cooldown), decision.NextTime)

	// At exactly 23 hours the next sync is admitted.
	limiter.now = func() time.Time { return base.Add(Cooldown) }
	decision, err = limiter.Check(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLimiter_PairsAreIndependent(t *testing.T) {
	limiter := New(repository.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, limiter.Record(ctx, "u1", "binance"))

	decision, err := limiter.Check(ctx, "u1", "bybit")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "another venue must not share the cooldown")

	decision, err = limiter.Check(ctx, "u2", "binance")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "another user must not share the cooldown")
}

func TestLimiter_RecordIncrementsCount(t *testing.T) {
	store := repository.NewMemoryStore()
	limiter := New(store)
	ctx := context.Background()

	require.NoError(t, limiter.Record(ctx, "u1", "binance"))
	require.NoError(t, limiter.Record(ctx, "u1", "binance"))

	entry, err := store.GetRateLimit(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Count)
}

func TestLimiter_CleanupPurgesPastRetention(t *testing.T) {
	store := repository.NewMemoryStore()
	limiter := New(store)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	require.NoError(t, limiter.Record(ctx, "u1", "binance"))

	limiter.now = func() time.Time { return base.Add(Retention + time.Hour) }
	limiter.Cleanup(ctx)

	_, err := store.GetRateLimit(ctx, "u1", "binance")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
