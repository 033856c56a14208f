package connector

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equivault/enclave-worker/internal/config"
)

func TestRegistry_ReusesConnectorPerKey(t *testing.T) {
	registry := NewRegistry(config.VenuePolicy{Venues: map[string]config.VenueEntry{}}, nil)
	t.Cleanup(registry.Close)

	creds := Credentials{Key: "k", Secret: "s"}
	a, err := registry.Get(context.Background(), "binance", "fp1", creds)
	require.NoError(t, err)
	b, err := registry.Get(context.Background(), "binance", "fp1", creds)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, registry.Len())

	// A different fingerprint on the same venue is a distinct connector.
	c, err := registry.Get(context.Background(), "binance", "fp2", creds)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, registry.Len())
}

func TestRegistry_ConcurrentGetBuildsOnce(t *testing.T) {
	registry := NewRegistry(config.VenuePolicy{Venues: map[string]config.VenueEntry{}}, nil)
	t.Cleanup(registry.Close)

	const callers = 16
	conns := make([]Connector, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := registry.Get(context.Background(), "okx", "fp", Credentials{Key: "k", Secret: "s"})
			assert.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, registry.Len())
	for _, conn := range conns[1:] {
		assert.Same(t, conns[0], conn)
	}
}

func TestRegistry_FamilySelection(t *testing.T) {
	policy := config.VenuePolicy{Venues: map[string]config.VenueEntry{
		"kraken":  {Family: "flex"},
		"acme-fx": {Family: "unified"},
	}}
	registry := NewRegistry(policy, nil)
	t.Cleanup(registry.Close)

	creds := Credentials{Key: "k", Secret: "s"}

	conn, err := registry.Get(context.Background(), "binance", "fp", creds)
	require.NoError(t, err)
	assert.IsType(t, &UnifiedConnector{}, conn, "crypto venues default to the unified family")

	conn, err = registry.Get(context.Background(), "broker-x", "fp", creds)
	require.NoError(t, err)
	assert.IsType(t, &FlexConnector{}, conn, "broker-prefixed venues default to the flex family")

	conn, err = registry.Get(context.Background(), "kraken", "fp", creds)
	require.NoError(t, err)
	assert.IsType(t, &FlexConnector{}, conn, "policy family overrides the prefix default")

	conn, err = registry.Get(context.Background(), "acme-fx", "fp", creds)
	require.NoError(t, err)
	assert.IsType(t, &UnifiedConnector{}, conn)
}

func TestRegistry_EvictClosesConnector(t *testing.T) {
	registry := NewRegistry(config.VenuePolicy{Venues: map[string]config.VenueEntry{}}, nil)
	t.Cleanup(registry.Close)

	_, err := registry.Get(context.Background(), "binance", "fp", Credentials{Key: "k", Secret: "s"})
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	registry.Evict("binance", "fp")
	assert.Equal(t, 0, registry.Len())

	// Evicting an absent key is a no-op.
	registry.Evict("binance", "fp")
}

func TestRegistry_SharedReportCache(t *testing.T) {
	registry := NewRegistry(config.VenuePolicy{Venues: map[string]config.VenueEntry{}}, nil)
	t.Cleanup(registry.Close)

	a, err := registry.Get(context.Background(), "broker-x", "fp1", Credentials{Key: "t1", Secret: "q1"})
	require.NoError(t, err)
	b, err := registry.Get(context.Background(), "broker-x", "fp2", Credentials{Key: "t2", Secret: "q2"})
	require.NoError(t, err)

	assert.Same(t, registry.Reports(), a.(*FlexConnector).cache)
	assert.Same(t, registry.Reports(), b.(*FlexConnector).cache)
}
