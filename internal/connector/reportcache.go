package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/equivault/enclave-worker/internal/telemetry"
)

const (
	reportCacheTTL   = 60 * time.Second
	reportCachePurge = 5 * time.Minute
)

// ReportCache memoizes parsed broker statements per (token, query-id).
// Concurrent callers within the TTL share one upstream request through
// single-flight, which is the difference between one external call per
// sync pass and a rate-limit storm on throttle-happy providers. One
// upstream error fails all waiters symmetrically.
type ReportCache struct {
	mu      sync.Mutex
	entries map[string]reportEntry
	group   singleflight.Group
	metrics *telemetry.Metrics
	now     func() time.Time
}

type reportEntry struct {
	statement *FlexStatement
	inserted  time.Time
}

// NewReportCache creates the cache. Metrics may be nil in tests.
func NewReportCache(metrics *telemetry.Metrics) *ReportCache {
	return &ReportCache{
		entries: make(map[string]reportEntry),
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns the cached statement when fresh, otherwise runs fetch once
// for all concurrent callers of the same key.
func (c *ReportCache) Get(ctx context.Context, key string, fetch func(ctx context.Context) (*FlexStatement, error)) (*FlexStatement, error) {
	c.mu.Lock()
	c.purgeStaleLocked()
	if entry, ok := c.entries[key]; ok && c.now().Sub(entry.inserted) < reportCacheTTL {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ReportCacheHits.Inc()
		}
		return entry.statement, nil
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ReportCacheMisses.Inc()
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have populated
		// the entry between the unlock above and this closure running.
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok && c.now().Sub(entry.inserted) < reportCacheTTL {
			c.mu.Unlock()
			return entry.statement, nil
		}
		c.mu.Unlock()

		statement, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = reportEntry{statement: statement, inserted: c.now()}
		c.mu.Unlock()
		return statement, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FlexStatement), nil
}

// purgeStaleLocked drops entries past the purge horizon. Called
// opportunistically on every lookup; callers hold c.mu.
func (c *ReportCache) purgeStaleLocked() {
	now := c.now()
	stale := false
	for _, entry := range c.entries {
		if now.Sub(entry.inserted) > reportCachePurge {
			stale = true
			break
		}
	}
	if !stale {
		return
	}
	for key, entry := range c.entries {
		if now.Sub(entry.inserted) > reportCachePurge {
			delete(c.entries, key)
		}
	}
}

// Len reports the live entry count.
func (c *ReportCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
