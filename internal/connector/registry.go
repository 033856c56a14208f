package connector

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/equivault/enclave-worker/internal/config"
	"github.com/equivault/enclave-worker/internal/telemetry"
)

// Registry owns the live connectors, keyed by (venue, credentials
// fingerprint). Lookups are lock-free reads; constructions are
// single-flight so two handlers racing on the same key build one
// connector. Eviction closes the connector, which wipes its credentials.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Connector
	group   singleflight.Group
	policy  config.VenuePolicy
	reports *ReportCache
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
}

// NewRegistry creates the registry. The ReportCache is shared across all
// flex connectors so concurrent syncs coalesce on one statement pull.
func NewRegistry(policy config.VenuePolicy, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]Connector),
		policy:  policy,
		reports: NewReportCache(metrics),
		metrics: metrics,
		logger:  telemetry.NewLogger("REGISTRY"),
	}
}

func registryKey(venue, fingerprint string) string { return venue + "|" + fingerprint }

// Get returns the connector for (venue, fingerprint), constructing it on
// first use. The credentials are only read during construction; callers
// keep ownership of their copy and should wipe it.
func (r *Registry) Get(ctx context.Context, venue, fingerprint string, creds Credentials) (Connector, error) {
	key := registryKey(venue, fingerprint)

	r.mu.RLock()
	conn, ok := r.conns[key]
	r.mu.RUnlock()
	if ok {
		return conn, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		if existing, ok := r.conns[key]; ok {
			r.mu.RUnlock()
			return existing, nil
		}
		r.mu.RUnlock()

		built, err := r.build(venue, creds)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.conns[key] = built
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.ConnectorBuilds.Inc()
		}
		r.logger.Info("connector built", map[string]interface{}{
			"family": familyFor(venue, r.policy.Entry(venue)),
		})
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Connector), nil
}

func familyFor(venue string, entry config.VenueEntry) string {
	if entry.Family != "" {
		return entry.Family
	}
	if strings.HasPrefix(venue, "broker") {
		return "flex"
	}
	return "unified"
}

func (r *Registry) build(venue string, creds Credentials) (Connector, error) {
	entry := r.policy.Entry(venue)
	baseURL := entry.BaseURL
	switch familyFor(venue, entry) {
	case "flex":
		if baseURL == "" {
			baseURL = "https://reports." + venue + ".com/flex"
		}
		return NewFlexConnector(venue, baseURL, creds, r.reports), nil
	default:
		if baseURL == "" {
			baseURL = "https://api." + venue + ".com"
		}
		return NewUnifiedConnector(venue, baseURL, creds, entry.Unified), nil
	}
}

// Evict removes and closes one connector, wiping its credentials.
func (r *Registry) Evict(venue, fingerprint string) {
	key := registryKey(venue, fingerprint)
	r.mu.Lock()
	conn, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	if r.metrics != nil {
		r.metrics.ConnectorEvictions.Inc()
	}
}

// Close evicts everything, used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Connector)
	r.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Reports exposes the shared statement cache.
func (r *Registry) Reports() *ReportCache { return r.reports }

// Len reports the live connector count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
