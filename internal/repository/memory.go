package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used by tests and single-node
// development runs.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	connections map[string]*Connection   // userID|venue|label
	snapshots   map[string]*Snapshot     // userID|venue|unixnano
	statuses    map[string]*SyncStatus   // userID|venue
	rateLimits  map[string]*RateLimitLog // userID|venue
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		connections: make(map[string]*Connection),
		snapshots:   make(map[string]*Snapshot),
		statuses:    make(map[string]*SyncStatus),
		rateLimits:  make(map[string]*RateLimitLog),
	}
}

func pairKey(userID, venue string) string { return userID + "|" + venue }

func connKey(c *Connection) string {
	return strings.Join([]string{c.UserID, c.Venue, c.Label}, "|")
}

func snapKey(userID, venue string, ts time.Time) string {
	return pairKey(userID, venue) + "|" + ts.UTC().Format(time.RFC3339Nano)
}

// UpsertUser writes or overwrites a user row.
func (m *MemoryStore) UpsertUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

// GetUser returns a user or ErrNotFound.
func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// CreateConnection enforces (user, venue, label) uniqueness.
func (m *MemoryStore) CreateConnection(_ context.Context, conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := connKey(conn)
	if _, exists := m.connections[key]; exists {
		return ErrConflict
	}
	cp := *conn
	m.connections[key] = &cp
	return nil
}

// GetActiveConnection returns the first active connection for the pair.
func (m *MemoryStore) GetActiveConnection(_ context.Context, userID, venue string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connections {
		if c.UserID == userID && c.Venue == venue && c.Active {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListConnections returns all connections for a user.
func (m *MemoryStore) ListConnections(_ context.Context, userID string) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, c := range m.connections {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return connKey(out[i]) < connKey(out[j])
	})
	return out, nil
}

// ListActiveConnections returns every active connection.
func (m *MemoryStore) ListActiveConnections(_ context.Context) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for _, c := range m.connections {
		if c.Active {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return connKey(out[i]) < connKey(out[j])
	})
	return out, nil
}

// UpsertSnapshot writes or overwrites the (user, venue, timestamp) row.
func (m *MemoryStore) UpsertSnapshot(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	cp.Breakdown = make(map[string]MarketMetrics, len(snap.Breakdown))
	for k, v := range snap.Breakdown {
		cp.Breakdown[k] = v
	}
	m.snapshots[snapKey(snap.UserID, snap.Venue, snap.Timestamp)] = &cp
	return nil
}

// GetSnapshot fetches one row or ErrNotFound.
func (m *MemoryStore) GetSnapshot(_ context.Context, userID, venue string, ts time.Time) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[snapKey(userID, venue, ts)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSnapshots filters and orders by timestamp descending.
func (m *MemoryStore) ListSnapshots(_ context.Context, userID string, filter SnapshotFilter) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Snapshot
	for _, s := range m.snapshots {
		if s.UserID != userID {
			continue
		}
		if filter.Venue != "" && s.Venue != filter.Venue {
			continue
		}
		if !filter.Start.IsZero() && s.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && s.Timestamp.After(filter.End) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// HasSnapshots reports whether any snapshot exists for the pair.
func (m *MemoryStore) HasSnapshots(_ context.Context, userID, venue string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.snapshots {
		if s.UserID == userID && s.Venue == venue {
			return true, nil
		}
	}
	return false, nil
}

// UpsertSyncStatus overwrites the per-pair attempt record.
func (m *MemoryStore) UpsertSyncStatus(_ context.Context, status *SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *status
	m.statuses[pairKey(status.UserID, status.Venue)] = &cp
	return nil
}

// GetSyncStatus returns the attempt record or ErrNotFound.
func (m *MemoryStore) GetSyncStatus(_ context.Context, userID, venue string) (*SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[pairKey(userID, venue)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// GetRateLimit returns the cooldown row or ErrNotFound.
func (m *MemoryStore) GetRateLimit(_ context.Context, userID, venue string) (*RateLimitLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rateLimits[pairKey(userID, venue)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// UpsertRateLimit overwrites the cooldown row.
func (m *MemoryStore) UpsertRateLimit(_ context.Context, entry *RateLimitLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.rateLimits[pairKey(entry.UserID, entry.Venue)] = &cp
	return nil
}

// PurgeRateLimits deletes rows older than the cutoff.
func (m *MemoryStore) PurgeRateLimits(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for k, r := range m.rateLimits {
		if r.LastSyncTime.Before(olderThan) {
			delete(m.rateLimits, k)
			purged++
		}
	}
	return purged, nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }
