package repository

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by every backend.
var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: already exists")
)

// SnapshotFilter bounds a time-series query. Zero times mean unbounded;
// an empty venue means all venues.
type SnapshotFilter struct {
	Venue string
	Start time.Time
	End   time.Time
}

// Store is the narrow repository contract the worker core consumes.
// Implementations serialize concurrent writes through their unique-key
// constraints; callers rely on upsert idempotence, not on locking here.
type Store interface {
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// CreateConnection fails with ErrConflict when (user, venue, label)
	// already exists.
	CreateConnection(ctx context.Context, conn *Connection) error
	GetActiveConnection(ctx context.Context, userID, venue string) (*Connection, error)
	ListConnections(ctx context.Context, userID string) ([]*Connection, error)
	ListActiveConnections(ctx context.Context) ([]*Connection, error)

	// UpsertSnapshot writes or overwrites the row keyed by (user, venue,
	// timestamp).
	UpsertSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, userID, venue string, ts time.Time) (*Snapshot, error)
	// ListSnapshots returns matching rows ordered by timestamp descending.
	ListSnapshots(ctx context.Context, userID string, filter SnapshotFilter) ([]*Snapshot, error)
	HasSnapshots(ctx context.Context, userID, venue string) (bool, error)

	UpsertSyncStatus(ctx context.Context, status *SyncStatus) error
	GetSyncStatus(ctx context.Context, userID, venue string) (*SyncStatus, error)

	GetRateLimit(ctx context.Context, userID, venue string) (*RateLimitLog, error)
	UpsertRateLimit(ctx context.Context, entry *RateLimitLog) error
	// PurgeRateLimits removes rows older than the cutoff and reports how
	// many were deleted.
	PurgeRateLimits(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
