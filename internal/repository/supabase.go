package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore keeps the repository behind PostgREST. Timestamps travel
// as RFC3339 strings because that is what Supabase hands back; row types
// below do the conversion at the boundary.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates the PostgREST-backed store.
func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// ============================================================================
// ROW TYPES — Supabase timestamp columns are strings on the wire
// ============================================================================

type userRow struct {
	UserID              string `json:"user_id"`
	SyncIntervalMinutes int    `json:"sync_interval_minutes"`
	CreatedAt           string `json:"created_at"`
}

type connectionRow struct {
	UserID              string `json:"user_id"`
	Venue               string `json:"venue"`
	Label               string `json:"label"`
	EncryptedKey        string `json:"encrypted_key"`
	EncryptedSecret     string `json:"encrypted_secret"`
	EncryptedPassphrase string `json:"encrypted_passphrase,omitempty"`
	Fingerprint         string `json:"credentials_fingerprint"`
	Active              bool   `json:"active"`
	CreatedAt           string `json:"created_at"`
}

type snapshotRow struct {
	UserID          string          `json:"user_id"`
	Venue           string          `json:"venue"`
	Timestamp       string          `json:"ts"`
	TotalEquity     float64         `json:"total_equity"`
	RealizedBalance float64         `json:"realized_balance"`
	UnrealizedPnl   float64         `json:"unrealized_pnl"`
	Deposits        float64         `json:"deposits"`
	Withdrawals     float64         `json:"withdrawals"`
	Breakdown       json.RawMessage `json:"breakdown"`
}

type syncStatusRow struct {
	UserID       string `json:"user_id"`
	Venue        string `json:"venue"`
	LastSyncTime string `json:"last_sync_time"`
	Status       string `json:"status"`
	TotalTrades  int64  `json:"total_trades"`
	LastError    string `json:"last_error,omitempty"`
}

type rateLimitRow struct {
	UserID       string `json:"user_id"`
	Venue        string `json:"venue"`
	LastSyncTime string `json:"last_sync_time"`
	Count        int64  `json:"count"`
}

func wireTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseWireTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

// ============================================================================
// USERS
// ============================================================================

// UpsertUser writes the user row.
func (s *SupabaseStore) UpsertUser(ctx context.Context, user *User) error {
	row := userRow{
		UserID:              user.ID,
		SyncIntervalMinutes: user.SyncIntervalMinutes,
		CreatedAt:           wireTime(user.CreatedAt),
	}
	_, _, err := s.client.From("users").
		Upsert(row, "user_id", "", "").
		Execute()
	return err
}

// GetUser loads one user.
func (s *SupabaseStore) GetUser(ctx context.Context, id string) (*User, error) {
	var rows []userRow
	_, err := s.client.From("users").
		Select("*", "", false).
		Eq("user_id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &User{
		ID:                  rows[0].UserID,
		SyncIntervalMinutes: rows[0].SyncIntervalMinutes,
		CreatedAt:           parseWireTime(rows[0].CreatedAt),
	}, nil
}

// ============================================================================
// CONNECTIONS
// ============================================================================

func connectionFromRow(r connectionRow) *Connection {
	return &Connection{
		UserID:              r.UserID,
		Venue:               r.Venue,
		Label:               r.Label,
		EncryptedKey:        r.EncryptedKey,
		EncryptedSecret:     r.EncryptedSecret,
		EncryptedPassphrase: r.EncryptedPassphrase,
		Fingerprint:         r.Fingerprint,
		Active:              r.Active,
		CreatedAt:           parseWireTime(r.CreatedAt),
	}
}

// CreateConnection checks the (user, venue, label) key before inserting.
// PostgREST maps the unique-constraint violation to an opaque error, so
// the pre-check gives callers a clean ErrConflict.
func (s *SupabaseStore) CreateConnection(ctx context.Context, conn *Connection) error {
	var existing []connectionRow
	_, err := s.client.From("connections").
		Select("user_id", "", false).
		Eq("user_id", conn.UserID).
		Eq("venue", conn.Venue).
		Eq("label", conn.Label).
		ExecuteTo(&existing)
	if err != nil {
		return fmt.Errorf("query connections: %w", err)
	}
	if len(existing) > 0 {
		return ErrConflict
	}
	row := connectionRow{
		UserID:              conn.UserID,
		Venue:               conn.Venue,
		Label:               conn.Label,
		EncryptedKey:        conn.EncryptedKey,
		EncryptedSecret:     conn.EncryptedSecret,
		EncryptedPassphrase: conn.EncryptedPassphrase,
		Fingerprint:         conn.Fingerprint,
		Active:              conn.Active,
		CreatedAt:           wireTime(conn.CreatedAt),
	}
	_, _, err = s.client.From("connections").
		Insert(row, false, "", "", "").
		Execute()
	return err
}

// GetActiveConnection finds the active row for the pair.
func (s *SupabaseStore) GetActiveConnection(ctx context.Context, userID, venue string) (*Connection, error) {
	var rows []connectionRow
	_, err := s.client.From("connections").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("venue", venue).
		Eq("active", "true").
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return connectionFromRow(rows[0]), nil
}

// ListConnections returns all of one user's connections.
func (s *SupabaseStore) ListConnections(ctx context.Context, userID string) ([]*Connection, error) {
	var rows []connectionRow
	_, err := s.client.From("connections").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	out := make([]*Connection, 0, len(rows))
	for _, r := range rows {
		out = append(out, connectionFromRow(r))
	}
	return out, nil
}

// ListActiveConnections returns every active connection.
func (s *SupabaseStore) ListActiveConnections(ctx context.Context) ([]*Connection, error) {
	var rows []connectionRow
	_, err := s.client.From("connections").
		Select("*", "", false).
		Eq("active", "true").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	out := make([]*Connection, 0, len(rows))
	for _, r := range rows {
		out = append(out, connectionFromRow(r))
	}
	return out, nil
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

func snapshotFromRow(r snapshotRow) (*Snapshot, error) {
	snap := &Snapshot{
		UserID:          r.UserID,
		Venue:           r.Venue,
		Timestamp:       parseWireTime(r.Timestamp),
		TotalEquity:     r.TotalEquity,
		RealizedBalance: r.RealizedBalance,
		UnrealizedPnl:   r.UnrealizedPnl,
		Deposits:        r.Deposits,
		Withdrawals:     r.Withdrawals,
	}
	if len(r.Breakdown) > 0 {
		if err := json.Unmarshal(r.Breakdown, &snap.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
	}
	return snap, nil
}

// UpsertSnapshot writes the (user, venue, ts) row.
func (s *SupabaseStore) UpsertSnapshot(ctx context.Context, snap *Snapshot) error {
	breakdown, err := json.Marshal(snap.Breakdown)
	if err != nil {
		return err
	}
	row := snapshotRow{
		UserID:          snap.UserID,
		Venue:           snap.Venue,
		Timestamp:       wireTime(snap.Timestamp),
		TotalEquity:     snap.TotalEquity,
		RealizedBalance: snap.RealizedBalance,
		UnrealizedPnl:   snap.UnrealizedPnl,
		Deposits:        snap.Deposits,
		Withdrawals:     snap.Withdrawals,
		Breakdown:       breakdown,
	}
	_, _, err = s.client.From("snapshots").
		Upsert(row, "user_id,venue,ts", "", "").
		Execute()
	return err
}

// GetSnapshot loads one row.
func (s *SupabaseStore) GetSnapshot(ctx context.Context, userID, venue string, ts time.Time) (*Snapshot, error) {
	var rows []snapshotRow
	_, err := s.client.From("snapshots").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("venue", venue).
		Eq("ts", wireTime(ts)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return snapshotFromRow(rows[0])
}

// ListSnapshots filters and orders newest first.
func (s *SupabaseStore) ListSnapshots(ctx context.Context, userID string, filter SnapshotFilter) ([]*Snapshot, error) {
	query := s.client.From("snapshots").
		Select("*", "", false).
		Eq("user_id", userID)
	if filter.Venue != "" {
		query = query.Eq("venue", filter.Venue)
	}
	if !filter.Start.IsZero() {
		query = query.Gte("ts", wireTime(filter.Start))
	}
	if !filter.End.IsZero() {
		query = query.Lte("ts", wireTime(filter.End))
	}
	var rows []snapshotRow
	_, err := query.ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	out := make([]*Snapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := snapshotFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// HasSnapshots checks existence for the pair.
func (s *SupabaseStore) HasSnapshots(ctx context.Context, userID, venue string) (bool, error) {
	var rows []snapshotRow
	_, err := s.client.From("snapshots").
		Select("user_id", "", false).
		Eq("user_id", userID).
		Eq("venue", venue).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return false, fmt.Errorf("query snapshots: %w", err)
	}
	return len(rows) > 0, nil
}

// ============================================================================
// SYNC STATUS + RATE LIMIT
// ============================================================================

// UpsertSyncStatus overwrites the attempt record.
func (s *SupabaseStore) UpsertSyncStatus(ctx context.Context, status *SyncStatus) error {
	row := syncStatusRow{
		UserID:       status.UserID,
		Venue:        status.Venue,
		LastSyncTime: wireTime(status.LastSyncTime),
		Status:       status.Status,
		TotalTrades:  status.TotalTrades,
		LastError:    status.LastError,
	}
	_, _, err := s.client.From("sync_statuses").
		Upsert(row, "user_id,venue", "", "").
		Execute()
	return err
}

// GetSyncStatus loads the attempt record.
func (s *SupabaseStore) GetSyncStatus(ctx context.Context, userID, venue string) (*SyncStatus, error) {
	var rows []syncStatusRow
	_, err := s.client.From("sync_statuses").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("venue", venue).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query sync_statuses: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &SyncStatus{
		UserID:       rows[0].UserID,
		Venue:        rows[0].Venue,
		LastSyncTime: parseWireTime(rows[0].LastSyncTime),
		Status:       rows[0].Status,
		TotalTrades:  rows[0].TotalTrades,
		LastError:    rows[0].LastError,
	}, nil
}

// GetRateLimit loads the cooldown row.
func (s *SupabaseStore) GetRateLimit(ctx context.Context, userID, venue string) (*RateLimitLog, error) {
	var rows []rateLimitRow
	_, err := s.client.From("rate_limit_log").
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("venue", venue).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query rate_limit_log: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &RateLimitLog{
		UserID:       rows[0].UserID,
		Venue:        rows[0].Venue,
		LastSyncTime: parseWireTime(rows[0].LastSyncTime),
		Count:        rows[0].Count,
	}, nil
}

// UpsertRateLimit overwrites the cooldown row.
func (s *SupabaseStore) UpsertRateLimit(ctx context.Context, entry *RateLimitLog) error {
	row := rateLimitRow{
		UserID:       entry.UserID,
		Venue:        entry.Venue,
		LastSyncTime: wireTime(entry.LastSyncTime),
		Count:        entry.Count,
	}
	_, _, err := s.client.From("rate_limit_log").
		Upsert(row, "user_id,venue", "", "").
		Execute()
	return err
}

// PurgeRateLimits deletes rows past retention.
func (s *SupabaseStore) PurgeRateLimits(ctx context.Context, olderThan time.Time) (int, error) {
	var stale []rateLimitRow
	_, err := s.client.From("rate_limit_log").
		Select("user_id,venue", "", false).
		Lt("last_sync_time", wireTime(olderThan)).
		ExecuteTo(&stale)
	if err != nil {
		return 0, fmt.Errorf("query rate_limit_log: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	_, _, err = s.client.From("rate_limit_log").
		Delete("", "").
		Lt("last_sync_time", wireTime(olderThan)).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("delete rate_limit_log: %w", err)
	}
	return len(stale), nil
}

// Close is a no-op; PostgREST is stateless HTTP.
func (s *SupabaseStore) Close() error { return nil }
