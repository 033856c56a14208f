package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore keeps the repository in Postgres. Unique keys are
// enforced by the schema; writes use ON CONFLICT upserts so re-running a
// sync is idempotent.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, pings, and ensures the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			sync_interval_minutes INT NOT NULL DEFAULT 60,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			user_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			label TEXT NOT NULL,
			encrypted_key TEXT NOT NULL,
			encrypted_secret TEXT NOT NULL,
			encrypted_passphrase TEXT,
			fingerprint TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, venue, label)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			user_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			total_equity DOUBLE PRECISION NOT NULL,
			realized_balance DOUBLE PRECISION NOT NULL,
			unrealized_pnl DOUBLE PRECISION NOT NULL,
			deposits DOUBLE PRECISION NOT NULL DEFAULT 0,
			withdrawals DOUBLE PRECISION NOT NULL DEFAULT 0,
			breakdown JSONB NOT NULL,
			PRIMARY KEY (user_id, venue, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_statuses (
			user_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			last_sync_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			total_trades BIGINT NOT NULL DEFAULT 0,
			last_error TEXT,
			PRIMARY KEY (user_id, venue)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_log (
			user_id TEXT NOT NULL,
			venue TEXT NOT NULL,
			last_sync_time TIMESTAMPTZ NOT NULL,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, venue)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertUser writes or overwrites a user row.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, sync_interval_minutes, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET sync_interval_minutes = EXCLUDED.sync_interval_minutes`,
		user.ID, user.SyncIntervalMinutes, user.CreatedAt.UTC())
	return err
}

// GetUser loads one user.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, sync_interval_minutes, created_at FROM users WHERE user_id = $1`, id).
		Scan(&u.ID, &u.SyncIntervalMinutes, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateConnection inserts a row; the primary key reports duplicates.
func (s *PostgresStore) CreateConnection(ctx context.Context, conn *Connection) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO connections
			(user_id, venue, label, encrypted_key, encrypted_secret, encrypted_passphrase, fingerprint, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, venue, label) DO NOTHING`,
		conn.UserID, conn.Venue, conn.Label, conn.EncryptedKey, conn.EncryptedSecret,
		nullable(conn.EncryptedPassphrase), conn.Fingerprint, conn.Active, conn.CreatedAt.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func scanConnection(scan func(dest ...interface{}) error) (*Connection, error) {
	c := &Connection{}
	var passphrase sql.NullString
	if err := scan(&c.UserID, &c.Venue, &c.Label, &c.EncryptedKey, &c.EncryptedSecret,
		&passphrase, &c.Fingerprint, &c.Active, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.EncryptedPassphrase = passphrase.String
	return c, nil
}

const connectionColumns = `user_id, venue, label, encrypted_key, encrypted_secret,
	encrypted_passphrase, fingerprint, active, created_at`

// GetActiveConnection finds the active row for the pair.
func (s *PostgresStore) GetActiveConnection(ctx context.Context, userID, venue string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = $1 AND venue = $2 AND active ORDER BY label LIMIT 1`, userID, venue)
	c, err := scanConnection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) queryConnections(ctx context.Context, where string, args ...interface{}) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections `+where+` ORDER BY user_id, venue, label`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListConnections returns all of one user's connections.
func (s *PostgresStore) ListConnections(ctx context.Context, userID string) ([]*Connection, error) {
	return s.queryConnections(ctx, `WHERE user_id = $1`, userID)
}

// ListActiveConnections returns every active connection.
func (s *PostgresStore) ListActiveConnections(ctx context.Context) ([]*Connection, error) {
	return s.queryConnections(ctx, `WHERE active`)
}

// UpsertSnapshot writes the (user, venue, ts) row.
func (s *PostgresStore) UpsertSnapshot(ctx context.Context, snap *Snapshot) error {
	breakdown, err := json.Marshal(snap.Breakdown)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(user_id, venue, ts, total_equity, realized_balance, unrealized_pnl, deposits, withdrawals, breakdown)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, venue, ts) DO UPDATE SET
			total_equity = EXCLUDED.total_equity,
			realized_balance = EXCLUDED.realized_balance,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			deposits = EXCLUDED.deposits,
			withdrawals = EXCLUDED.withdrawals,
			breakdown = EXCLUDED.breakdown`,
		snap.UserID, snap.Venue, snap.Timestamp.UTC(), snap.TotalEquity, snap.RealizedBalance,
		snap.UnrealizedPnl, snap.Deposits, snap.Withdrawals, breakdown)
	return err
}

func scanSnapshot(scan func(dest ...interface{}) error) (*Snapshot, error) {
	snap := &Snapshot{}
	var breakdown []byte
	if err := scan(&snap.UserID, &snap.Venue, &snap.Timestamp, &snap.TotalEquity,
		&snap.RealizedBalance, &snap.UnrealizedPnl, &snap.Deposits, &snap.Withdrawals, &breakdown); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &snap.Breakdown); err != nil {
		return nil, err
	}
	return snap, nil
}

const snapshotColumns = `user_id, venue, ts, total_equity, realized_balance,
	unrealized_pnl, deposits, withdrawals, breakdown`

// GetSnapshot loads one row.
func (s *PostgresStore) GetSnapshot(ctx context.Context, userID, venue string, ts time.Time) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE user_id = $1 AND venue = $2 AND ts = $3`, userID, venue, ts.UTC())
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// ListSnapshots filters and orders newest first.
func (s *PostgresStore) ListSnapshots(ctx context.Context, userID string, filter SnapshotFilter) ([]*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE user_id = $1`
	args := []interface{}{userID}
	if filter.Venue != "" {
		args = append(args, filter.Venue)
		query += fmt.Sprintf(" AND venue = $%d", len(args))
	}
	if !filter.Start.IsZero() {
		args = append(args, filter.Start.UTC())
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !filter.End.IsZero() {
		args = append(args, filter.End.UTC())
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " ORDER BY ts DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// HasSnapshots checks existence for the pair.
func (s *PostgresStore) HasSnapshots(ctx context.Context, userID, venue string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM snapshots WHERE user_id = $1 AND venue = $2)`, userID, venue).
		Scan(&exists)
	return exists, err
}

// UpsertSyncStatus overwrites the attempt record.
func (s *PostgresStore) UpsertSyncStatus(ctx context.Context, status *SyncStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_statuses (user_id, venue, last_sync_time, status, total_trades, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, venue) DO UPDATE SET
			last_sync_time = EXCLUDED.last_sync_time,
			status = EXCLUDED.status,
			total_trades = EXCLUDED.total_trades,
			last_error = EXCLUDED.last_error`,
		status.UserID, status.Venue, status.LastSyncTime.UTC(), status.Status,
		status.TotalTrades, nullable(status.LastError))
	return err
}

// GetSyncStatus loads the attempt record.
func (s *PostgresStore) GetSyncStatus(ctx context.Context, userID, venue string) (*SyncStatus, error) {
	st := &SyncStatus{}
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, venue, last_sync_time, status, total_trades, last_error
		FROM sync_statuses WHERE user_id = $1 AND venue = $2`, userID, venue).
		Scan(&st.UserID, &st.Venue, &st.LastSyncTime, &st.Status, &st.TotalTrades, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.LastError = lastError.String
	return st, nil
}

// GetRateLimit loads the cooldown row.
func (s *PostgresStore) GetRateLimit(ctx context.Context, userID, venue string) (*RateLimitLog, error) {
	rl := &RateLimitLog{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, venue, last_sync_time, count
		FROM rate_limit_log WHERE user_id = $1 AND venue = $2`, userID, venue).
		Scan(&rl.UserID, &rl.Venue, &rl.LastSyncTime, &rl.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rl, nil
}

// UpsertRateLimit overwrites the cooldown row.
func (s *PostgresStore) UpsertRateLimit(ctx context.Context, entry *RateLimitLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_log (user_id, venue, last_sync_time, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, venue) DO UPDATE SET
			last_sync_time = EXCLUDED.last_sync_time,
			count = EXCLUDED.count`,
		entry.UserID, entry.Venue, entry.LastSyncTime.UTC(), entry.Count)
	return err
}

// PurgeRateLimits deletes rows past retention.
func (s *PostgresStore) PurgeRateLimits(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_log WHERE last_sync_time < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close releases the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
