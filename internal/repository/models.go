// Package repository defines the narrow storage contract the worker
// consumes and its backend implementations. The store is an external
// collaborator: it persists ciphertext-in-hex columns as given and
// enforces the unique-key invariants through upserts.
package repository

import (
	"time"
)

// Markets recognized in a snapshot breakdown. MarketGlobal is the
// venue-level roll-up.
const (
	MarketGlobal      = "global"
	MarketSpot        = "spot"
	MarketSwap        = "swap"
	MarketStocks      = "stocks"
	MarketFutures     = "futures"
	MarketOptions     = "options"
	MarketCommodities = "commodities"
	MarketForex       = "forex"
	MarketCFD         = "cfd"
	MarketEarn        = "earn"
	MarketMargin      = "margin"
)

// Sync status values.
const (
	SyncPending   = "pending"
	SyncSyncing   = "syncing"
	SyncCompleted = "completed"
	SyncError     = "error"
)

// User is an opaque identity derived from credential material. Immutable
// apart from the sync-interval preference.
type User struct {
	ID                  string    `json:"user_id"`
	SyncIntervalMinutes int       `json:"sync_interval_minutes"`
	CreatedAt           time.Time `json:"created_at"`
}

// Interval returns the snapshot grid for the user, defaulting to 60
// minutes.
func (u *User) Interval() time.Duration {
	if u == nil || u.SyncIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(u.SyncIntervalMinutes) * time.Minute
}

// Connection binds a user to one venue account. (UserID, Venue, Label)
// is unique; Fingerprint detects the same credentials under different
// labels.
type Connection struct {
	UserID              string    `json:"user_id"`
	Venue               string    `json:"venue"`
	Label               string    `json:"label"`
	EncryptedKey        string    `json:"encrypted_key"`
	EncryptedSecret     string    `json:"encrypted_secret"`
	EncryptedPassphrase string    `json:"encrypted_passphrase,omitempty"`
	Fingerprint         string    `json:"credentials_fingerprint"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

// MarketMetrics is one market's block inside a snapshot breakdown.
type MarketMetrics struct {
	Equity          float64 `json:"equity"`
	AvailableMargin float64 `json:"available_margin"`
	Volume          float64 `json:"volume"`
	Trades          int64   `json:"trades"`
	TradingFees     float64 `json:"trading_fees"`
	FundingFees     float64 `json:"funding_fees"`
}

// Snapshot is one deduplicated equity observation. (UserID, Venue,
// Timestamp) is the upsert key.
type Snapshot struct {
	UserID          string                   `json:"user_id"`
	Venue           string                   `json:"venue"`
	Timestamp       time.Time                `json:"timestamp"`
	TotalEquity     float64                  `json:"total_equity"`
	RealizedBalance float64                  `json:"realized_balance"`
	UnrealizedPnl   float64                  `json:"unrealized_pnl"`
	Deposits        float64                  `json:"deposits"`
	Withdrawals     float64                  `json:"withdrawals"`
	Breakdown       map[string]MarketMetrics `json:"breakdown"`
}

// SyncStatus is the ephemeral per-(user,venue) attempt record.
type SyncStatus struct {
	UserID       string    `json:"user_id"`
	Venue        string    `json:"venue"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Status       string    `json:"status"`
	TotalTrades  int64     `json:"total_trades_observed"`
	LastError    string    `json:"last_error,omitempty"`
}

// RateLimitLog records the last admitted sync per (user, venue).
// Retained seven days.
type RateLimitLog struct {
	UserID       string    `json:"user_id"`
	Venue        string    `json:"venue"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Count        int64     `json:"count"`
}
