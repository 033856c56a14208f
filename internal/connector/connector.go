// Package connector wraps outbound venue APIs behind one capability-tagged
// interface. Two families exist: the unified crypto connector (HMAC-signed
// REST against an exchange) and the flex connector (report-pull broker).
// The aggregator consumes only the interface plus Supports checks.
package connector

import (
	"context"
	"time"
)

// Feature tags the optional capabilities a venue may expose.
type Feature string

const (
	FeatureBalance             Feature = "getBalance"
	FeaturePositions           Feature = "getCurrentPositions"
	FeatureTrades              Feature = "getTrades"
	FeatureHistoricalSummaries Feature = "getHistoricalSummaries"
	FeatureBalanceBreakdown    Feature = "getBalanceBreakdown"
	FeatureExecutedOrders      Feature = "getExecutedOrders"
	FeatureFundingFees         Feature = "getFundingFees"
	FeatureEarnBalance         Feature = "getEarnBalance"
)

// Credentials is the decrypted API credential triple. For report-pull
// brokers Key carries the token and Secret the query id. Wipe before the
// owning connector is discarded.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// Wipe clears the credential strings. Go strings are immutable so this
// drops references rather than zeroing pages; the byte-level wipe happens
// in the vault's working buffers.
func (c *Credentials) Wipe() {
	c.Key = ""
	c.Secret = ""
	c.Passphrase = ""
}

// Balance is one market's balance block.
type Balance struct {
	TotalEquity     float64
	AvailableMargin float64
	UnrealizedPnl   float64
}

// Position is one open position.
type Position struct {
	Symbol        string
	Contracts     float64
	UnrealizedPnl float64
}

// Fill is one executed trade.
type Fill struct {
	Symbol    string
	Timestamp time.Time
	Side      string
	Price     float64
	Amount    float64
	// Cost is the quote-currency notional when the venue reports it;
	// zero means derive price*amount.
	Cost float64
	Fee  float64
}

// Volume returns the fill's notional.
func (f Fill) Volume() float64 {
	if f.Cost != 0 {
		return f.Cost
	}
	return f.Price * f.Amount
}

// Order is one executed order record.
type Order struct {
	Symbol    string
	Timestamp time.Time
	Status    string
}

// DailySummary is one reporting-date row from a broker statement.
type DailySummary struct {
	Date            time.Time
	TotalEquity     float64
	RealizedBalance float64
	UnrealizedPnl   float64
	Deposits        float64
	Withdrawals     float64
}

// Connector is the venue abstraction. Callers gate optional capabilities
// on Supports and fall back gracefully when a venue lacks one.
type Connector interface {
	// Venue returns the venue id this connector is bound to.
	Venue() string

	// Supports reports whether the venue implements a capability.
	Supports(feature Feature) bool

	// TestConnection performs one cheap authenticated call.
	TestConnection(ctx context.Context) error

	// Markets returns the market types the venue exposes, drawn from its
	// instrument catalog. Monolithic venues return a single entry.
	Markets(ctx context.Context) ([]string, error)

	// Balance fetches one market's balance block.
	Balance(ctx context.Context, market string) (*Balance, error)

	// BalanceBreakdown fetches all per-market balances plus an optional
	// "global" roll-up block when the venue provides one.
	BalanceBreakdown(ctx context.Context) (map[string]*Balance, error)

	// Positions returns current open positions.
	Positions(ctx context.Context) ([]Position, error)

	// Fills returns executed fills for a market since the given instant,
	// inclusive.
	Fills(ctx context.Context, market string, since time.Time) ([]Fill, error)

	// FundingFees sums funding paid or received on the given perpetual
	// symbols since the given instant.
	FundingFees(ctx context.Context, symbols []string, since time.Time) (float64, error)

	// EarnBalance returns equity parked in earn or staking pools.
	EarnBalance(ctx context.Context) (float64, error)

	// HistoricalSummaries returns one row per reporting date in the range.
	HistoricalSummaries(ctx context.Context, start, end time.Time) ([]DailySummary, error)

	// Close wipes credentials and releases resources.
	Close()
}
