// Package aggregator computes venue snapshots. It resolves a connection,
// decrypts credentials, drives the venue connector, and composes the
// per-market breakdown into one upserted snapshot row.
package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/equivault/enclave-worker/internal/config"
	"github.com/equivault/enclave-worker/internal/connector"
	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/telemetry"
	"github.com/equivault/enclave-worker/internal/vault"
)

// backfillWindow is how far back historical broker summaries reach.
const backfillWindow = 365 * 24 * time.Hour

// Result reports one sync of a (user, venue) pair.
type Result struct {
	SnapshotsCreated int
	Latest           *repository.Snapshot
}

// ConnectorSource resolves a live connector for a credential set. The
// connector registry satisfies it.
type ConnectorSource interface {
	Get(ctx context.Context, venue, fingerprint string, creds connector.Credentials) (connector.Connector, error)
}

// Aggregator is the snapshot engine. Safe for concurrent use across
// (user, venue) pairs; the snapshot upsert key serializes writers on the
// same pair.
type Aggregator struct {
	store    repository.Store
	vault    *vault.Vault
	registry ConnectorSource
	policy   config.VenuePolicy
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
	now      func() time.Time
}

// New creates the aggregator.
func New(store repository.Store, v *vault.Vault, registry ConnectorSource, policy config.VenuePolicy, metrics *telemetry.Metrics) *Aggregator {
	return &Aggregator{
		store:    store,
		vault:    v,
		registry: registry,
		policy:   policy,
		metrics:  metrics,
		logger:   telemetry.NewLogger("AGGREGATOR"),
		now:      time.Now,
	}
}

// Sync runs one full sync of the pair: historical backfill first when
// the venue offers statements and the pair has no history yet, then the
// current snapshot. The year-deep statement pull only runs on the first
// sync; later passes advance the current row and BackfillHistorical
// covers gap repair.
func (a *Aggregator) Sync(ctx context.Context, userID, venue string) (*Result, error) {
	conn, err := a.connectorFor(ctx, userID, venue)
	if err != nil {
		return nil, err
	}

	created := 0
	if conn.Supports(connector.FeatureHistoricalSummaries) {
		has, hasErr := a.store.HasSnapshots(ctx, userID, venue)
		if hasErr != nil {
			return nil, faults.Wrap(faults.KindInternal, "snapshot existence check", hasErr)
		}
		if !has {
			n, err := a.backfillHistorical(ctx, userID, venue, conn)
			if err != nil {
				return nil, err
			}
			created += n
		}
	}

	snap, fresh, err := a.updateCurrent(ctx, userID, venue, conn)
	if err != nil {
		return nil, err
	}
	if fresh {
		created++
	}
	return &Result{SnapshotsCreated: created, Latest: snap}, nil
}

// UpdateCurrent computes and upserts the snapshot for the current grid
// instant.
func (a *Aggregator) UpdateCurrent(ctx context.Context, userID, venue string) (*repository.Snapshot, error) {
	conn, err := a.connectorFor(ctx, userID, venue)
	if err != nil {
		return nil, err
	}
	snap, _, err := a.updateCurrent(ctx, userID, venue, conn)
	return snap, err
}

// BackfillHistorical writes one snapshot per historical reporting date.
func (a *Aggregator) BackfillHistorical(ctx context.Context, userID, venue string) (int, error) {
	conn, err := a.connectorFor(ctx, userID, venue)
	if err != nil {
		return 0, err
	}
	if !conn.Supports(connector.FeatureHistoricalSummaries) {
		return 0, faults.Newf(faults.KindInvalidInput, "venue has no historical summaries")
	}
	return a.backfillHistorical(ctx, userID, venue, conn)
}

// connectorFor resolves the active connection, decrypts its credentials,
// and obtains the connector from the registry.
func (a *Aggregator) connectorFor(ctx context.Context, userID, venue string) (connector.Connector, error) {
	row, err := a.store.GetActiveConnection(ctx, userID, venue)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "no active connection for venue")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "load connection", err)
	}

	key, err := a.vault.Decrypt(row.EncryptedKey)
	if err != nil {
		return nil, err
	}
	secret, err := a.vault.Decrypt(row.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	creds := connector.Credentials{Key: string(key), Secret: string(secret)}
	if row.EncryptedPassphrase != "" {
		passphrase, err := a.vault.Decrypt(row.EncryptedPassphrase)
		if err != nil {
			return nil, err
		}
		creds.Passphrase = string(passphrase)
	}
	defer creds.Wipe()

	return a.registry.Get(ctx, venue, row.Fingerprint, creds)
}

// gridTimestamp rounds now down to the user's sync-interval grid; daily
// or slower intervals snap to 00:00 UTC.
func gridTimestamp(now time.Time, interval time.Duration) time.Time {
	now = now.UTC()
	if interval >= 24*time.Hour {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return now.Truncate(interval)
}

func startOfDayUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (a *Aggregator) updateCurrent(ctx context.Context, userID, venue string, conn connector.Connector) (*repository.Snapshot, bool, error) {
	interval := time.Hour
	if user, err := a.store.GetUser(ctx, userID); err == nil {
		interval = user.Interval()
	}
	timestamp := gridTimestamp(a.now(), interval)

	a.markSyncing(ctx, userID, venue)

	markets, err := conn.Markets(ctx)
	if err != nil {
		a.markError(ctx, userID, venue, err)
		return nil, false, err
	}
	allowed := markets[:0:0]
	for _, m := range markets {
		if a.policy.AllowsMarket(venue, m) {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) == 0 {
		a.markError(ctx, userID, venue, nil)
		return nil, false, faults.New(faults.KindInvalidInput, "venue policy admits no markets")
	}

	balances, globalBlock := a.collectBalances(ctx, venue, conn, allowed)

	globalEquity := 0.0
	globalMargin := 0.0
	if globalBlock != nil {
		globalEquity = globalBlock.TotalEquity
		globalMargin = globalBlock.AvailableMargin
	} else {
		for _, b := range balances {
			globalEquity += b.TotalEquity
			globalMargin += b.AvailableMargin
		}
		if conn.Supports(connector.FeatureEarnBalance) {
			if earn, err := conn.EarnBalance(ctx); err == nil && earn > 0 {
				globalEquity += earn
				balances[repository.MarketEarn] = &connector.Balance{TotalEquity: earn}
			}
		}
	}

	if globalEquity <= 0 {
		err := faults.New(faults.KindUpstreamUnavailable, "venue reported no equity")
		a.markError(ctx, userID, venue, err)
		return nil, false, err
	}

	activity, perpSymbols, totalTrades := a.collectActivity(ctx, venue, conn, allowed, startOfDayUTC(a.now()))

	fundingTotal := 0.0
	if conn.Supports(connector.FeatureFundingFees) && len(perpSymbols) > 0 {
		if total, err := conn.FundingFees(ctx, perpSymbols, startOfDayUTC(a.now())); err == nil {
			fundingTotal = total
		} else {
			a.logger.Warn("funding fee fetch failed", nil)
		}
	}

	unrealized := a.unrealizedPnl(ctx, conn, balances)

	breakdown := composeBreakdown(balances, activity, globalEquity, globalMargin, fundingTotal)

	snap := &repository.Snapshot{
		UserID:          userID,
		Venue:           venue,
		Timestamp:       timestamp,
		TotalEquity:     globalEquity,
		RealizedBalance: globalEquity - unrealized,
		UnrealizedPnl:   unrealized,
		Breakdown:       breakdown,
	}

	_, getErr := a.store.GetSnapshot(ctx, userID, venue, timestamp)
	fresh := errors.Is(getErr, repository.ErrNotFound)

	if err := a.store.UpsertSnapshot(ctx, snap); err != nil {
		a.markError(ctx, userID, venue, err)
		return nil, false, faults.Wrap(faults.KindInternal, "snapshot upsert", err)
	}
	a.markCompleted(ctx, userID, venue, totalTrades)

	a.logger.Info("snapshot written", map[string]interface{}{
		"markets": len(breakdown),
	})
	return snap, fresh, nil
}

// collectBalances fetches every allowed market's balance. A failing
// market is logged and contributes zero; the caller decides whether the
// pass survives on global equity.
func (a *Aggregator) collectBalances(ctx context.Context, venue string, conn connector.Connector, allowed []string) (map[string]*connector.Balance, *connector.Balance) {
	balances := map[string]*connector.Balance{}
	var globalBlock *connector.Balance

	if conn.Supports(connector.FeatureBalanceBreakdown) {
		if all, err := conn.BalanceBreakdown(ctx); err == nil {
			for market, b := range all {
				if market == repository.MarketGlobal {
					globalBlock = b
					continue
				}
				if a.policy.AllowsMarket(venue, market) {
					balances[market] = b
				}
			}
			if len(balances) > 0 || globalBlock != nil {
				return balances, globalBlock
			}
		}
	}

	for _, market := range allowed {
		b, err := conn.Balance(ctx, market)
		if err != nil {
			a.logger.Warn("market balance fetch failed", map[string]interface{}{
				"market": market,
			})
			continue
		}
		balances[market] = b
	}
	return balances, globalBlock
}

// marketActivity accumulates the day's fills per classified market.
type marketActivity struct {
	volume float64
	trades int64
	fees   float64
}

// collectActivity fetches fills since start-of-day and classifies each
// into exactly one market by its symbol. Returns the per-market totals,
// the perpetual symbols observed, and the total trade count.
func (a *Aggregator) collectActivity(ctx context.Context, venue string, conn connector.Connector, allowed []string, since time.Time) (map[string]*marketActivity, []string, int64) {
	activity := map[string]*marketActivity{}
	perpSeen := map[string]bool{}
	var totalTrades int64

	if !conn.Supports(connector.FeatureTrades) {
		return activity, nil, 0
	}

	for _, market := range allowed {
		fills, err := conn.Fills(ctx, market, since)
		if err != nil {
			a.logger.Warn("market fill fetch failed", map[string]interface{}{
				"market": market,
			})
			continue
		}
		for _, fill := range fills {
			bucket := connector.ClassifySymbol(fill.Symbol)
			if market == repository.MarketStocks {
				bucket = repository.MarketStocks
			}
			ma := activity[bucket]
			if ma == nil {
				ma = &marketActivity{}
				activity[bucket] = ma
			}
			ma.volume += fill.Volume()
			ma.trades++
			ma.fees += fill.Fee
			totalTrades++
			if connector.IsPerpetual(fill.Symbol) {
				perpSeen[fill.Symbol] = true
			}
		}
	}

	perps := make([]string, 0, len(perpSeen))
	for s := range perpSeen {
		perps = append(perps, s)
	}
	return activity, perps, totalTrades
}

// unrealizedPnl sums non-zero current positions; when the position
// endpoint is unavailable it falls back to the unrealized components
// already carried in the per-market balances.
func (a *Aggregator) unrealizedPnl(ctx context.Context, conn connector.Connector, balances map[string]*connector.Balance) float64 {
	if conn.Supports(connector.FeaturePositions) {
		if positions, err := conn.Positions(ctx); err == nil {
			total := 0.0
			for _, p := range positions {
				if p.Contracts != 0 {
					total += p.UnrealizedPnl
				}
			}
			return total
		}
		a.logger.Warn("position fetch failed, using balance unrealized components", nil)
	}
	total := 0.0
	for _, b := range balances {
		total += b.UnrealizedPnl
	}
	return total
}

// composeBreakdown builds the per-market blocks plus the global roll-up.
// Global equity is the authoritative total; volume, trade count and
// trading fees are sums over markets; funding fees are the perpetual
// funding total.
func composeBreakdown(balances map[string]*connector.Balance, activity map[string]*marketActivity, globalEquity, globalMargin, fundingTotal float64) map[string]repository.MarketMetrics {
	breakdown := map[string]repository.MarketMetrics{}

	sumVolume, sumFees := 0.0, 0.0
	var sumTrades int64

	markets := map[string]bool{}
	for m := range balances {
		markets[m] = true
	}
	for m := range activity {
		markets[m] = true
	}

	for market := range markets {
		metrics := repository.MarketMetrics{}
		if b := balances[market]; b != nil {
			metrics.Equity = b.TotalEquity
			metrics.AvailableMargin = b.AvailableMargin
		}
		if ma := activity[market]; ma != nil {
			metrics.Volume = ma.volume
			metrics.Trades = ma.trades
			metrics.TradingFees = ma.fees
			sumVolume += ma.volume
			sumTrades += ma.trades
			sumFees += ma.fees
		}
		if market == repository.MarketSwap {
			metrics.FundingFees = fundingTotal
		}
		breakdown[market] = metrics
	}

	breakdown[repository.MarketGlobal] = repository.MarketMetrics{
		Equity:          globalEquity,
		AvailableMargin: globalMargin,
		Volume:          sumVolume,
		Trades:          sumTrades,
		TradingFees:     sumFees,
		FundingFees:     fundingTotal,
	}
	return breakdown
}

// backfillHistorical maps each statement reporting date onto a snapshot
// at 00:00 UTC of that date. Zero-equity days carry no statement and are
// skipped. Only rows that did not exist count as created, so re-running
// the backfill is cheap and duplicate-free.
func (a *Aggregator) backfillHistorical(ctx context.Context, userID, venue string, conn connector.Connector) (int, error) {
	end := a.now().UTC()
	summaries, err := conn.HistoricalSummaries(ctx, end.Add(-backfillWindow), end)
	if err != nil {
		a.markError(ctx, userID, venue, err)
		return 0, err
	}

	created := 0
	for _, s := range summaries {
		if s.TotalEquity == 0 {
			continue
		}
		day := time.Date(s.Date.Year(), s.Date.Month(), s.Date.Day(), 0, 0, 0, 0, time.UTC)

		_, getErr := a.store.GetSnapshot(ctx, userID, venue, day)
		fresh := errors.Is(getErr, repository.ErrNotFound)

		snap := &repository.Snapshot{
			UserID:          userID,
			Venue:           venue,
			Timestamp:       day,
			TotalEquity:     s.TotalEquity,
			RealizedBalance: s.TotalEquity - s.UnrealizedPnl,
			UnrealizedPnl:   s.UnrealizedPnl,
			Deposits:        s.Deposits,
			Withdrawals:     s.Withdrawals,
			Breakdown: map[string]repository.MarketMetrics{
				repository.MarketGlobal: {Equity: s.TotalEquity},
				repository.MarketStocks: {Equity: s.TotalEquity},
			},
		}
		if err := a.store.UpsertSnapshot(ctx, snap); err != nil {
			return created, faults.Wrap(faults.KindInternal, "backfill upsert", err)
		}
		if fresh {
			created++
		}
	}

	a.logger.Info("historical backfill done", map[string]interface{}{
		"rows_written": created,
	})
	return created, nil
}

// ============================================================================
// SYNC STATUS BOOKKEEPING
// ============================================================================

func (a *Aggregator) markSyncing(ctx context.Context, userID, venue string) {
	a.putStatus(ctx, userID, venue, repository.SyncSyncing, 0, "")
}

func (a *Aggregator) markCompleted(ctx context.Context, userID, venue string, trades int64) {
	a.putStatus(ctx, userID, venue, repository.SyncCompleted, trades, "")
}

func (a *Aggregator) markError(ctx context.Context, userID, venue string, cause error) {
	msg := "sync failed"
	if cause != nil {
		msg = faults.KindOf(cause).String()
	}
	a.putStatus(ctx, userID, venue, repository.SyncError, 0, msg)
}

func (a *Aggregator) putStatus(ctx context.Context, userID, venue, status string, trades int64, lastError string) {
	err := a.store.UpsertSyncStatus(ctx, &repository.SyncStatus{
		UserID:       userID,
		Venue:        venue,
		LastSyncTime: a.now().UTC(),
		Status:       status,
		TotalTrades:  trades,
		LastError:    lastError,
	})
	if err != nil {
		a.logger.Warn("sync status write failed", nil)
	}
}
