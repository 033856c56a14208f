package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equivault/enclave-worker/internal/config"
	"github.com/equivault/enclave-worker/internal/connector"
	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/vault"
)

// ============================================================================
// FAKES
// ============================================================================

// fakeConnector scripts the venue surface for aggregation tests.
type fakeConnector struct {
	venue     string
	features  map[connector.Feature]bool
	markets   []string
	balances  map[string]*connector.Balance
	breakdown map[string]*connector.Balance
	positions []connector.Position
	fills     map[string][]connector.Fill
	funding   float64
	earn      float64
	summaries []connector.DailySummary

	balanceErr map[string]error
	marketsErr error

	fundingCalls [][]string
	fillsSince   []time.Time
	summaryPulls int
}

func (f *fakeConnector) Venue() string { return f.venue }

func (f *fakeConnector) Supports(feature connector.Feature) bool { return f.features[feature] }

func (f *fakeConnector) TestConnection(ctx context.Context) error { return nil }

func (f *fakeConnector) Markets(ctx context.Context) ([]string, error) {
	if f.marketsErr != nil {
		return nil, f.marketsErr
	}
	return f.markets, nil
}

func (f *fakeConnector) Balance(ctx context.Context, market string) (*connector.Balance, error) {
	if err := f.balanceErr[market]; err != nil {
		return nil, err
	}
	if b, ok := f.balances[market]; ok {
		return b, nil
	}
	return &connector.Balance{}, nil
}

func (f *fakeConnector) BalanceBreakdown(ctx context.Context) (map[string]*connector.Balance, error) {
	if f.breakdown == nil {
		return nil, faults.New(faults.KindInvalidInput, "no breakdown")
	}
	return f.breakdown, nil
}

func (f *fakeConnector) Positions(ctx context.Context) ([]connector.Position, error) {
	return f.positions, nil
}

func (f *fakeConnector) Fills(ctx context.Context, market string, since time.Time) ([]connector.Fill, error) {
	f.fillsSince = append(f.fillsSince, since)
	return f.fills[market], nil
}

func (f *fakeConnector) FundingFees(ctx context.Context, symbols []string, since time.Time) (float64, error) {
	f.fundingCalls = append(f.fundingCalls, symbols)
	return f.funding, nil
}

func (f *fakeConnector) EarnBalance(ctx context.Context) (float64, error) { return f.earn, nil }

func (f *fakeConnector) HistoricalSummaries(ctx context.Context, start, end time.Time) ([]connector.DailySummary, error) {
	f.summaryPulls++
	return f.summaries, nil
}

func (f *fakeConnector) Close() {}

// fakeSource hands out one scripted connector and records the decrypted
// credentials it was given.
type fakeSource struct {
	conn      connector.Connector
	lastCreds connector.Credentials
}

func (s *fakeSource) Get(ctx context.Context, venue, fingerprint string, creds connector.Credentials) (connector.Connector, error) {
	s.lastCreds = creds
	return s.conn, nil
}

// ============================================================================
// SETUP
// ============================================================================

var testNow = time.Date(2026, 8, 24, 14, 37, 12, 0, time.UTC)

func newTestAggregator(t *testing.T, conn connector.Connector) (*Aggregator, repository.Store, *fakeSource) {
	t.Helper()
	store := repository.NewMemoryStore()
	v, err := vault.New("test-master", nil)
	require.NoError(t, err)

	source := &fakeSource{conn: conn}
	agg := New(store, v, source, config.VenuePolicy{Venues: map[string]config.VenueEntry{}}, nil)
	agg.now = func() time.Time { return testNow }

	encKey, err := v.Encrypt([]byte("api-key"))
	require.NoError(t, err)
	encSecret, err := v.Encrypt([]byte("api-secret"))
	require.NoError(t, err)

	require.NoError(t, store.UpsertUser(context.Background(), &repository.User{
		ID: "u1", SyncIntervalMinutes: 60,
	}))
	require.NoError(t, store.CreateConnection(context.Background(), &repository.Connection{
		UserID: "u1", Venue: "binance", Label: "main",
		EncryptedKey: encKey, EncryptedSecret: encSecret,
		Fingerprint: "fp", Active: true,
	}))
	return agg, store, source
}

func cryptoFake() *fakeConnector {
	return &fakeConnector{
		venue: "binance",
		features: map[connector.Feature]bool{
			connector.FeatureBalance:   true,
			connector.FeaturePositions: true,
			connector.FeatureTrades:    true,
		},
		markets: []string{repository.MarketSpot, repository.MarketSwap},
		balances: map[string]*connector.Balance{
			repository.MarketSpot: {TotalEquity: 4000, AvailableMargin: 4000},
			repository.MarketSwap: {TotalEquity: 6000, AvailableMargin: 5000},
		},
		positions: []connector.Position{
			{Symbol: "BTC/USDT:USDT", Contracts: 1.5, UnrealizedPnl: 250},
			{Symbol: "ETH/USDT:USDT", Contracts: 0, UnrealizedPnl: 999},
		},
		fills: map[string][]connector.Fill{
			repository.MarketSwap: {
				{Symbol: "BTC/USDT:USDT", Timestamp: testNow.Add(-time.Hour), Price: 60000, Amount: 0.1, Fee: 2.4},
			},
			repository.MarketSpot: {
				{Symbol: "ETH/USDT", Timestamp: testNow.Add(-2 * time.Hour), Cost: 3000, Fee: 1.5},
			},
		},
	}
}

// ============================================================================
// CURRENT SNAPSHOT
// ============================================================================

func TestSync_RealizedBalanceIdentity(t *testing.T) {
	agg, store, _ := newTestAggregator(t, cryptoFake())

	result, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)
	require.NotNil(t, result.Latest)
	assert.Equal(t, 1, result.SnapshotsCreated)

	snap := result.Latest
	assert.Equal(t, 10000.0, snap.TotalEquity)
	assert.Equal(t, 250.0, snap.UnrealizedPnl, "flat positions contribute nothing")
	assert.InDelta(t, snap.TotalEquity-snap.UnrealizedPnl, snap.RealizedBalance, 1e-6)

	// Hourly interval truncates to the hour.
	assert.Equal(t, time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC), snap.Timestamp)

	stored, err := store.GetSnapshot(context.Background(), "u1", "binance", snap.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, snap.TotalEquity, stored.TotalEquity)
}

func TestSync_Breakdown(t *testing.T) {
	fake := cryptoFake()
	agg, _, _ := newTestAggregator(t, fake)

	result, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)

	breakdown := result.Latest.Breakdown
	require.Contains(t, breakdown, repository.MarketGlobal)
	require.Contains(t, breakdown, repository.MarketSpot)
	require.Contains(t, breakdown, repository.MarketSwap)

	global := breakdown[repository.MarketGlobal]
	assert.Equal(t, 10000.0, global.Equity)
	assert.InDelta(t, 6000+3000, global.Volume, 1e-9, "global volume sums market volumes")
	assert.Equal(t, int64(2), global.Trades)
	assert.InDelta(t, 2.4+1.5, global.TradingFees, 1e-9)

	swap := breakdown[repository.MarketSwap]
	assert.Equal(t, 6000.0, swap.Equity)
	assert.InDelta(t, 6000.0, swap.Volume, 1e-9, "volume derives from price*amount when cost is absent")
	assert.Equal(t, int64(1), swap.Trades)
}

func TestSync_FillsWindowStartsAtMidnightUTC(t *testing.T) {
	fake := cryptoFake()
	agg, _, _ := newTestAggregator(t, fake)

	_, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)

	require.NotEmpty(t, fake.fillsSince)
	midnight := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	for _, since := range fake.fillsSince {
		assert.Equal(t, midnight, since)
	}
}

func TestSync_IdempotentWithinGridInstant(t *testing.T) {
	agg, store, _ := newTestAggregator(t, cryptoFake())
	ctx := context.Background()

	first, err := agg.Sync(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, 1, first.SnapshotsCreated)

	second, err := agg.Sync(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, 0, second.SnapshotsCreated, "re-running within the grid instant overwrites, never duplicates")

	snaps, err := store.ListSnapshots(ctx, "u1", repository.SnapshotFilter{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestSync_DailyIntervalSnapsToMidnight(t *testing.T) {
	agg, store, _ := newTestAggregator(t, cryptoFake())
	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &repository.User{ID: "u1", SyncIntervalMinutes: 1440}))

	result, err := agg.Sync(ctx, "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), result.Latest.Timestamp)
}

func TestSync_FailingMarketContributesZero(t *testing.T) {
	fake := cryptoFake()
	fake.balanceErr = map[string]error{
		repository.MarketSpot: faults.New(faults.KindUpstreamUnavailable, "spot endpoint down"),
	}
	agg, _, _ := newTestAggregator(t, fake)

	result, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err, "one failing market must not sink the pass while global equity is positive")
	assert.Equal(t, 6000.0, result.Latest.TotalEquity)
	assert.Equal(t, 0.0, result.Latest.Breakdown[repository.MarketSpot].Equity,
		"a failing market contributes zero equity")
}

func TestSync_RefusesZeroEquity(t *testing.T) {
	fake := cryptoFake()
	fake.balances = map[string]*connector.Balance{}
	fake.fills = nil
	agg, store, _ := newTestAggregator(t, fake)

	_, err := agg.Sync(context.Background(), "u1", "binance")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindUpstreamUnavailable))

	snaps, err := store.ListSnapshots(context.Background(), "u1", repository.SnapshotFilter{})
	require.NoError(t, err)
	assert.Empty(t, snaps, "a zero-equity reading must never be persisted")

	status, err := store.GetSyncStatus(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, repository.SyncError, status.Status)
}

func TestSync_NoActiveConnection(t *testing.T) {
	agg, _, _ := newTestAggregator(t, cryptoFake())

	_, err := agg.Sync(context.Background(), "u1", "kraken")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestSync_PolicyFiltersMarkets(t *testing.T) {
	fake := cryptoFake()
	agg, _, _ := newTestAggregator(t, fake)
	agg.policy = config.VenuePolicy{Venues: map[string]config.VenueEntry{
		"binance": {Markets: []string{repository.MarketSwap}},
	}}

	result, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, 6000.0, result.Latest.TotalEquity, "policy-excluded markets contribute nothing")
	_, hasSpot := result.Latest.Breakdown[repository.MarketSpot]
	assert.False(t, hasSpot)
}

func TestSync_PolicyAdmittingNothingIsInvalid(t *testing.T) {
	agg, _, _ := newTestAggregator(t, cryptoFake())
	agg.policy = config.VenuePolicy{Venues: map[string]config.VenueEntry{
		"binance": {Markets: []string{repository.MarketForex}},
	}}

	_, err := agg.Sync(context.Background(), "u1", "binance")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindInvalidInput))
}

func TestSync_FundingFeesLandOnSwap(t *testing.T) {
	fake := cryptoFake()
	fake.features[connector.FeatureFundingFees] = true
	fake.funding = -12.5
	agg, _, _ := newTestAggregator(t, fake)

	result, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)

	assert.Equal(t, -12.5, result.Latest.Breakdown[repository.MarketSwap].FundingFees)
	assert.Equal(t, -12.5, result.Latest.Breakdown[repository.MarketGlobal].FundingFees)
	assert.Equal(t, 0.0, result.Latest.Breakdown[repository.MarketSpot].FundingFees)

	require.Len(t, fake.fundingCalls, 1)
	assert.Equal(t, []string{"BTC/USDT:USDT"}, fake.fundingCalls[0],
		"only perpetual symbols seen in fills are queried")
}

func TestSync_EarnBalanceJoinsEquity(t *testing.T) {
	fake := cryptoFake()
	fake.features[connector.FeatureEarnBalance] = true
	fake.earn = 500
	agg, _, _ := newTestAggregator(t, fake)

	result, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, 10500.0, result.Latest.TotalEquity)
	assert.Equal(t, 500.0, result.Latest.Breakdown[repository.MarketEarn].Equity)
}

func TestSync_ServerSideGlobalBlockWins(t *testing.T) {
	fake := cryptoFake()
	fake.features[connector.FeatureBalanceBreakdown] = true
	fake.breakdown = map[string]*connector.Balance{
		repository.MarketGlobal: {TotalEquity: 11111, AvailableMargin: 9999},
		repository.MarketSpot:   {TotalEquity: 4000},
		repository.MarketSwap:   {TotalEquity: 6000},
	}
	agg, _, _ := newTestAggregator(t, fake)

	result, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, 11111.0, result.Latest.TotalEquity,
		"the venue's own roll-up is authoritative over summation")
	assert.Equal(t, 9999.0, result.Latest.Breakdown[repository.MarketGlobal].AvailableMargin)
}

func TestSync_MarksStatusCompleted(t *testing.T) {
	agg, store, _ := newTestAggregator(t, cryptoFake())

	_, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)

	status, err := store.GetSyncStatus(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, repository.SyncCompleted, status.Status)
	assert.Equal(t, int64(2), status.TotalTrades)
}

func TestSync_DecryptsStoredCredentials(t *testing.T) {
	agg, _, source := newTestAggregator(t, cryptoFake())

	_, err := agg.Sync(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.Equal(t, "api-key", source.lastCreds.Key)
	assert.Equal(t, "api-secret", source.lastCreds.Secret)
}

// ============================================================================
// HISTORICAL BACKFILL
// ============================================================================

func brokerFake() *fakeConnector {
	day := func(d int) time.Time { return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC) }
	return &fakeConnector{
		venue: "broker-x",
		features: map[connector.Feature]bool{
			connector.FeatureBalance:             true,
			connector.FeaturePositions:           true,
			connector.FeatureTrades:              true,
			connector.FeatureHistoricalSummaries: true,
		},
		markets: []string{repository.MarketStocks},
		balances: map[string]*connector.Balance{
			repository.MarketStocks: {TotalEquity: 101000, UnrealizedPnl: 800},
		},
		summaries: []connector.DailySummary{
			{Date: day(20), TotalEquity: 100000, UnrealizedPnl: 1500, Deposits: 5000},
			{Date: day(21), TotalEquity: 0}, // closed day, no statement equity
			{Date: day(22), TotalEquity: 100500, UnrealizedPnl: -200, Withdrawals: 1200},
		},
	}
}

func newBrokerAggregator(t *testing.T) (*Aggregator, repository.Store, *fakeConnector) {
	t.Helper()
	fake := brokerFake()
	store := repository.NewMemoryStore()
	v, err := vault.New("test-master", nil)
	require.NoError(t, err)

	agg := New(store, v, &fakeSource{conn: fake}, config.VenuePolicy{Venues: map[string]config.VenueEntry{}}, nil)
	agg.now = func() time.Time { return testNow }

	encKey, err := v.Encrypt([]byte("token"))
	require.NoError(t, err)
	encSecret, err := v.Encrypt([]byte("q42"))
	require.NoError(t, err)
	require.NoError(t, store.CreateConnection(context.Background(), &repository.Connection{
		UserID: "u1", Venue: "broker-x", Label: "ira",
		EncryptedKey: encKey, EncryptedSecret: encSecret,
		Fingerprint: "fp", Active: true,
	}))
	return agg, store, fake
}

func TestSync_BackfillPlusCurrent(t *testing.T) {
	agg, store, _ := newBrokerAggregator(t)
	ctx := context.Background()

	result, err := agg.Sync(ctx, "u1", "broker-x")
	require.NoError(t, err)
	// Two historical days (the zero-equity day is skipped) plus today.
	assert.Equal(t, 3, result.SnapshotsCreated)

	snaps, err := store.ListSnapshots(ctx, "u1", repository.SnapshotFilter{})
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	// Historical rows land at 00:00 UTC of their reporting date and carry
	// the identity between realized balance and equity.
	oldest := snaps[len(snaps)-1]
	assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), oldest.Timestamp)
	assert.InDelta(t, oldest.TotalEquity-oldest.UnrealizedPnl, oldest.RealizedBalance, 1e-6)
	assert.Equal(t, 5000.0, oldest.Deposits)
}

func TestSync_BackfillRerunCreatesNothing(t *testing.T) {
	agg, store, fake := newBrokerAggregator(t)
	ctx := context.Background()

	first, err := agg.Sync(ctx, "u1", "broker-x")
	require.NoError(t, err)
	assert.Equal(t, 3, first.SnapshotsCreated)
	assert.Equal(t, 1, fake.summaryPulls)

	second, err := agg.Sync(ctx, "u1", "broker-x")
	require.NoError(t, err)
	assert.Equal(t, 0, second.SnapshotsCreated, "existing rows are overwritten in place, not re-counted")
	assert.Equal(t, 1, fake.summaryPulls, "the statement pull only runs while the pair has no history")

	snaps, err := store.ListSnapshots(ctx, "u1", repository.SnapshotFilter{})
	require.NoError(t, err)
	assert.Len(t, snaps, 3)

	// Gap repair stays available through the explicit backfill.
	_, err = agg.BackfillHistorical(ctx, "u1", "broker-x")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.summaryPulls)
}

func TestBackfillHistorical_RefusedWithoutCapability(t *testing.T) {
	agg, _, _ := newTestAggregator(t, cryptoFake())

	_, err := agg.BackfillHistorical(context.Background(), "u1", "binance")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindInvalidInput))
}

// ============================================================================
// GRID TIMESTAMPS
// ============================================================================

func TestGridTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 24, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC), gridTimestamp(now, time.Hour))
	assert.Equal(t, time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC), gridTimestamp(now, 30*time.Minute))
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), gridTimestamp(now, 24*time.Hour))
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), gridTimestamp(now, 48*time.Hour),
		"anything daily or slower snaps to midnight")
}
