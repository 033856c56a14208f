package connector

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/telemetry"
)

// UnifiedConnector talks HMAC-signed REST to a crypto venue. Market type
// is an explicit per-call parameter; the shared session carries only
// authentication state. Venues flagged unified pool collateral in one
// wallet, so spot equity is summed over held currencies and swap equity
// is read from the unified USDT-equivalent block.
type UnifiedConnector struct {
	venue   string
	client  *signedClient
	unified bool
	logger  *telemetry.Logger

	mu      sync.Mutex
	markets []string
}

var unifiedFeatures = map[Feature]bool{
	FeatureBalance:          true,
	FeaturePositions:        true,
	FeatureTrades:           true,
	FeatureBalanceBreakdown: true,
	FeatureExecutedOrders:   true,
	FeatureFundingFees:      true,
	FeatureEarnBalance:      true,
}

// NewUnifiedConnector builds a connector for one crypto venue.
func NewUnifiedConnector(venue, baseURL string, creds Credentials, unified bool) *UnifiedConnector {
	return &UnifiedConnector{
		venue:   venue,
		client:  newSignedClient(baseURL, creds),
		unified: unified,
		logger:  telemetry.NewLogger("CONNECTOR"),
	}
}

// Venue returns the bound venue id.
func (u *UnifiedConnector) Venue() string { return u.venue }

// Supports reports the crypto capability set; historical summaries are a
// broker-only feature.
func (u *UnifiedConnector) Supports(feature Feature) bool { return unifiedFeatures[feature] }

// TestConnection performs one authenticated account read.
func (u *UnifiedConnector) TestConnection(ctx context.Context) error {
	var out struct {
		AccountID string `json:"account_id"`
	}
	return u.client.get(ctx, "/v1/account", nil, &out)
}

// Markets loads the instrument catalog once and reports the market types
// present in it.
func (u *UnifiedConnector) Markets(ctx context.Context) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.markets != nil {
		return append([]string(nil), u.markets...), nil
	}

	var catalog struct {
		Instruments []struct {
			Symbol string `json:"symbol"`
			Type   string `json:"type"`
		} `json:"instruments"`
	}
	if err := u.client.get(ctx, "/v1/instruments", nil, &catalog); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, inst := range catalog.Instruments {
		switch inst.Type {
		case repository.MarketSpot, repository.MarketSwap, repository.MarketFutures,
			repository.MarketOptions, repository.MarketMargin:
			seen[inst.Type] = true
		}
	}
	markets := make([]string, 0, len(seen))
	for m := range seen {
		markets = append(markets, m)
	}
	sort.Strings(markets)
	u.markets = markets
	return append([]string(nil), markets...), nil
}

type balanceBlock struct {
	TotalEquity     float64 `json:"total_equity"`
	AvailableMargin float64 `json:"available_margin"`
	UnrealizedPnl   float64 `json:"unrealized_pnl"`
}

func (b balanceBlock) toBalance() *Balance {
	return &Balance{
		TotalEquity:     b.TotalEquity,
		AvailableMargin: b.AvailableMargin,
		UnrealizedPnl:   b.UnrealizedPnl,
	}
}

// Balance fetches one market's balance. On unified venues spot and swap
// come from the pooled wallet views instead of the per-market endpoint.
func (u *UnifiedConnector) Balance(ctx context.Context, market string) (*Balance, error) {
	if u.unified {
		switch market {
		case repository.MarketSpot:
			return u.spotWalletBalance(ctx)
		case repository.MarketSwap:
			return u.unifiedWalletBalance(ctx)
		}
	}
	var out balanceBlock
	query := url.Values{"market": {market}}
	if err := u.client.get(ctx, "/v1/balance", query, &out); err != nil {
		return nil, err
	}
	return out.toBalance(), nil
}

func (u *UnifiedConnector) spotWalletBalance(ctx context.Context) (*Balance, error) {
	var wallet struct {
		Holdings []struct {
			Currency string  `json:"currency"`
			USDValue float64 `json:"usd_value"`
		} `json:"holdings"`
	}
	if err := u.client.get(ctx, "/v1/wallet/spot", nil, &wallet); err != nil {
		return nil, err
	}
	total := 0.0
	for _, h := range wallet.Holdings {
		total += h.USDValue
	}
	return &Balance{TotalEquity: total, AvailableMargin: total}, nil
}

func (u *UnifiedConnector) unifiedWalletBalance(ctx context.Context) (*Balance, error) {
	var wallet struct {
		USDTEquity    float64 `json:"usdt_equity"`
		Available     float64 `json:"available"`
		UnrealizedPnl float64 `json:"unrealized_pnl"`
	}
	if err := u.client.get(ctx, "/v1/wallet/unified", nil, &wallet); err != nil {
		return nil, err
	}
	return &Balance{
		TotalEquity:     wallet.USDTEquity,
		AvailableMargin: wallet.Available,
		UnrealizedPnl:   wallet.UnrealizedPnl,
	}, nil
}

// BalanceBreakdown fetches every market block in one call. Venues that
// compute a server-side roll-up include it under "global".
func (u *UnifiedConnector) BalanceBreakdown(ctx context.Context) (map[string]*Balance, error) {
	var out struct {
		Balances map[string]balanceBlock `json:"balances"`
	}
	if err := u.client.get(ctx, "/v1/balance/all", nil, &out); err != nil {
		return nil, err
	}
	breakdown := make(map[string]*Balance, len(out.Balances))
	for market, block := range out.Balances {
		breakdown[market] = block.toBalance()
	}
	return breakdown, nil
}

// Positions returns open positions with non-zero size.
func (u *UnifiedConnector) Positions(ctx context.Context) ([]Position, error) {
	var out struct {
		Positions []struct {
			Symbol        string  `json:"symbol"`
			Contracts     float64 `json:"contracts"`
			UnrealizedPnl float64 `json:"unrealized_pnl"`
		} `json:"positions"`
	}
	if err := u.client.get(ctx, "/v1/positions", nil, &out); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(out.Positions))
	for _, p := range out.Positions {
		if p.Contracts == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			Contracts:     p.Contracts,
			UnrealizedPnl: p.UnrealizedPnl,
		})
	}
	return positions, nil
}

// Fills walks symbol-by-symbol: the candidate set is the union of symbols
// seen in closed orders, open positions, and spot holdings, filtered to
// the requested market. Venues that refuse un-scoped fill queries are
// served correctly and per-fill timestamps survive for daily volume
// attribution.
func (u *UnifiedConnector) Fills(ctx context.Context, market string, since time.Time) ([]Fill, error) {
	symbols, err := u.candidateSymbols(ctx, market, since)
	if err != nil {
		return nil, err
	}

	var fills []Fill
	for _, symbol := range symbols {
		symbolFills, err := u.symbolFills(ctx, symbol, since)
		if err != nil {
			// One dead symbol must not sink the whole market.
			u.logger.Warn("symbol fill fetch failed", map[string]interface{}{
				"market": market,
			})
			continue
		}
		fills = append(fills, symbolFills...)
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].Timestamp.Before(fills[j].Timestamp) })
	return fills, nil
}

func (u *UnifiedConnector) candidateSymbols(ctx context.Context, market string, since time.Time) ([]string, error) {
	seen := map[string]bool{}

	var orders struct {
		Orders []struct {
			Symbol string `json:"symbol"`
		} `json:"orders"`
	}
	query := url.Values{
		"market": {market},
		"since":  {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	if err := u.client.get(ctx, "/v1/orders/closed", query, &orders); err != nil {
		return nil, err
	}
	for _, o := range orders.Orders {
		seen[o.Symbol] = true
	}

	positions, err := u.Positions(ctx)
	if err == nil {
		for _, p := range positions {
			if ClassifySymbol(p.Symbol) == market {
				seen[p.Symbol] = true
			}
		}
	}

	if market == repository.MarketSpot {
		var wallet struct {
			Holdings []struct {
				Currency string `json:"currency"`
			} `json:"holdings"`
		}
		if err := u.client.get(ctx, "/v1/wallet/spot", nil, &wallet); err == nil {
			for _, h := range wallet.Holdings {
				if h.Currency == "USDT" || h.Currency == "USD" {
					continue
				}
				seen[h.Currency+"/USDT"] = true
			}
		}
	}

	symbols := make([]string, 0, len(seen))
	for s := range seen {
		if ClassifySymbol(s) == market {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (u *UnifiedConnector) symbolFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	var out struct {
		Fills []struct {
			Symbol      string  `json:"symbol"`
			TimestampMs int64   `json:"timestamp_ms"`
			Side        string  `json:"side"`
			Price       float64 `json:"price"`
			Amount      float64 `json:"amount"`
			Cost        float64 `json:"cost"`
			Fee         float64 `json:"fee"`
		} `json:"fills"`
	}
	query := url.Values{
		"symbol": {symbol},
		"since":  {strconv.FormatInt(since.UnixMilli(), 10)},
	}
	if err := u.client.get(ctx, "/v1/fills", query, &out); err != nil {
		return nil, err
	}
	fills := make([]Fill, 0, len(out.Fills))
	for _, f := range out.Fills {
		ts := time.UnixMilli(f.TimestampMs).UTC()
		if ts.Before(since) {
			continue
		}
		fills = append(fills, Fill{
			Symbol:    f.Symbol,
			Timestamp: ts,
			Side:      f.Side,
			Price:     f.Price,
			Amount:    f.Amount,
			Cost:      f.Cost,
			Fee:       f.Fee,
		})
	}
	return fills, nil
}

// FundingFees sums funding payments per perpetual symbol.
func (u *UnifiedConnector) FundingFees(ctx context.Context, symbols []string, since time.Time) (float64, error) {
	total := 0.0
	for _, symbol := range symbols {
		if !IsPerpetual(symbol) {
			continue
		}
		var out struct {
			Payments []struct {
				Amount float64 `json:"amount"`
			} `json:"payments"`
		}
		query := url.Values{
			"symbol": {symbol},
			"since":  {strconv.FormatInt(since.UnixMilli(), 10)},
		}
		if err := u.client.get(ctx, "/v1/funding", query, &out); err != nil {
			return 0, err
		}
		for _, p := range out.Payments {
			total += p.Amount
		}
	}
	return total, nil
}

// EarnBalance reads equity parked in earn or staking pools. Venues
// without the endpoint answer NOT_FOUND, which callers treat as zero.
func (u *UnifiedConnector) EarnBalance(ctx context.Context) (float64, error) {
	var out struct {
		TotalUSD float64 `json:"total_usd"`
	}
	if err := u.client.get(ctx, "/v1/earn/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.TotalUSD, nil
}

// HistoricalSummaries is not part of the crypto capability set.
func (u *UnifiedConnector) HistoricalSummaries(ctx context.Context, start, end time.Time) ([]DailySummary, error) {
	return nil, faults.Newf(faults.KindInvalidInput, "venue %s has no historical summaries", u.venue)
}

// Close wipes credentials.
func (u *UnifiedConnector) Close() { u.client.wipe() }
