package connector

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/telemetry"
)

const (
	// flexMaxPollAttempts bounds the retrieval loop: a statement that is
	// still not ready after the final attempt raises UPSTREAM_UNAVAILABLE.
	flexMaxPollAttempts = 20
	flexPollInterval    = 500 * time.Millisecond

	// flexNotReadyCode is the provider's "statement still generating"
	// error code on the retrieval endpoint.
	flexNotReadyCode = 1019
)

// FlexStatement is one parsed broker statement document.
type FlexStatement struct {
	Summaries []FlexSummary
	Trades    []FlexTrade
	Positions []FlexPosition
	Cash      []FlexCash
}

// FlexSummary is one reporting-date equity row.
type FlexSummary struct {
	Date          time.Time
	Total         float64
	Cash          float64
	UnrealizedPnl float64
}

// FlexTrade is one executed trade row.
type FlexTrade struct {
	Symbol    string
	Timestamp time.Time
	Quantity  float64
	Price     float64
	Proceeds  float64
	Fee       float64
}

// FlexPosition is one open position row.
type FlexPosition struct {
	Symbol        string
	Quantity      float64
	UnrealizedPnl float64
}

// FlexCash is one cash transaction row.
type FlexCash struct {
	Type      string
	Amount    float64
	Timestamp time.Time
}

// FlexConnector pulls account statements from a report-style broker API.
// The protocol is two-step: submit a request for (token, query-id),
// receive a reference code, then poll the retrieval endpoint until the
// document is ready. The shared ReportCache coalesces concurrent pulls.
type FlexConnector struct {
	venue   string
	baseURL string
	token   string
	queryID string
	http    *http.Client
	limiter *rate.Limiter
	cache   *ReportCache
	logger  *telemetry.Logger

	pollInterval time.Duration
}

var flexFeatures = map[Feature]bool{
	FeatureBalance:             true,
	FeaturePositions:           true,
	FeatureTrades:              true,
	FeatureHistoricalSummaries: true,
}

// NewFlexConnector builds a report-pull connector. Credentials carry the
// statement token in Key and the query id in Secret.
func NewFlexConnector(venue, baseURL string, creds Credentials, cache *ReportCache) *FlexConnector {
	return &FlexConnector{
		venue:        venue,
		baseURL:      baseURL,
		token:        creds.Key,
		queryID:      creds.Secret,
		http:         &http.Client{Timeout: defaultRequestTimeout},
		limiter:      rate.NewLimiter(rate.Limit(1), 2),
		cache:        cache,
		logger:       telemetry.NewLogger("CONNECTOR"),
		pollInterval: flexPollInterval,
	}
}

// Venue returns the bound venue id.
func (f *FlexConnector) Venue() string { return f.venue }

// Supports reports the broker capability set.
func (f *FlexConnector) Supports(feature Feature) bool { return flexFeatures[feature] }

// ============================================================================
// WIRE PROTOCOL
// ============================================================================

type flexSubmitResponse struct {
	XMLName       xml.Name `xml:"FlexStatementResponse"`
	Status        string   `xml:"Status"`
	ReferenceCode string   `xml:"ReferenceCode"`
	ErrorCode     int      `xml:"ErrorCode"`
	ErrorMessage  string   `xml:"ErrorMessage"`
}

type flexDocument struct {
	XMLName    xml.Name `xml:"FlexQueryResponse"`
	Statements []struct {
		Summaries []flexSummaryXML  `xml:"EquitySummaryInBase>EquitySummary"`
		Trades    []flexTradeXML    `xml:"Trades>Trade"`
		Positions []flexPositionXML `xml:"OpenPositions>OpenPosition"`
		Cash      []flexCashXML     `xml:"CashTransactions>CashTransaction"`
	} `xml:"FlexStatements>FlexStatement"`
}

type flexSummaryXML struct {
	ReportDate string  `xml:"reportDate,attr"`
	Total      float64 `xml:"total,attr"`
	TotalCash  float64 `xml:"totalCash,attr"`
	Unrealized float64 `xml:"unrealized,attr"`
}

type flexTradeXML struct {
	Symbol   string  `xml:"symbol,attr"`
	DateTime string  `xml:"dateTime,attr"`
	Quantity float64 `xml:"quantity,attr"`
	Price    float64 `xml:"tradePrice,attr"`
	Proceeds float64 `xml:"proceeds,attr"`
	Fee      float64 `xml:"commission,attr"`
}

type flexPositionXML struct {
	Symbol     string  `xml:"symbol,attr"`
	Position   float64 `xml:"position,attr"`
	Unrealized float64 `xml:"unrealizedPnl,attr"`
}

type flexCashXML struct {
	Type     string  `xml:"type,attr"`
	Amount   float64 `xml:"amount,attr"`
	DateTime string  `xml:"dateTime,attr"`
}

func (f *FlexConnector) getRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, faults.Wrap(faults.KindInternal, "rate limiter wait", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "build request", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindUpstreamUnavailable, "broker request failed", err)
	}
	defer resp.Body.Close()
	if fault := classifyStatus(resp.StatusCode); fault != nil {
		return nil, fault
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, faults.Wrap(faults.KindUpstreamUnavailable, "read broker response", err)
	}
	return raw, nil
}

func (f *FlexConnector) getXML(ctx context.Context, path string, query url.Values, out interface{}) error {
	raw, err := f.getRaw(ctx, path, query)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(raw, out); err != nil {
		return faults.Wrap(faults.KindUpstreamUnavailable, "decode broker response", err)
	}
	return nil
}

// statement returns the parsed document, via the shared cache.
func (f *FlexConnector) statement(ctx context.Context) (*FlexStatement, error) {
	key := f.token + "|" + f.queryID
	return f.cache.Get(ctx, key, f.fetchStatement)
}

// fetchStatement runs the two-step submit-then-poll protocol.
func (f *FlexConnector) fetchStatement(ctx context.Context) (*FlexStatement, error) {
	var submitted flexSubmitResponse
	query := url.Values{"t": {f.token}, "q": {f.queryID}, "v": {"3"}}
	if err := f.getXML(ctx, "/SendRequest", query, &submitted); err != nil {
		return nil, err
	}
	if submitted.Status != "Success" || submitted.ReferenceCode == "" {
		if submitted.ErrorCode == 1012 || submitted.ErrorCode == 1015 {
			return nil, faults.Newf(faults.KindAuth, "broker rejected token (code %d)", submitted.ErrorCode)
		}
		return nil, faults.Newf(faults.KindUpstreamUnavailable,
			"broker refused statement request (code %d)", submitted.ErrorCode)
	}

	pollQuery := url.Values{"t": {f.token}, "q": {submitted.ReferenceCode}, "v": {"3"}}
	for attempt := 1; attempt <= flexMaxPollAttempts; attempt++ {
		raw, err := f.getRaw(ctx, "/GetStatement", pollQuery)
		if err != nil {
			return nil, err
		}

		var doc flexDocument
		if xml.Unmarshal(raw, &doc) == nil && len(doc.Statements) > 0 {
			return parseFlexDocument(&doc)
		}

		// Not a statement document: the body is the "still generating"
		// envelope, or something the broker should explain.
		var pending flexSubmitResponse
		if xml.Unmarshal(raw, &pending) != nil {
			return nil, faults.New(faults.KindUpstreamUnavailable, "broker returned an unreadable statement body")
		}
		if pending.ErrorCode != 0 && pending.ErrorCode != flexNotReadyCode {
			return nil, faults.Newf(faults.KindUpstreamUnavailable,
				"broker statement failed (code %d)", pending.ErrorCode)
		}
		if attempt == flexMaxPollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, faults.Wrap(faults.KindInternal, "statement poll cancelled", ctx.Err())
		case <-time.After(f.pollInterval):
		}
	}
	return nil, faults.Newf(faults.KindUpstreamUnavailable,
		"broker statement not ready after %d attempts", flexMaxPollAttempts)
}

func parseFlexDocument(doc *flexDocument) (*FlexStatement, error) {
	out := &FlexStatement{}
	for _, st := range doc.Statements {
		for _, s := range st.Summaries {
			date, err := time.Parse("20060102", s.ReportDate)
			if err != nil {
				return nil, faults.Wrap(faults.KindUpstreamUnavailable,
					fmt.Sprintf("bad report date %q", s.ReportDate), err)
			}
			out.Summaries = append(out.Summaries, FlexSummary{
				Date:          date.UTC(),
				Total:         s.Total,
				Cash:          s.TotalCash,
				UnrealizedPnl: s.Unrealized,
			})
		}
		for _, t := range st.Trades {
			ts, _ := time.Parse("20060102;150405", t.DateTime)
			out.Trades = append(out.Trades, FlexTrade{
				Symbol:    t.Symbol,
				Timestamp: ts.UTC(),
				Quantity:  t.Quantity,
				Price:     t.Price,
				Proceeds:  t.Proceeds,
				Fee:       t.Fee,
			})
		}
		for _, p := range st.Positions {
			out.Positions = append(out.Positions, FlexPosition{
				Symbol:        p.Symbol,
				Quantity:      p.Position,
				UnrealizedPnl: p.Unrealized,
			})
		}
		for _, c := range st.Cash {
			ts, _ := time.Parse("20060102;150405", c.DateTime)
			out.Cash = append(out.Cash, FlexCash{
				Type:      c.Type,
				Amount:    c.Amount,
				Timestamp: ts.UTC(),
			})
		}
	}
	return out, nil
}

// ============================================================================
// CONNECTOR SURFACE
// ============================================================================

// TestConnection submits a statement request without polling for the
// document; a valid reference code proves the token works.
func (f *FlexConnector) TestConnection(ctx context.Context) error {
	var submitted flexSubmitResponse
	query := url.Values{"t": {f.token}, "q": {f.queryID}, "v": {"3"}}
	if err := f.getXML(ctx, "/SendRequest", query, &submitted); err != nil {
		return err
	}
	if submitted.Status != "Success" {
		return faults.Newf(faults.KindAuth, "broker rejected token (code %d)", submitted.ErrorCode)
	}
	return nil
}

// Markets reports the broker as a monolithic stocks venue.
func (f *FlexConnector) Markets(ctx context.Context) ([]string, error) {
	return []string{repository.MarketStocks}, nil
}

// Balance answers from the newest summary row in the statement.
func (f *FlexConnector) Balance(ctx context.Context, market string) (*Balance, error) {
	st, err := f.statement(ctx)
	if err != nil {
		return nil, err
	}
	if len(st.Summaries) == 0 {
		return &Balance{}, nil
	}
	latest := st.Summaries[0]
	for _, s := range st.Summaries[1:] {
		if s.Date.After(latest.Date) {
			latest = s
		}
	}
	return &Balance{
		TotalEquity:     latest.Total,
		AvailableMargin: latest.Cash,
		UnrealizedPnl:   latest.UnrealizedPnl,
	}, nil
}

// BalanceBreakdown is not part of the broker capability set.
func (f *FlexConnector) BalanceBreakdown(ctx context.Context) (map[string]*Balance, error) {
	return nil, faults.Newf(faults.KindInvalidInput, "venue %s has no balance breakdown", f.venue)
}

// Positions maps the statement's open positions.
func (f *FlexConnector) Positions(ctx context.Context) ([]Position, error) {
	st, err := f.statement(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(st.Positions))
	for _, p := range st.Positions {
		if p.Quantity == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			Contracts:     p.Quantity,
			UnrealizedPnl: p.UnrealizedPnl,
		})
	}
	return positions, nil
}

// Fills maps statement trades at or after the given instant.
func (f *FlexConnector) Fills(ctx context.Context, market string, since time.Time) ([]Fill, error) {
	st, err := f.statement(ctx)
	if err != nil {
		return nil, err
	}
	var fills []Fill
	for _, t := range st.Trades {
		if t.Timestamp.Before(since) {
			continue
		}
		amount := t.Quantity
		if amount < 0 {
			amount = -amount
		}
		cost := t.Proceeds
		if cost < 0 {
			cost = -cost
		}
		fee := t.Fee
		if fee < 0 {
			fee = -fee
		}
		fills = append(fills, Fill{
			Symbol:    t.Symbol,
			Timestamp: t.Timestamp,
			Price:     t.Price,
			Amount:    amount,
			Cost:      cost,
			Fee:       fee,
		})
	}
	return fills, nil
}

// FundingFees is not part of the broker capability set.
func (f *FlexConnector) FundingFees(ctx context.Context, symbols []string, since time.Time) (float64, error) {
	return 0, nil
}

// EarnBalance is not part of the broker capability set.
func (f *FlexConnector) EarnBalance(ctx context.Context) (float64, error) {
	return 0, faults.Newf(faults.KindInvalidInput, "venue %s has no earn balance", f.venue)
}

// HistoricalSummaries maps each reporting-date row in the range.
func (f *FlexConnector) HistoricalSummaries(ctx context.Context, start, end time.Time) ([]DailySummary, error) {
	st, err := f.statement(ctx)
	if err != nil {
		return nil, err
	}
	deposits, withdrawals := cashByDate(st.Cash)
	var out []DailySummary
	for _, s := range st.Summaries {
		if s.Date.Before(start) || s.Date.After(end) {
			continue
		}
		day := s.Date.Format("20060102")
		out = append(out, DailySummary{
			Date:            s.Date,
			TotalEquity:     s.Total,
			RealizedBalance: s.Total - s.UnrealizedPnl,
			UnrealizedPnl:   s.UnrealizedPnl,
			Deposits:        deposits[day],
			Withdrawals:     withdrawals[day],
		})
	}
	return out, nil
}

func cashByDate(cash []FlexCash) (deposits, withdrawals map[string]float64) {
	deposits = map[string]float64{}
	withdrawals = map[string]float64{}
	for _, c := range cash {
		if c.Type != "Deposits/Withdrawals" {
			continue
		}
		day := c.Timestamp.Format("20060102")
		if c.Amount >= 0 {
			deposits[day] += c.Amount
		} else {
			withdrawals[day] += -c.Amount
		}
	}
	return deposits, withdrawals
}

// Close wipes the token.
func (f *FlexConnector) Close() {
	f.token = ""
	f.queryID = ""
	f.http.CloseIdleConnections()
}
