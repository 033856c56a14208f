package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/repository"
)

const flexSampleDocument = `<FlexQueryResponse queryName="daily" type="AF">
  <FlexStatements count="1">
    <FlexStatement accountId="U1234567">
      <EquitySummaryInBase>
        <EquitySummary reportDate="20260822" total="100000.50" totalCash="25000" unrealized="1500.25"/>
        <EquitySummary reportDate="20260823" total="101250.75" totalCash="24000" unrealized="-300.50"/>
      </EquitySummaryInBase>
      <Trades>
        <Trade symbol="AAPL" dateTime="20260823;143005" quantity="-10" tradePrice="225.10" proceeds="2251.00" commission="-1.05"/>
        <Trade symbol="MSFT" dateTime="20260823;150210" quantity="5" tradePrice="410.00" proceeds="-2050.00" commission="-1.00"/>
      </Trades>
      <OpenPositions>
        <OpenPosition symbol="AAPL" position="90" unrealizedPnl="1200.00"/>
        <OpenPosition symbol="GOOG" position="0" unrealizedPnl="0"/>
      </OpenPositions>
      <CashTransactions>
        <CashTransaction type="Deposits/Withdrawals" amount="5000" dateTime="20260822;090000"/>
        <CashTransaction type="Deposits/Withdrawals" amount="-1200" dateTime="20260823;100000"/>
        <CashTransaction type="Other Fees" amount="-10" dateTime="20260823;110000"/>
      </CashTransactions>
    </FlexStatement>
  </FlexStatements>
</FlexQueryResponse>`

const flexNotReadyBody = `<FlexStatementResponse timestamp="24 August, 2026 10:00 AM EDT">
  <Status>Warn</Status>
  <ErrorCode>1019</ErrorCode>
  <ErrorMessage>Statement generation in progress. Please try again shortly.</ErrorMessage>
</FlexStatementResponse>`

// flexStub serves the two-step report protocol: SendRequest hands out a
// reference code, GetStatement answers not-ready until readyAfter polls
// have happened.
type flexStub struct {
	readyAfter  int32
	polls       int32
	submitBody  string
	document    string
	failureBody string
}

func (s *flexStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
		if s.submitBody != "" {
			fmt.Fprint(w, s.submitBody)
			return
		}
		fmt.Fprint(w, `<FlexStatementResponse><Status>Success</Status><ReferenceCode>REF123</ReferenceCode></FlexStatementResponse>`)
	})
	mux.HandleFunc("/GetStatement", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&s.polls, 1)
		if s.failureBody != "" {
			fmt.Fprint(w, s.failureBody)
			return
		}
		if n <= s.readyAfter {
			fmt.Fprint(w, flexNotReadyBody)
			return
		}
		if s.document != "" {
			fmt.Fprint(w, s.document)
			return
		}
		fmt.Fprint(w, flexSampleDocument)
	})
	return mux
}

func newTestFlexConnector(t *testing.T, stub *flexStub) (*FlexConnector, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	conn := NewFlexConnector("broker-x", server.URL, Credentials{Key: "token", Secret: "q42"}, NewReportCache(nil))
	conn.limiter = rate.NewLimiter(rate.Inf, 1)
	conn.pollInterval = time.Millisecond
	return conn, server
}

func TestFlexConnector_StatementReadyImmediately(t *testing.T) {
	conn, _ := newTestFlexConnector(t, &flexStub{})

	st, err := conn.statement(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Summaries, 2)
	require.Len(t, st.Trades, 2)
	require.Len(t, st.Positions, 2)
	require.Len(t, st.Cash, 3)

	assert.Equal(t, time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC), st.Summaries[0].Date)
	assert.Equal(t, 100000.50, st.Summaries[0].Total)
	assert.Equal(t, 1500.25, st.Summaries[0].UnrealizedPnl)

	assert.Equal(t, "AAPL", st.Trades[0].Symbol)
	assert.Equal(t, time.Date(2026, 8, 23, 14, 30, 5, 0, time.UTC), st.Trades[0].Timestamp)
	assert.Equal(t, -10.0, st.Trades[0].Quantity)
}

func TestFlexConnector_PollsUntilReady(t *testing.T) {
	stub := &flexStub{readyAfter: 19}
	conn, _ := newTestFlexConnector(t, stub)

	st, err := conn.statement(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Summaries, 2)
	assert.Equal(t, int32(20), atomic.LoadInt32(&stub.polls), "statement arrives on the final admitted attempt")
}

func TestFlexConnector_GivesUpAfterMaxAttempts(t *testing.T) {
	stub := &flexStub{readyAfter: 100}
	conn, _ := newTestFlexConnector(t, stub)

	_, err := conn.statement(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindUpstreamUnavailable))
	assert.Equal(t, int32(flexMaxPollAttempts), atomic.LoadInt32(&stub.polls))
}

func TestFlexConnector_RejectedTokenIsAuthFault(t *testing.T) {
	stub := &flexStub{
		submitBody: `<FlexStatementResponse><Status>Fail</Status><ErrorCode>1012</ErrorCode><ErrorMessage>Token has expired.</ErrorMessage></FlexStatementResponse>`,
	}
	conn, _ := newTestFlexConnector(t, stub)

	_, err := conn.statement(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAuth))

	err = conn.TestConnection(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAuth))
}

func TestFlexConnector_StatementFailureCodeSurfaces(t *testing.T) {
	stub := &flexStub{
		failureBody: `<FlexStatementResponse><Status>Fail</Status><ErrorCode>1020</ErrorCode><ErrorMessage>Invalid request.</ErrorMessage></FlexStatementResponse>`,
	}
	conn, _ := newTestFlexConnector(t, stub)

	_, err := conn.statement(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindUpstreamUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.polls), "a hard failure must not be retried")
}

func TestFlexConnector_TestConnectionDoesNotPoll(t *testing.T) {
	stub := &flexStub{readyAfter: 100}
	conn, _ := newTestFlexConnector(t, stub)

	require.NoError(t, conn.TestConnection(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&stub.polls))
}

func TestFlexConnector_BalanceUsesNewestSummary(t *testing.T) {
	conn, _ := newTestFlexConnector(t, &flexStub{})

	balance, err := conn.Balance(context.Background(), repository.MarketStocks)
	require.NoError(t, err)
	assert.Equal(t, 101250.75, balance.TotalEquity)
	assert.Equal(t, -300.50, balance.UnrealizedPnl)
}

func TestFlexConnector_PositionsSkipFlat(t *testing.T) {
	conn, _ := newTestFlexConnector(t, &flexStub{})

	positions, err := conn.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, 1200.00, positions[0].UnrealizedPnl)
}

func TestFlexConnector_FillsNormalizeSigns(t *testing.T) {
	conn, _ := newTestFlexConnector(t, &flexStub{})

	since := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	fills, err := conn.Fills(context.Background(), repository.MarketStocks, since)
	require.NoError(t, err)
	require.Len(t, fills, 2)

	// Sells arrive with negative quantity and fees negative; callers see
	// absolute values.
	assert.Equal(t, 10.0, fills[0].Amount)
	assert.Equal(t, 2251.00, fills[0].Cost)
	assert.Equal(t, 1.05, fills[0].Fee)
	assert.Equal(t, 2251.00, fills[0].Volume())
}

func TestFlexConnector_FillsSinceBoundaryInclusive(t *testing.T) {
	conn, _ := newTestFlexConnector(t, &flexStub{})

	exact := time.Date(2026, 8, 23, 14, 30, 5, 0, time.UTC)
	fills, err := conn.Fills(context.Background(), repository.MarketStocks, exact)
	require.NoError(t, err)
	require.Len(t, fills, 2, "a fill exactly at the boundary is included")

	fills, err = conn.Fills(context.Background(), repository.MarketStocks, exact.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, fills, 1, "a fill one millisecond before the boundary is excluded")
}

func TestFlexConnector_HistoricalSummaries(t *testing.T) {
	conn, _ := newTestFlexConnector(t, &flexStub{})

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	summaries, err := conn.HistoricalSummaries(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	first := summaries[0]
	assert.Equal(t, 100000.50, first.TotalEquity)
	assert.InDelta(t, first.TotalEquity-first.UnrealizedPnl, first.RealizedBalance, 1e-9)
	assert.Equal(t, 5000.0, first.Deposits)
	assert.Equal(t, 0.0, first.Withdrawals)

	second := summaries[1]
	assert.Equal(t, 0.0, second.Deposits)
	assert.Equal(t, 1200.0, second.Withdrawals, "negative cash rows book as withdrawals")
}

func TestFlexConnector_CapabilitySet(t *testing.T) {
	conn, _ := newTestFlexConnector(t, &flexStub{})

	assert.True(t, conn.Supports(FeatureHistoricalSummaries))
	assert.True(t, conn.Supports(FeatureBalance))
	assert.False(t, conn.Supports(FeatureFundingFees))
	assert.False(t, conn.Supports(FeatureEarnBalance))

	markets, err := conn.Markets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{repository.MarketStocks}, markets)
}

func TestFlexConnector_SharedCacheCoalescesPulls(t *testing.T) {
	stub := &flexStub{}
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	cache := NewReportCache(nil)
	conn := NewFlexConnector("broker-x", server.URL, Credentials{Key: "token", Secret: "q42"}, cache)
	conn.limiter = rate.NewLimiter(rate.Inf, 1)
	conn.pollInterval = time.Millisecond

	_, err := conn.Balance(context.Background(), repository.MarketStocks)
	require.NoError(t, err)
	_, err = conn.Positions(context.Background())
	require.NoError(t, err)
	_, err = conn.Fills(context.Background(), repository.MarketStocks, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.polls), "one statement pull serves every surface call")
}
