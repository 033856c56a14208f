package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/equivault/enclave-worker/internal/repository"
)

func TestClassifySymbol(t *testing.T) {
	cases := []struct {
		symbol string
		want   string
	}{
		// Perpetual markers win over everything.
		{"BTC/USDT:USDT", repository.MarketSwap},
		{"ETH/USD:USD", repository.MarketSwap},
		{"BTC-PERP", repository.MarketSwap},
		{"ETHUSDT-SWAP", repository.MarketSwap},
		{"doge/busd:busd", repository.MarketSwap},

		// Six consecutive digits mark a dated future.
		{"BTC/USD-240627", repository.MarketFutures},
		{"ETHUSD_250926", repository.MarketFutures},

		// Option legs by strike/side suffix.
		{"BTC-30AUG26-60000-C", repository.MarketOptions},
		{"ETH-30AUG26-3500-P", repository.MarketOptions},

		// Anything left is spot.
		{"BTC/USDT", repository.MarketSpot},
		{"ETH/BTC", repository.MarketSpot},
		{"SOL/USD", repository.MarketSpot},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifySymbol(tc.symbol), "symbol %q", tc.symbol)
	}
}

func TestClassifySymbol_PerpetualMarkerWinsOverDigits(t *testing.T) {
	// A symbol carrying both a perpetual marker and six digits is a swap.
	assert.Equal(t, repository.MarketSwap, ClassifySymbol("BTC240627/USDT:USDT"))
}

func TestIsPerpetual(t *testing.T) {
	assert.True(t, IsPerpetual("BTC/USDT:USDT"))
	assert.False(t, IsPerpetual("BTC/USDT"))
	assert.False(t, IsPerpetual("BTC-30AUG26-60000-C"))
}
