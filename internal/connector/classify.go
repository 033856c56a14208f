package connector

import (
	"regexp"
	"strings"

	"github.com/equivault/enclave-worker/internal/repository"
)

var (
	swapMarkers   = []string{":USDT", ":USD", ":BUSD", "PERP", "SWAP"}
	futureDigits  = regexp.MustCompile(`\d{6}`)
	optionSuffix  = regexp.MustCompile(`-(C|P)$`)
	optionInfixRe = regexp.MustCompile(`-\d+(\.\d+)?-(C|P)\b`)
)

// ClassifySymbol maps a venue symbol onto exactly one market. Perpetual
// markers win over everything, then dated futures, then option legs;
// anything left is spot.
func ClassifySymbol(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, marker := range swapMarkers {
		if strings.Contains(upper, marker) {
			return repository.MarketSwap
		}
	}
	if futureDigits.MatchString(upper) {
		return repository.MarketFutures
	}
	if optionSuffix.MatchString(upper) || optionInfixRe.MatchString(upper) {
		return repository.MarketOptions
	}
	return repository.MarketSpot
}

// IsPerpetual reports whether a symbol carries a perpetual marker, i.e.
// whether funding fees can accrue on it.
func IsPerpetual(symbol string) bool {
	return ClassifySymbol(symbol) == repository.MarketSwap
}
