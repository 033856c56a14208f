package rpc

import (
	"time"

	"github.com/google/uuid"

	"github.com/equivault/enclave-worker/internal/config"
	"github.com/equivault/enclave-worker/internal/faults"
)

const maxLabelLength = 64

// builtinVenues are always accepted; the operator policy file extends
// the set.
var builtinVenues = map[string]bool{
	"binance":  true,
	"bybit":    true,
	"okx":      true,
	"kraken":   true,
	"kucoin":   true,
	"gateio":   true,
	"broker-x": true,
}

// normalize maps the transport's provider defaults onto absence: the
// wire has no natural null, so empty string and the literal "0" mean
// "not set" for optional fields.
func normalize(s string) string {
	if s == "" || s == "0" {
		return ""
	}
	return s
}

func validateUserID(raw string) (string, error) {
	id := normalize(raw)
	if id == "" {
		return "", faults.New(faults.KindInvalidInput, "user_id is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", faults.New(faults.KindInvalidInput, "user_id is not a UUID")
	}
	return parsed.String(), nil
}

func validateVenue(raw string, policy config.VenuePolicy, required bool) (string, error) {
	venue := normalize(raw)
	if venue == "" {
		if required {
			return "", faults.New(faults.KindInvalidInput, "venue is required")
		}
		return "", nil
	}
	if builtinVenues[venue] {
		return venue, nil
	}
	if _, ok := policy.Venues[venue]; ok {
		return venue, nil
	}
	return "", faults.Newf(faults.KindInvalidInput, "venue %q is not permitted", venue)
}

func validateLabel(raw string) (string, error) {
	label := normalize(raw)
	if label == "" {
		return "", faults.New(faults.KindInvalidInput, "label is required")
	}
	if len(label) > maxLabelLength {
		return "", faults.Newf(faults.KindInvalidInput, "label exceeds %d characters", maxLabelLength)
	}
	return label, nil
}

func validateCredential(raw, field string) (string, error) {
	v := normalize(raw)
	if v == "" {
		return "", faults.Newf(faults.KindInvalidInput, "%s is required", field)
	}
	return v, nil
}

// validateTimeRange parses optional RFC3339 bounds and checks ordering.
func validateTimeRange(rawStart, rawEnd string) (start, end time.Time, err error) {
	if s := normalize(rawStart); s != "" {
		start, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, faults.New(faults.KindInvalidInput, "start is not RFC3339")
		}
	}
	if e := normalize(rawEnd); e != "" {
		end, err = time.Parse(time.RFC3339, e)
		if err != nil {
			return time.Time{}, time.Time{}, faults.New(faults.KindInvalidInput, "end is not RFC3339")
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, faults.New(faults.KindInvalidInput, "end precedes start")
	}
	return start.UTC(), end.UTC(), nil
}
