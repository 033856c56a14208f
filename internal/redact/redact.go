// Package redact implements the field filter applied to every log and
// metric payload before it crosses the trust boundary. Two pattern tiers
// are always active: credentials/secrets and business/PII. The filter is
// deliberately blunt — an auditor should be able to prove the property by
// reading this file, not by tracing call sites.
package redact

import (
	"strings"
)

// Placeholder is the sentinel written in place of redacted values.
const Placeholder = "[REDACTED]"

// Tier 1: credential and secret material.
var credentialPatterns = []string{
	"apikey",
	"secret",
	"token",
	"password",
	"passphrase",
	"privatekey",
	"jwt",
	"authorization",
	"credential",
	"encrypted",
	"masterkey",
	"signature",
}

// Tier 2: business data and PII. Substring match on the normalized field
// name; over-matching is accepted by design.
var businessPatterns = []string{
	"userid",
	"accountid",
	"exchange",
	"broker",
	"venue",
	"balance",
	"equity",
	"amount",
	"price",
	"pnl",
	"fee",
	"deposit",
	"withdrawal",
	"trade",
	"position",
	"order",
	"quantity",
	"size",
	"volume",
	"synced",
	"count",
	"name",
	"email",
	"phone",
	"address",
	"ssn",
	"taxid",
}

// normalize lowercases a field name and strips separators so that
// "api-key", "api_key" and "ApiKey" all match "apikey".
func normalize(field string) string {
	var b strings.Builder
	b.Grow(len(field))
	for _, r := range field {
		switch r {
		case '-', '_', '.', ' ':
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Sensitive reports whether a field name matches either pattern tier.
func Sensitive(field string) bool {
	n := normalize(field)
	for _, p := range credentialPatterns {
		if strings.Contains(n, p) {
			return true
		}
	}
	for _, p := range businessPatterns {
		if strings.Contains(n, p) {
			return true
		}
	}
	return false
}

// Apply walks a JSON-like value (maps, slices, primitives) and replaces
// the value of every sensitive field with Placeholder. The input is not
// mutated; a filtered copy is returned.
func Apply(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if Sensitive(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = Apply(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = Apply(inner)
		}
		return out
	default:
		return v
	}
}

// Fields filters a flat field map. Convenience wrapper for loggers.
func Fields(fields map[string]interface{}) map[string]interface{} {
	filtered, _ := Apply(fields).(map[string]interface{})
	return filtered
}
