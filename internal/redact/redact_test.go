package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSensitive_CredentialTier(t *testing.T) {
	for _, field := range []string{
		"api_key", "apiKey", "API-KEY", "encrypted_secret", "auth_token",
		"password", "passphrase", "private_key", "jwt", "Authorization",
		"credentials_fingerprint", "master_key", "x-signature",
	} {
		assert.True(t, Sensitive(field), "field %q must be redacted", field)
	}
}

func TestSensitive_BusinessTier(t *testing.T) {
	for _, field := range []string{
		"user_id", "userId", "account_id", "exchange", "venue", "broker",
		"balance", "total_equity", "amount", "price", "unrealized_pnl",
		"trading_fees", "deposit", "withdrawal", "trades", "position",
		"order_id", "quantity", "size", "volume", "email", "phone",
	} {
		assert.True(t, Sensitive(field), "field %q must be redacted", field)
	}
}

func TestSensitive_OperationalFieldsPass(t *testing.T) {
	for _, field := range []string{
		"duration_sec", "markets", "status", "method", "attempt",
		"purged_rows", "port", "mode", "platform_version", "uptime_seconds",
	} {
		assert.False(t, Sensitive(field), "field %q must survive", field)
	}
}

func TestApply_Nested(t *testing.T) {
	in := map[string]interface{}{
		"method": "/enclaveworker.v1.Worker/ProcessSyncJob",
		"api_key": "live-key",
		"request": map[string]interface{}{
			"user_id": "0c8e4f1a",
			"attempt": 3,
		},
		"rows": []interface{}{
			map[string]interface{}{"balance": 1200.5, "status": "ok"},
		},
	}

	out, ok := Apply(in).(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, Placeholder, out["api_key"])
	assert.Equal(t, "/enclaveworker.v1.Worker/ProcessSyncJob", out["method"])

	inner := out["request"].(map[string]interface{})
	assert.Equal(t, Placeholder, inner["user_id"])
	assert.Equal(t, 3, inner["attempt"])

	row := out["rows"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, Placeholder, row["balance"])
	assert.Equal(t, "ok", row["status"])
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	in := map[string]interface{}{"secret": "s3cr3t"}
	_ = Apply(in)
	assert.Equal(t, "s3cr3t", in["secret"])
}

func TestFields_NilSafe(t *testing.T) {
	assert.Empty(t, Fields(nil))
}
