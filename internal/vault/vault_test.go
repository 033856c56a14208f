package vault

import (
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equivault/enclave-worker/internal/faults"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New("test-master-secret", nil)
	require.NoError(t, err)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt([]byte("exchange-api-secret"))
	require.NoError(t, err)

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "exchange-api-secret", string(pt))
}

func TestVault_NonceUniqueness(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two encryptions of the same plaintext must differ")
}

func TestVault_TamperDetection(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt([]byte("credential"))
	require.NoError(t, err)

	raw, err := hex.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = v.Decrypt(hex.EncodeToString(raw))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAuth))
}

func TestVault_WrongKeyRejected(t *testing.T) {
	a := newTestVault(t)
	b, err := New("a different master secret", nil)
	require.NoError(t, err)

	ct, err := a.Encrypt([]byte("credential"))
	require.NoError(t, err)

	_, err = b.Decrypt(ct)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindAuth))
}

func TestVault_MalformedCiphertext(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Decrypt("not hex at all!")
	assert.True(t, faults.Is(err, faults.KindIntegrity))

	_, err = v.Decrypt("abcd")
	assert.True(t, faults.Is(err, faults.KindIntegrity), "truncated ciphertext must be an integrity fault")
}

func TestVault_EmptyMasterKey(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)
}

func TestDeriveUserID_Deterministic(t *testing.T) {
	a := DeriveUserID("binance", "key", "secret", "")
	b := DeriveUserID("binance", "key", "secret", "")
	assert.Equal(t, a, b)

	// Valid version-4 UUID shape.
	parsed, err := uuid.Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestDeriveUserID_SensitiveToEveryComponent(t *testing.T) {
	base := DeriveUserID("binance", "key", "secret", "")
	assert.NotEqual(t, base, DeriveUserID("bybit", "key", "secret", ""))
	assert.NotEqual(t, base, DeriveUserID("binance", "key2", "secret", ""))
	assert.NotEqual(t, base, DeriveUserID("binance", "key", "secret2", ""))
	assert.NotEqual(t, base, DeriveUserID("binance", "key", "secret", "pass"))
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint("key", "secret", "")
	b := Fingerprint("key", "secret", "")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "hex SHA-256")
	assert.NotEqual(t, a, Fingerprint("key", "other", ""))
}
