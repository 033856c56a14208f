package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equivault/enclave-worker/internal/faults"
)

// ============================================================================
// REPORT SERIALIZATION
// ============================================================================

func TestReport_SerializeParseRoundTrip(t *testing.T) {
	source := NewSimulatedSource("worker-image-v1")
	nonce := []byte("bootstrap-nonce")

	raw, err := source.Produce(context.Background(), nonce)
	require.NoError(t, err)
	require.Len(t, raw, ReportSize)

	report, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, uint32(ReportVersion), report.Version)
	assert.Equal(t, uint8(2), report.ReportedTCB.BootLoader)
	assert.Equal(t, uint8(8), report.ReportedTCB.SNP)
	assert.Equal(t, uint8(115), report.ReportedTCB.Microcode)
	assert.Equal(t, nonce, report.ReportData[:len(nonce)])
	assert.False(t, report.Policy.Debug)
	assert.True(t, report.Policy.SMT)

	// Re-serializing the parsed report reproduces the original bytes.
	assert.Equal(t, raw, report.Serialize())
}

func TestReport_SerializedLayout(t *testing.T) {
	report := &Report{
		Version:      ReportVersion,
		CurrentTCB:   TCBVersion{BootLoader: 2, SNP: 8, Microcode: 115},
		CommittedTCB: TCBVersion{BootLoader: 2, SNP: 7, Microcode: 110},
		LaunchTCB:    TCBVersion{BootLoader: 2, SNP: 6, Microcode: 100},
	}
	raw := report.Serialize()
	require.Len(t, raw, ReportSize)

	// The signed region is everything before the signature block.
	signed, err := SignedRegion(raw)
	require.NoError(t, err)
	assert.Len(t, signed, ReportSize-SignatureSize)

	// Mutating the signature block leaves the signed region untouched.
	raw[ReportSize-1] ^= 0xFF
	signedAfter, err := SignedRegion(raw)
	require.NoError(t, err)
	assert.Equal(t, signed, signedAfter)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, report.CommittedTCB, parsed.CommittedTCB)
	assert.Equal(t, report.LaunchTCB, parsed.LaunchTCB)
	assert.Equal(t, uint8(0xFF), parsed.Signature[SignatureSize-1])
}

func TestReport_ParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, ReportSize-1))
	assert.Error(t, err)
}

func TestReport_ValidateRejectsDebugPolicy(t *testing.T) {
	report := &Report{Version: ReportVersion, Policy: GuestPolicy{Debug: true}}
	assert.Error(t, report.Validate())

	report.Policy.Debug = false
	assert.NoError(t, report.Validate())
}

func TestReport_ValidateRejectsOldVersion(t *testing.T) {
	report := &Report{Version: 1}
	assert.Error(t, report.Validate())
}

func TestGuestPolicy_RoundTrip(t *testing.T) {
	p := GuestPolicy{ABIMajor: 1, ABIMinor: 51, SMT: true, SingleSocket: true}
	assert.Equal(t, p, policyFromUint64(p.ToUint64()))
}

func TestTCBVersion_RoundTrip(t *testing.T) {
	v := TCBVersion{BootLoader: 3, TEE: 0, SNP: 22, Microcode: 209}
	assert.Equal(t, v, tcbFromUint64(v.ToUint64()))
}

// ============================================================================
// VERIFICATION
// ============================================================================

// seedVCEK writes a self-signed certificate for the signing key into the
// verifier's disk cache under the simulated chip id.
func seedVCEK(t *testing.T, cachePath, chipHex string, key *ecdsa.PrivateKey) {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "VCEK"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cachePath, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cachePath, chipHex+".der"), der, 0o600))
}

func TestVerifier_AcceptsSignedReport(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	source := NewSimulatedSource("worker-image-v1")
	source.SigningKey = key

	cachePath := t.TempDir()
	seedVCEK(t, cachePath, source.ChipIDHex(), key)

	raw, err := source.Produce(context.Background(), []byte("nonce"))
	require.NoError(t, err)

	result, err := NewVerifier(cachePath).Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, source.ChipIDHex(), result.ChipID)
	assert.NotEmpty(t, result.Measurement)
	assert.Equal(t, "bl=2 tee=0 snp=8 ucode=115", result.PlatformVersion)
}

func TestVerifier_RejectsTamperedReport(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	source := NewSimulatedSource("worker-image-v1")
	source.SigningKey = key

	cachePath := t.TempDir()
	seedVCEK(t, cachePath, source.ChipIDHex(), key)

	raw, err := source.Produce(context.Background(), []byte("nonce"))
	require.NoError(t, err)

	// Flip one bit inside the signed region.
	raw[100] ^= 0x01

	_, err = NewVerifier(cachePath).Verify(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindIntegrity))
}

func TestVerifier_RejectsUnsignedReport(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	source := NewSimulatedSource("worker-image-v1")
	// No signing key: the signature block stays zero.

	cachePath := t.TempDir()
	seedVCEK(t, cachePath, source.ChipIDHex(), key)

	raw, err := source.Produce(context.Background(), []byte("nonce"))
	require.NoError(t, err)

	_, err = NewVerifier(cachePath).Verify(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindIntegrity))
}

func TestSimulatedSource_ChipIDStablePerImage(t *testing.T) {
	a := NewSimulatedSource("image-a")
	b := NewSimulatedSource("image-a")
	c := NewSimulatedSource("image-b")
	assert.Equal(t, a.ChipIDHex(), b.ChipIDHex())
	assert.NotEqual(t, a.ChipIDHex(), c.ChipIDHex())
}

func TestSimulatedSource_NonceTooLong(t *testing.T) {
	source := NewSimulatedSource("image")
	_, err := source.Produce(context.Background(), make([]byte, ReportDataSize+1))
	assert.Error(t, err)
}
