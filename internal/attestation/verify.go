package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/equivault/enclave-worker/internal/faults"
	"github.com/equivault/enclave-worker/internal/telemetry"
)

// kdsURLFormat is the published AMD key-distribution endpoint for the
// versioned chip endorsement key, keyed by chip id and TCB levels.
const kdsURLFormat = "https://kdsintf.amd.com/vcek/v1/Milan/%s?blSPL=%d&teeSPL=%d&snpSPL=%d&ucodeSPL=%d"

// Result is the outcome of report verification.
type Result struct {
	Verified        bool
	Measurement     string // hex launch digest
	ChipID          string // hex chip identifier
	PlatformVersion string
}

// Verifier checks report signatures against the platform endorsement key.
type Verifier struct {
	client    *http.Client
	cachePath string
	logger    *telemetry.Logger
}

// NewVerifier creates a verifier with an on-disk VCEK cache.
func NewVerifier(cachePath string) *Verifier {
	return &Verifier{
		client:    &http.Client{Timeout: 15 * time.Second},
		cachePath: cachePath,
		logger:    telemetry.NewLogger("ATTEST"),
	}
}

// Verify parses, validates, and signature-checks a raw report.
func (v *Verifier) Verify(ctx context.Context, raw []byte) (*Result, error) {
	report, err := Parse(raw)
	if err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "malformed attestation report", err)
	}
	if err := report.Validate(); err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "attestation report rejected", err)
	}

	result := &Result{
		Measurement:     hex.EncodeToString(report.LaunchDigest[:]),
		ChipID:          hex.EncodeToString(report.ChipID[:]),
		PlatformVersion: report.ReportedTCB.String(),
	}

	pub, err := v.endorsementKey(ctx, report)
	if err != nil {
		return nil, faults.Wrap(faults.KindUpstreamUnavailable, "endorsement key unavailable", err)
	}

	signed, err := SignedRegion(raw)
	if err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "malformed attestation report", err)
	}
	digest := sha512.Sum384(signed)

	r, s := parseSignature(report.Signature[:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return result, faults.New(faults.KindIntegrity, "report signature mismatch")
	}

	result.Verified = true
	return result, nil
}

// endorsementKey resolves the VCEK for the report's chip, preferring the
// disk cache over the key-distribution service.
func (v *Verifier) endorsementKey(ctx context.Context, report *Report) (*ecdsa.PublicKey, error) {
	chipHex := hex.EncodeToString(report.ChipID[:])
	der, err := v.readCached(chipHex)
	if err != nil {
		der, err = v.fetchVCEK(ctx, chipHex, report.ReportedTCB)
		if err != nil {
			return nil, err
		}
		v.writeCached(chipHex, der)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse VCEK certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("VCEK is not an ECDSA key")
	}
	return pub, nil
}

func (v *Verifier) fetchVCEK(ctx context.Context, chipHex string, tcb TCBVersion) ([]byte, error) {
	url := fmt.Sprintf(kdsURLFormat, chipHex, tcb.BootLoader, tcb.TEE, tcb.SNP, tcb.Microcode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key distribution fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key distribution returned %d", resp.StatusCode)
	}
	der, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	v.logger.Info("endorsement key fetched", map[string]interface{}{"bytes": len(der)})
	return der, nil
}

func (v *Verifier) readCached(chipHex string) ([]byte, error) {
	if v.cachePath == "" {
		return nil, os.ErrNotExist
	}
	return os.ReadFile(filepath.Join(v.cachePath, chipHex+".der"))
}

func (v *Verifier) writeCached(chipHex string, der []byte) {
	if v.cachePath == "" {
		return
	}
	if err := os.MkdirAll(v.cachePath, 0o700); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(v.cachePath, chipHex+".der"), der, 0o600)
}

// parseSignature extracts r and s from the firmware signature block. Each
// component is 72 bytes, little-endian, zero-padded.
func parseSignature(sig []byte) (*big.Int, *big.Int) {
	return littleEndianInt(sig[0:72]), littleEndianInt(sig[72:144])
}

func littleEndianInt(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i, v := range b {
		rev[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(rev)
}
