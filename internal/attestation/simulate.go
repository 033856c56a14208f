package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// SimulatedSource produces deterministic reports without SNP hardware.
// Used by the development-mode bootstrap and by tests; never wired in
// production.
type SimulatedSource struct {
	launchDigest [LaunchDigestSize]byte
	chipID       [ChipIDSize]byte
	tcb          TCBVersion
	policy       GuestPolicy

	// SigningKey, when set, signs the report region so a verifier seeded
	// with the matching certificate accepts it.
	SigningKey *ecdsa.PrivateKey
}

// NewSimulatedSource derives stable measurement material from an image
// label, mirroring what the platform security processor would compute.
func NewSimulatedSource(image string) *SimulatedSource {
	s := &SimulatedSource{
		tcb:    TCBVersion{BootLoader: 2, SNP: 8, Microcode: 115},
		policy: GuestPolicy{ABIMajor: 1, SMT: true},
	}
	digest := sha512.Sum384([]byte("image:" + image))
	copy(s.launchDigest[:], digest[:])

	kdf := hkdf.New(sha256.New, []byte(image), digest[:32], []byte("chip-id"))
	_, _ = kdf.Read(s.chipID[:])
	return s
}

// Name implements Source.
func (s *SimulatedSource) Name() string { return "simulated" }

// Produce implements Source.
func (s *SimulatedSource) Produce(_ context.Context, nonce []byte) ([]byte, error) {
	if len(nonce) > ReportDataSize {
		return nil, fmt.Errorf("nonce exceeds %d bytes", ReportDataSize)
	}

	report := &Report{
		Version:      ReportVersion,
		GuestSVN:     1,
		Policy:       s.policy,
		CurrentTCB:   s.tcb,
		ReportedTCB:  s.tcb,
		CommittedTCB: s.tcb,
		LaunchTCB:    s.tcb,
		PlatformInfo: 1,
		LaunchDigest: s.launchDigest,
		ChipID:       s.chipID,
	}
	copy(report.ReportData[:], nonce)

	var reportID [32]byte
	if _, err := rand.Read(reportID[:]); err != nil {
		return nil, err
	}
	report.ReportID = reportID

	raw := report.Serialize()
	if s.SigningKey != nil {
		signed, err := SignedRegion(raw)
		if err != nil {
			return nil, err
		}
		digest := sha512.Sum384(signed)
		r, sv, err := ecdsa.Sign(rand.Reader, s.SigningKey, digest[:])
		if err != nil {
			return nil, err
		}
		sig := encodeSignature(r, sv)
		copy(raw[signedRegionSize:], sig)
	}
	return raw, nil
}

// ChipIDHex returns the simulated chip id, used by tests to seed the
// verifier's certificate cache.
func (s *SimulatedSource) ChipIDHex() string {
	return fmt.Sprintf("%x", s.chipID[:])
}

// encodeSignature renders r and s in the firmware layout: 72 bytes each,
// little-endian, zero-padded, inside the 512-byte signature block.
func encodeSignature(r, s *big.Int) []byte {
	sig := make([]byte, SignatureSize)
	writeLE := func(dst []byte, v *big.Int) {
		b := v.Bytes()
		for i, by := range b {
			dst[len(b)-1-i] = by
		}
	}
	writeLE(sig[0:72], r)
	writeLE(sig[72:144], s)
	return sig
}
