// Package attestation produces and verifies AMD SEV-SNP attestation
// reports. Startup is gated on a verified report in production mode; in
// development mode the worker warns and continues.
package attestation

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ReportVersion is the minimum SNP report version accepted.
	ReportVersion = 2

	// ReportSize is the fixed serialized size of an SNP report.
	ReportSize = 1184

	LaunchDigestSize = 48
	ReportDataSize   = 64
	ChipIDSize       = 64
	SignatureSize    = 512

	// signedRegionSize is the portion of the serialized report covered by
	// the VCEK signature (everything before the signature block).
	signedRegionSize = ReportSize - SignatureSize
)

// Guest policy flags.
const (
	PolicyNoDebug        = 0x0001
	PolicyNoKeyShare     = 0x0002
	PolicySingleSocket   = 0x0010
	PolicySMTAllowed     = 0x0020
	PolicyMigrationAgent = 0x0040
)

// GuestPolicy is the launch policy baked into the report.
type GuestPolicy struct {
	ABIMinor       uint8
	ABIMajor       uint8
	SMT            bool
	MigrationAgent bool
	Debug          bool // must be false outside development
	SingleSocket   bool
}

// ToUint64 serializes the policy.
func (p GuestPolicy) ToUint64() uint64 {
	var policy uint64
	policy |= uint64(p.ABIMinor)
	policy |= uint64(p.ABIMajor) << 8
	if !p.Debug {
		policy |= PolicyNoDebug
	}
	if p.SingleSocket {
		policy |= PolicySingleSocket
	}
	if p.SMT {
		policy |= PolicySMTAllowed
	}
	if p.MigrationAgent {
		policy |= PolicyMigrationAgent
	}
	return policy
}

func policyFromUint64(v uint64) GuestPolicy {
	return GuestPolicy{
		ABIMinor:       uint8(v),
		ABIMajor:       uint8(v >> 8),
		Debug:          v&PolicyNoDebug == 0,
		SingleSocket:   v&PolicySingleSocket != 0,
		SMT:            v&PolicySMTAllowed != 0,
		MigrationAgent: v&PolicyMigrationAgent != 0,
	}
}

// TCBVersion is the platform trusted-computing-base version.
type TCBVersion struct {
	BootLoader uint8
	TEE        uint8
	SNP        uint8
	Microcode  uint8
}

// ToUint64 serializes the TCB version in the platform layout.
func (t TCBVersion) ToUint64() uint64 {
	return uint64(t.BootLoader) |
		uint64(t.TEE)<<8 |
		uint64(t.SNP)<<48 |
		uint64(t.Microcode)<<56
}

func tcbFromUint64(v uint64) TCBVersion {
	return TCBVersion{
		BootLoader: uint8(v),
		TEE:        uint8(v >> 8),
		SNP:        uint8(v >> 48),
		Microcode:  uint8(v >> 56),
	}
}

// String renders the TCB as the platform-version string surfaced to
// verification results.
func (t TCBVersion) String() string {
	return fmt.Sprintf("bl=%d tee=%d snp=%d ucode=%d", t.BootLoader, t.TEE, t.SNP, t.Microcode)
}

// Report is a parsed SNP attestation report.
type Report struct {
	Version      uint32
	GuestSVN     uint32
	Policy       GuestPolicy
	FamilyID     [16]byte
	ImageID      [16]byte
	CurrentTCB   TCBVersion
	PlatformInfo uint64
	AuthorKeyEn  uint32

	LaunchDigest    [LaunchDigestSize]byte
	ReportData      [ReportDataSize]byte
	HostData        [32]byte
	IDKeyDigest     [48]byte
	AuthorKeyDigest [48]byte
	ReportID        [32]byte
	ReportIDMA      [32]byte
	ReportedTCB     TCBVersion
	ChipID          [ChipIDSize]byte
	CommittedTCB    TCBVersion
	CurrentBuild    uint8
	CurrentMinor    uint8
	CurrentMajor    uint8
	CommittedBuild  uint8
	CommittedMinor  uint8
	CommittedMajor  uint8
	LaunchTCB       TCBVersion
	Signature       [SignatureSize]byte
}

// Validate checks structural soundness and the production policy bits.
func (r *Report) Validate() error {
	if r.Version < ReportVersion {
		return fmt.Errorf("unsupported report version %d", r.Version)
	}
	if r.Policy.Debug {
		return errors.New("guest policy allows debug")
	}
	return nil
}

// Serialize renders the report in the firmware's little-endian layout.
func (r *Report) Serialize() []byte {
	buf := make([]byte, 0, ReportSize)

	buf = binary.LittleEndian.AppendUint32(buf, r.Version)
	buf = binary.LittleEndian.AppendUint32(buf, r.GuestSVN)
	buf = binary.LittleEndian.AppendUint64(buf, r.Policy.ToUint64())
	buf = append(buf, r.FamilyID[:]...)
	buf = append(buf, r.ImageID[:]...)

	buf = binary.LittleEndian.AppendUint64(buf, r.CurrentTCB.ToUint64())
	buf = binary.LittleEndian.AppendUint64(buf, r.PlatformInfo)
	buf = binary.LittleEndian.AppendUint32(buf, r.AuthorKeyEn)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // reserved

	buf = append(buf, r.LaunchDigest[:]...)
	buf = append(buf, r.ReportData[:]...)
	buf = append(buf, r.HostData[:]...)
	buf = append(buf, r.IDKeyDigest[:]...)
	buf = append(buf, r.AuthorKeyDigest[:]...)
	buf = append(buf, r.ReportID[:]...)
	buf = append(buf, r.ReportIDMA[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.ReportedTCB.ToUint64())
	buf = append(buf, make([]byte, 24)...) // reserved
	buf = append(buf, r.ChipID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.CommittedTCB.ToUint64())
	buf = append(buf, r.CurrentBuild, r.CurrentMinor, r.CurrentMajor, 0)
	buf = append(buf, r.CommittedBuild, r.CommittedMinor, r.CommittedMajor, 0)
	buf = binary.LittleEndian.AppendUint64(buf, r.LaunchTCB.ToUint64())
	buf = append(buf, make([]byte, signedRegionSize-len(buf))...) // reserved

	buf = append(buf, r.Signature[:]...)
	return buf
}

// Parse decodes a serialized report.
func Parse(raw []byte) (*Report, error) {
	if len(raw) < ReportSize {
		return nil, fmt.Errorf("report too short: %d bytes", len(raw))
	}

	r := &Report{}
	off := 0
	u32 := func() uint32 {
		v := binary.LittleEndian.Uint32(raw[off:])
		off += 4
		return v
	}
	u64 := func() uint64 {
		v := binary.LittleEndian.Uint64(raw[off:])
		off += 8
		return v
	}
	take := func(dst []byte) {
		copy(dst, raw[off:off+len(dst)])
		off += len(dst)
	}

	r.Version = u32()
	r.GuestSVN = u32()
	r.Policy = policyFromUint64(u64())
	take(r.FamilyID[:])
	take(r.ImageID[:])

	r.CurrentTCB = tcbFromUint64(u64())
	r.PlatformInfo = u64()
	r.AuthorKeyEn = u32()
	off += 4 // reserved

	take(r.LaunchDigest[:])
	take(r.ReportData[:])
	take(r.HostData[:])
	take(r.IDKeyDigest[:])
	take(r.AuthorKeyDigest[:])
	take(r.ReportID[:])
	take(r.ReportIDMA[:])
	r.ReportedTCB = tcbFromUint64(u64())
	off += 24 // reserved
	take(r.ChipID[:])
	r.CommittedTCB = tcbFromUint64(u64())
	r.CurrentBuild, r.CurrentMinor, r.CurrentMajor = raw[off], raw[off+1], raw[off+2]
	off += 4
	r.CommittedBuild, r.CommittedMinor, r.CommittedMajor = raw[off], raw[off+1], raw[off+2]
	off += 4
	r.LaunchTCB = tcbFromUint64(u64())
	off = signedRegionSize // reserved tail of the signed region
	take(r.Signature[:])

	return r, nil
}

// SignedRegion returns the byte range the VCEK signature covers.
func SignedRegion(raw []byte) ([]byte, error) {
	if len(raw) < ReportSize {
		return nil, fmt.Errorf("report too short: %d bytes", len(raw))
	}
	return raw[:signedRegionSize], nil
}
