package attestation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/equivault/enclave-worker/internal/telemetry"
)

// DefaultDevicePath is the SNP guest device exposed by the kernel inside
// a confidential VM.
const DefaultDevicePath = "/dev/sev-guest"

// Cloud metadata endpoints tried after the device node. Both speak the
// instance metadata convention (link-local address, Metadata header).
var cloudReportURLs = []string{
	"http://169.254.169.254/metadata/THIM/amd/SevSnpVM?api-version=2023-07-01",
	"http://169.254.169.254/computeMetadata/v1/instance/confidential-computing/snp-report",
}

// ErrNoSource means no attestation evidence could be produced.
var ErrNoSource = errors.New("no attestation source available")

// Source produces a raw serialized report binding the given nonce.
type Source interface {
	Produce(ctx context.Context, nonce []byte) ([]byte, error)
	Name() string
}

// Producer tries its sources in order and returns the first report.
type Producer struct {
	sources []Source
	logger  *telemetry.Logger
}

// NewProducer builds the default source chain: device node first, then
// the cloud metadata endpoints.
func NewProducer() *Producer {
	return &Producer{
		sources: []Source{
			&deviceSource{path: DefaultDevicePath},
			&metadataSource{client: &http.Client{Timeout: 5 * time.Second}},
		},
		logger: telemetry.NewLogger("ATTEST"),
	}
}

// NewProducerWithSources is used by tests and by the simulated dev path.
func NewProducerWithSources(sources ...Source) *Producer {
	return &Producer{sources: sources, logger: telemetry.NewLogger("ATTEST")}
}

// Produce returns a raw report with the nonce bound into report data.
func (p *Producer) Produce(ctx context.Context, nonce []byte) ([]byte, error) {
	if len(nonce) > ReportDataSize {
		return nil, fmt.Errorf("nonce exceeds %d bytes", ReportDataSize)
	}
	var lastErr error
	for _, src := range p.sources {
		raw, err := src.Produce(ctx, nonce)
		if err != nil {
			lastErr = err
			p.logger.Debug("attestation source failed", map[string]interface{}{
				"source": src.Name(),
			})
			continue
		}
		p.logger.Info("attestation report produced", map[string]interface{}{
			"source": src.Name(),
		})
		return raw, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSource, lastErr)
	}
	return nil, ErrNoSource
}

// ----------------------------------------------------------------------------
// Device node source (/dev/sev-guest, SNP_GET_REPORT ioctl)
// ----------------------------------------------------------------------------

const (
	// _IOWR('S', 0x0, struct snp_guest_request_ioctl) with a 32-byte
	// argument struct.
	snpGetReportIoctl = 0xC0205300

	snpReportReqSize  = 96
	snpReportRespSize = 4000
	snpReportOffset   = 32
)

type snpGuestRequest struct {
	msgVersion uint8
	_          [7]byte
	reqData    uint64
	respData   uint64
	fwErr      uint64
}

type deviceSource struct {
	path string
}

func (d *deviceSource) Name() string { return "device:" + d.path }

func (d *deviceSource) Produce(_ context.Context, nonce []byte) ([]byte, error) {
	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.path, err)
	}
	defer f.Close()

	req := make([]byte, snpReportReqSize)
	copy(req, nonce) // user_data occupies the first 64 bytes
	resp := make([]byte, snpReportRespSize)

	guestReq := snpGuestRequest{
		msgVersion: 1,
		reqData:    uint64(uintptr(unsafe.Pointer(&req[0]))),
		respData:   uint64(uintptr(unsafe.Pointer(&resp[0]))),
	}

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		f.Fd(),
		uintptr(snpGetReportIoctl),
		uintptr(unsafe.Pointer(&guestReq)),
	)
	if errno != 0 {
		return nil, fmt.Errorf("SNP_GET_REPORT ioctl: %v (fw_err=%#x)", errno, guestReq.fwErr)
	}

	raw := make([]byte, ReportSize)
	copy(raw, resp[snpReportOffset:snpReportOffset+ReportSize])
	return raw, nil
}

// ----------------------------------------------------------------------------
// Cloud metadata source
// ----------------------------------------------------------------------------

type metadataSource struct {
	client *http.Client
	urls   []string
}

func (m *metadataSource) Name() string { return "cloud-metadata" }

func (m *metadataSource) Produce(ctx context.Context, nonce []byte) ([]byte, error) {
	urls := m.urls
	if len(urls) == 0 {
		urls = cloudReportURLs
	}
	var lastErr error
	for _, u := range urls {
		raw, err := m.fetch(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		return raw, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no metadata endpoint configured")
	}
	return nil, lastErr
}

func (m *metadataSource) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata", "true")
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Report string `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode metadata payload: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Report)
	if err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if len(raw) < ReportSize {
		return nil, fmt.Errorf("metadata report truncated: %d bytes", len(raw))
	}
	return raw[:ReportSize], nil
}
