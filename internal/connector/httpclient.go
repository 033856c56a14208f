package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/equivault/enclave-worker/internal/faults"
)

const defaultRequestTimeout = 15 * time.Second

// signedClient issues HMAC-signed requests against one venue host. All
// outbound calls pass the per-venue rate limiter and circuit breaker;
// cancellation aborts in-flight requests through the context.
type signedClient struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	limiter *rate.Limiter
	breaker *breaker
	now     func() time.Time
}

func newSignedClient(baseURL string, creds Credentials) *signedClient {
	return &signedClient{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		// 10 req/s with a small burst keeps us under every venue's
		// published private-endpoint ceiling.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: newBreaker(),
		now:     time.Now,
	}
}

// sign computes the request signature over timestamp, method, path with
// query, and body.
func (c *signedClient) sign(timestamp, method, pathWithQuery string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.creds.Secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(pathWithQuery))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *signedClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return faults.Wrap(faults.KindInternal, "rate limiter wait", err)
	}
	if err := c.breaker.allow(); err != nil {
		return err
	}

	pathWithQuery := path
	if len(query) > 0 {
		pathWithQuery = path + "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return faults.Wrap(faults.KindInternal, "encode request", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, bytes.NewReader(payload))
	if err != nil {
		return faults.Wrap(faults.KindInternal, "build request", err)
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.creds.Key)
	req.Header.Set("X-TIMESTAMP", timestamp)
	req.Header.Set("X-SIGNATURE", c.sign(timestamp, method, pathWithQuery, payload))
	if c.creds.Passphrase != "" {
		req.Header.Set("X-PASSPHRASE", c.creds.Passphrase)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.record(false)
		return faults.Wrap(faults.KindUpstreamUnavailable, "venue request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		c.breaker.record(false)
		return faults.Wrap(faults.KindUpstreamUnavailable, "read venue response", err)
	}

	if fault := classifyStatus(resp.StatusCode); fault != nil {
		// Auth and throttle responses are the venue answering, not an
		// outage; only 5xx counts against the circuit.
		c.breaker.record(resp.StatusCode < 500)
		return fault
	}
	c.breaker.record(true)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return faults.Wrap(faults.KindUpstreamUnavailable, "decode venue response", err)
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return faults.Newf(faults.KindAuth, "venue rejected credentials (%d)", code)
	case code == http.StatusTooManyRequests:
		return faults.New(faults.KindRateLimited, "venue throttled request")
	case code == http.StatusNotFound:
		return faults.Newf(faults.KindNotFound, "venue endpoint not found (%d)", code)
	default:
		return faults.Newf(faults.KindUpstreamUnavailable, "venue returned %d", code)
	}
}

func (c *signedClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// wipe drops the credential references held by the client.
func (c *signedClient) wipe() {
	c.creds.Wipe()
	c.http.CloseIdleConnections()
}
