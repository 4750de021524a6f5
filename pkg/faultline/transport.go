// transport.go delivers event batches to the collector over HTTP with
// bounded retry, exponential backoff, and Retry-After handling, and reads
// stored events back for dashboard collaborators.

package faultline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

// SendResult reports the outcome of one delivery attempt sequence.
type SendResult struct {
	Success bool

	// EventIDs lists the ids the collector acknowledged. nil on
	// success means the collector sent no id list, which the caller
	// must treat as whole-batch acceptance. This can over-clear when a
	// backend partially fails inside a 200 response without reporting
	// ids; preserved as documented collector behavior.
	EventIDs []string

	// StatusCode is the last HTTP status observed, 0 for pure network
	// failures.
	StatusCode int

	Err error
}

// Transport delivers batches and reads stored events back.
type Transport interface {
	Send(ctx context.Context, events []ErrorEvent) SendResult
	Fetch(ctx context.Context) ([]ErrorEvent, error)
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.client = client }
}

// WithTransportLogger sets the transport's logger.
func WithTransportLogger(logger *zap.Logger) TransportOption {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithTransportClock sets the clock used for backoff sleeps.
func WithTransportClock(clk clock.Clock) TransportOption {
	return func(t *HTTPTransport) { t.clk = clk }
}

// WithJitterSource replaces the jitter random source. Tests pass a
// deterministic func; production uses math/rand.
func WithJitterSource(fn func() float64) TransportOption {
	return func(t *HTTPTransport) { t.jitter = fn }
}

// HTTPTransport is the production Transport. Safe for concurrent use.
type HTTPTransport struct {
	endpoint    string
	apiKey      string
	scheme      AuthScheme
	payloadKey  string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	compress    bool

	client *http.Client
	clk    clock.Clock
	logger *zap.Logger
	jitter func() float64
}

// NewHTTPTransport builds a transport from the delivery-relevant parts
// of the configuration.
func NewHTTPTransport(cfg Config, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		scheme:      cfg.AuthScheme,
		payloadKey:  cfg.PayloadKey,
		maxAttempts: cfg.MaxSendAttempts,
		baseBackoff: cfg.InitialBackoff,
		maxBackoff:  cfg.MaxBackoff,
		compress:    cfg.Compression,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		clk:         clock.Real(),
		logger:      zap.NewNop(),
		jitter:      rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// collectorResponse is the success body shape. event_ids is optional;
// absence implies whole-batch acceptance.
type collectorResponse struct {
	Success  bool     `json:"success"`
	EventIDs []string `json:"event_ids"`
}

// Send POSTs {payloadKey: events} to the endpoint, retrying on 5xx, 429,
// 408, and network failures up to the attempt budget. Other non-2xx
// statuses are terminal. The context cancels retry waits.
func (t *HTTPTransport) Send(ctx context.Context, events []ErrorEvent) SendResult {
	if len(events) == 0 {
		return SendResult{Success: true}
	}

	body, err := json.Marshal(map[string][]ErrorEvent{t.payloadKey: events})
	if err != nil {
		return SendResult{Err: fmt.Errorf("transport: encoding batch: %w", err)}
	}

	var last SendResult
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		resp, err := t.post(ctx, body)
		if err != nil {
			// Network-level failure: always retryable.
			last = SendResult{Err: fmt.Errorf("transport: request failed: %w", err)}
			t.logger.Warn("delivery request failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if attempt+1 >= t.maxAttempts || !t.waitBackoff(ctx, attempt, 0) {
				return last
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			result := SendResult{Success: true, StatusCode: resp.StatusCode}
			var parsed collectorResponse
			if readErr == nil && json.Unmarshal(respBody, &parsed) == nil {
				result.EventIDs = parsed.EventIDs
			}
			return result
		}

		last = SendResult{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("transport: collector returned %d", resp.StatusCode),
		}
		if !retryableStatus(resp.StatusCode) {
			t.logger.Warn("terminal delivery failure",
				zap.Int("status", resp.StatusCode))
			return last
		}

		t.logger.Warn("retryable delivery failure",
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1))
		if attempt+1 >= t.maxAttempts || !t.waitBackoff(ctx, attempt, retryAfter(resp.Header)) {
			return last
		}
	}
	return last
}

// Fetch GETs stored events back from the collector, accepting the
// paginated, wrapped, and bare-array response shapes. Unrecognized
// shapes yield an empty result.
func (t *HTTPTransport) Fetch(ctx context.Context) ([]ErrorEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: building fetch request: %w", err)
	}
	t.setAuthHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading fetch response: %w", err)
	}
	return decodeFetchBody(body), nil
}

// decodeFetchBody tries the three accepted response shapes in order:
// {results: [{log: [...]}, ...]}, {log: [...]}, and a bare array.
func decodeFetchBody(body []byte) []ErrorEvent {
	var paginated struct {
		Results []struct {
			Log []ErrorEvent `json:"log"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &paginated); err == nil && len(paginated.Results) > 0 {
		var out []ErrorEvent
		for _, page := range paginated.Results {
			out = append(out, page.Log...)
		}
		return out
	}

	var wrapped struct {
		Log []ErrorEvent `json:"log"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Log != nil {
		return wrapped.Log
	}

	var bare []ErrorEvent
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	var reader io.Reader = bytes.NewReader(body)
	encoding := ""
	if t.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		reader = &buf
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	t.setAuthHeaders(req)

	return t.client.Do(req)
}

func (t *HTTPTransport) setAuthHeaders(req *http.Request) {
	switch t.scheme {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	case AuthAPIKey:
		req.Header.Set("X-API-Key", t.apiKey)
	}
}

// retryableStatus reports whether a response status permits another
// attempt: 5xx, 429 (rate limited), and 408 (request timeout).
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// retryAfter parses a Retry-After header given in seconds; zero when
// absent or malformed.
func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// backoffDelay computes the wait before the next attempt: exponential
// from the base delay with up to 30% jitter added before capping, or the
// server's Retry-After (still capped) when present.
func (t *HTTPTransport) backoffDelay(attempt int, serverHint time.Duration) time.Duration {
	if serverHint > 0 {
		if serverHint > t.maxBackoff {
			return t.maxBackoff
		}
		return serverHint
	}

	delay := t.baseBackoff << uint(attempt)
	delay += time.Duration(float64(delay) * 0.3 * t.jitter())
	if delay > t.maxBackoff {
		delay = t.maxBackoff
	}
	return delay
}

// waitBackoff sleeps the computed delay, returning false if the context
// was cancelled first.
func (t *HTTPTransport) waitBackoff(ctx context.Context, attempt int, serverHint time.Duration) bool {
	delay := t.backoffDelay(attempt, serverHint)
	select {
	case <-ctx.Done():
		return false
	case <-t.clk.After(delay):
		return true
	}
}
