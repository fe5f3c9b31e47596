// Package http provides a reusable REST client with resilience features
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"scalper/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrCircuitOpen is returned without reaching the venue while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// APIError represents a non-2xx response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer authenticates a request. It is called once per attempt so that
// timestamps stay fresh across retries.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Options tunes the resilience policies
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
	BreakerFailure uint
	BreakerWindow  uint
	BreakerDelay   time.Duration
}

// DefaultOptions are the policies used by NewClient
func DefaultOptions() Options {
	return Options{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
		BreakerFailure: 5,
		BreakerWindow:  10,
		BreakerDelay:   10 * time.Second,
	}
}

// Client is a wrapper around http.Client with resilience. Reads are retried;
// writes only go through the circuit breaker because a timed out placement
// may still have reached the matching engine.
type Client struct {
	client  *http.Client
	baseURL string
	signer  Signer

	reads  failsafe.Executor[[]byte]
	writes failsafe.Executor[[]byte]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	opts := DefaultOptions()
	opts.Timeout = timeout
	return NewClientWithOptions(baseURL, signer, opts)
}

// NewClientWithOptions creates a client with explicit policies
func NewClientWithOptions(baseURL string, signer Signer, opts Options) *Client {
	retryPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return retryable(err)
		}).
		WithBackoff(opts.RetryDelay, opts.RetryMaxDelay).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return serverFailure(err)
		}).
		WithFailureThresholdRatio(opts.BreakerFailure, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: opts.Timeout},
		baseURL:     baseURL,
		signer:      signer,
		reads:       failsafe.With[[]byte](retryPolicy, breaker),
		writes:      failsafe.With[[]byte](breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// retryable matches transport failures, 5xx and 429
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

func serverFailure(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Get sends a signed GET request
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, params, true)
}

// GetPublic sends an unsigned GET request
func (c *Client) GetPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, params, false)
}

// Post sends a signed POST request with params in the query string
func (c *Client) Post(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, params, true)
}

// Put sends a signed PUT request
func (c *Client) Put(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodPut, path, params, true)
}

// Delete sends a signed DELETE request
func (c *Client) Delete(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodDelete, path, params, true)
}

// Do executes a request through the pipeline matching its method
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	pipeline := c.writes
	if method == http.MethodGet {
		pipeline = c.reads
	}

	body, err := pipeline.WithContext(ctx).Get(func() ([]byte, error) {
		return c.attempt(ctx, method, path, params, signed)
	})

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, attrs)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrCircuitOpen)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	req.URL.RawQuery = q.Encode()

	if signed && c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
