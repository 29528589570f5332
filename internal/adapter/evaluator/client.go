// Package evaluator provides the HTTP client that hands evaluations to
// third-party problem evaluators.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	blotel "github.com/Strob0t/botleague/internal/adapter/otel"
	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/port/evaluator"
	"github.com/Strob0t/botleague/internal/resilience"
)

var _ evaluator.Dispatcher = (*Client)(nil)

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 2048

// Client POSTs evaluation requests to evaluator endpoints. Each call is a
// single attempt; the liaison never retries a dispatch on its own.
type Client struct {
	httpClient  *http.Client
	replaceHost string
	breakers    *resilience.BreakerSet
	metrics     *blotel.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithReplaceHost rewrites every endpoint to replaceHost followed by the
// endpoint's path from "/eval" on, e.g. to point at a local evaluator.
func WithReplaceHost(replaceHost string) Option {
	return func(c *Client) { c.replaceHost = strings.TrimRight(replaceHost, "/") }
}

// WithBreakers guards each endpoint host with its own circuit breaker.
func WithBreakers(s *resilience.BreakerSet) Option {
	return func(c *Client) { c.breakers = s }
}

// WithMetrics records dispatch durations.
func WithMetrics(m *blotel.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the underlying HTTP client. Its timeout is kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a dispatcher whose requests time out after timeout.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: blotel.Transport(nil),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch sends payload to endpoint. Timeouts, transport failures, open
// breakers and non-200 answers all come back wrapping domain.ErrUpstream.
func (c *Client) Dispatch(ctx context.Context, endpoint string, payload evaluation.DispatchPayload) error {
	endpoint = c.resolve(endpoint)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal evaluation request: %w", err)
	}

	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	start := time.Now()
	call := func(ctx context.Context) error { return c.post(ctx, endpoint, body) }
	if c.breakers != nil {
		err = c.breakers.For(host).Do(ctx, call)
	} else {
		err = call(ctx)
	}
	c.metrics.Dispatched(ctx, host, time.Since(start))

	var open *resilience.OpenError
	if errors.As(err, &open) {
		return fmt.Errorf("%w: endpoint %s is failing, not dispatching: %v", domain.ErrUpstream, endpoint, open)
	}
	return err
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: bad endpoint %s: %v", domain.ErrUpstream, endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: endpoint %s took too long to respond", domain.ErrUpstream, endpoint)
		}
		return fmt.Errorf("%w: endpoint %s unreachable: %v", domain.ErrUpstream, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: endpoint %s failed with HTTP %d, response body was %s",
			domain.ErrUpstream, endpoint, resp.StatusCode, data)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) resolve(endpoint string) string {
	if c.replaceHost == "" {
		return endpoint
	}
	if i := strings.Index(endpoint, "/eval"); i >= 0 {
		return c.replaceHost + endpoint[i:]
	}
	if u, err := url.Parse(endpoint); err == nil {
		return c.replaceHost + u.RequestURI()
	}
	return endpoint
}
