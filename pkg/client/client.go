// Package client is a Go SDK for the leangate HTTP API.
//
// Every HTTP call runs under the client's retry.Policy: transport errors and
// 5xx responses are retried, 429 and 503 honour Retry-After, and other 4xx
// responses fail immediately. Per-item failures (timeouts, crashes, pool
// exhaustion) are not HTTP errors; they come back in Response.Error.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/leangate/pkg/retry"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single HTTP attempt. Zero means 10 minutes; checks
	// of heavy imports are slow.
	Timeout time.Duration
	// Retry wraps every HTTP call. Nil means retry.Default.
	Retry *retry.Policy

	// BatchSize is the number of requests CheckBatched sends per call.
	BatchSize int
	// Concurrency bounds the batches CheckBatched has in flight.
	Concurrency int
	// RequestsPerSecond throttles batch calls. Zero disables throttling.
	RequestsPerSecond float64
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("leangate: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to one leangate server. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	config     Config
	policy     retry.Policy
	limiter    *rate.Limiter
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	policy := retry.Default
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		policy:     policy,
		limiter:    limiter,
	}
}

// Check sends reqs in one call and returns one response per request, in
// order.
func (c *Client) Check(ctx context.Context, reqs []Request) ([]Response, error) {
	var out batchResponse
	if err := c.call(ctx, http.MethodPost, "/api/check", checkBody{Requests: reqs}, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(reqs) {
		return nil, fmt.Errorf("leangate: got %d results for %d requests", len(out.Results), len(reqs))
	}
	return out.Results, nil
}

// CheckBatched splits reqs into batches of Config.BatchSize and sends up to
// Config.Concurrency of them at once. Results keep the order of reqs. The
// first failed batch cancels the rest.
func (c *Client) CheckBatched(ctx context.Context, reqs []Request) ([]Response, error) {
	results := make([]Response, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)

	for start := 0; start < len(reqs); start += c.config.BatchSize {
		end := min(start+c.config.BatchSize, len(reqs))
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			batch, err := c.Check(gctx, reqs[start:end])
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, end-1, err)
			}
			copy(results[start:end], batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExtractModules returns the syntax tree of each module, one response per
// module. timeout is in seconds; zero uses the server default.
func (c *Client) ExtractModules(ctx context.Context, modules []string, timeout float64) ([]Response, error) {
	var out batchResponse
	if err := c.call(ctx, http.MethodPost, "/api/ast", astBody{Modules: modules, Timeout: timeout}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// ExtractCode returns the syntax tree of code compiled as module. An empty
// module uses the server's virtual module name.
func (c *Client) ExtractCode(ctx context.Context, code, module string, timeout float64) (*Response, error) {
	var out Response
	if err := c.call(ctx, http.MethodPost, "/api/ast_code", astCodeBody{Code: code, Module: module, Timeout: timeout}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches /healthz. A draining server answers 503, which is
// returned as a StatusError without retrying.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.attempt(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal([]byte(se.Body), &out)
			return &out, err
		}
		return nil, err
	}
	return &out, nil
}

// call runs one API call under the retry policy.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	_, err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return c.attempt(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, rdr)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return classify(resp, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

// classify decides how the retry policy treats a failed status.
func classify(resp *http.Response, err *StatusError) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return retry.After(err, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return err
	default:
		return retry.Permanent(err)
	}
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(0, time.Until(at))
	}
	return time.Second
}
