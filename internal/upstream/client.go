// Package upstream holds the HTTP clients for the catalog (SWAPI) and the
// encyclopedia (Wikipedia). Both share retry, circuit breaking and metrics.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"fusion_api/internal/breaker"
	"fusion_api/internal/obs"
	"fusion_api/internal/retry"
)

const (
	defaultUserAgent = "fusion-api/1.0 (contacto@example.com)"
	maxBodyBytes     = 4 << 20
)

var ErrCircuitOpen = errors.New("upstream circuit open")

// StatusError is a non-2xx answer from an upstream that must fail the call.
type StatusError struct {
	Upstream string
	Status   int
	URL      string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %d for %s", e.Upstream, e.Status, e.URL)
}

type Metrics interface {
	ObserveUpstreamRoundTrip(upstream string, duration time.Duration)
	RecordUpstreamError(upstream string, category string)
	RecordRetry(upstream string, reason string)
	RecordCircuitOpen(upstream string)
	SetBreakerOpen(upstream string, open bool)
}

type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxAttempts int
	Breaker     breaker.Config
	Metrics     Metrics
	Logger      *log.Logger
	UserAgent   string
}

type client struct {
	name      string
	http      *http.Client
	policy    retry.Policy
	budget    *retry.Budget
	breaker   *breaker.Breaker
	metrics   Metrics
	logger    *log.Logger
	userAgent string
}

func newClient(name string, opts Options) *client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("upstream", name)
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	breakerCfg := opts.Breaker
	if breakerCfg == (breaker.Config{}) {
		breakerCfg = breaker.DefaultConfig()
	}

	c := &client{
		name:      name,
		http:      httpClient,
		policy:    retry.DefaultPolicy(attempts, timeout),
		budget:    retry.NewBudget(20, 10),
		metrics:   opts.Metrics,
		logger:    logger,
		userAgent: userAgent,
	}
	c.breaker = breaker.New(name, breakerCfg, breaker.WithTransitionHook(func(from, to breaker.State) {
		c.logger.Warn("circuit breaker transition", "from", from.String(), "to", to.String())
		if c.metrics != nil {
			c.metrics.SetBreakerOpen(name, to == breaker.StateOpen)
		}
	}))
	return c
}

// get returns the final response of the retry loop. On success the caller
// must close the body and then call release.
func (c *client) get(ctx context.Context, url string) (*http.Response, context.CancelFunc, error) {
	if !c.breaker.Allow() {
		if c.metrics != nil {
			c.metrics.RecordCircuitOpen(c.name)
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.name)
	}

	start := time.Now()
	result := retry.Execute(ctx, retry.Config{
		Policy: c.policy,
		Budget: c.budget,
		OnRetry: func(reason string) {
			c.logger.Debug("retrying upstream call", "url", url, "reason", reason)
			if c.metrics != nil {
				c.metrics.RecordRetry(c.name, reason)
			}
		},
	}, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		obs.InjectTraceHeaders(req, ctx)
		return c.http.Do(req)
	})
	if c.metrics != nil {
		c.metrics.ObserveUpstreamRoundTrip(c.name, time.Since(start))
	}

	if result.Err != nil {
		c.breaker.Report(false)
		category, ok := retry.ClassifyError(result.Err)
		if !ok {
			category = "transport"
		}
		if c.metrics != nil {
			c.metrics.RecordUpstreamError(c.name, category)
		}
		return nil, nil, fmt.Errorf("%s request %s: %w", c.name, url, result.Err)
	}

	status := result.Response.StatusCode
	c.breaker.Report(status < http.StatusInternalServerError)
	if status >= http.StatusInternalServerError && c.metrics != nil {
		c.metrics.RecordUpstreamError(c.name, "status_5xx")
	}
	return result.Response, result.Cancel, nil
}

// getJSON decodes a 2xx body into out. Non-2xx statuses are returned without
// error so each client can apply its own policy.
func (c *client) getJSON(ctx context.Context, url string, out any) (int, error) {
	resp, release, err := c.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer release()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding %s response from %s: %w", c.name, url, err)
	}
	return resp.StatusCode, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}
