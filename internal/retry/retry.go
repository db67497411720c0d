// Package retry re-runs idempotent upstream GETs on transient failures.
package retry

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"
)

type AttemptFunc func(ctx context.Context) (*http.Response, error)

type Policy struct {
	MaxAttempts   int
	PerTryTimeout time.Duration
	Backoff       time.Duration
	BackoffJitter time.Duration
	RetryOnStatus map[int]bool
	RetryOnErrors map[string]bool
}

func DefaultPolicy(maxAttempts int, perTry time.Duration) Policy {
	return Policy{
		MaxAttempts:   maxAttempts,
		PerTryTimeout: perTry,
		Backoff:       100 * time.Millisecond,
		BackoffJitter: 100 * time.Millisecond,
		RetryOnStatus: map[int]bool{
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
		RetryOnErrors: map[string]bool{
			"dial":    true,
			"timeout": true,
			"reset":   true,
			"eof":     true,
		},
	}
}

type Config struct {
	Policy Policy
	// Budget, when set, must grant a token for every retry beyond the first attempt.
	Budget  *Budget
	OnRetry func(reason string)
}

type Result struct {
	Response        *http.Response
	Err             error
	RetryCount      int
	RetryReason     string
	BudgetExhausted bool
	// Cancel releases the per-try context of the returned response. Call it
	// after the body has been consumed.
	Cancel context.CancelFunc
}

func Execute(ctx context.Context, cfg Config, attempt AttemptFunc) Result {
	result := Result{Cancel: func() {}}
	if attempt == nil {
		result.Err = context.Canceled
		return result
	}
	policy := cfg.Policy
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempts := 1; ; attempts++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.PerTryTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.PerTryTimeout)
		}
		resp, err := attempt(attemptCtx)

		if err == nil {
			reason, retryable := ClassifyStatus(resp.StatusCode, policy)
			if !retryable || attempts >= maxAttempts || !consumeBudget(&result, cfg) {
				result.Response = resp
				result.Cancel = cancel
				if retryable {
					result.RetryReason = reason
				}
				if cfg.Budget != nil && !retryable {
					cfg.Budget.RecordSuccess()
				}
				return result
			}
			drainResponse(resp)
			cancel()
			result.RetryReason = reason
		} else {
			cancel()
			if ctx.Err() != nil {
				result.Err = ctx.Err()
				return result
			}
			reason, retryable := ClassifyError(err)
			if !retryable || !policy.RetryOnErrors[reason] || attempts >= maxAttempts || !consumeBudget(&result, cfg) {
				result.Err = err
				return result
			}
			result.RetryReason = reason
		}

		result.RetryCount++
		if cfg.OnRetry != nil {
			cfg.OnRetry(result.RetryReason)
		}
		if !sleepWithBackoff(ctx, policy.Backoff, policy.BackoffJitter) {
			result.Err = ctx.Err()
			return result
		}
	}
}

func consumeBudget(result *Result, cfg Config) bool {
	if cfg.Budget == nil {
		return true
	}
	if !cfg.Budget.Consume() {
		result.BudgetExhausted = true
		return false
	}
	return true
}

func drainResponse(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func sleepWithBackoff(ctx context.Context, backoff time.Duration, jitter time.Duration) bool {
	delay := backoff
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter) + 1))
	}
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
