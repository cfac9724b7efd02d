// Package retry provides bounded, deterministic exponential backoff.
// Jitter is derived from a PRF over the operation identity rather than a
// random source, so a given attempt always waits the same amount of time
// on replay.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identify one retried operation for jitter derivation.
type Params struct {
	CorrelationID string
	OperationID   string
	Attempt       int
}

// BackoffPolicy bounds the retry schedule.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// ComputeBackoff returns the delay before the given attempt:
// base * 2^attempt, capped at MaxMs, plus deterministic jitter.
func ComputeBackoff(params Params, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.Attempt > 0 {
		if params.Attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.Attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(params, policy)) * time.Millisecond
}

// jitter is a PRF over the operation identity and attempt index.
func jitter(params Params, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.CorrelationID, params.OperationID, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}

// Do runs fn up to policy.MaxAttempts times, sleeping the computed backoff
// between attempts. A non-retryable error (per the retryable predicate)
// returns immediately; context cancellation aborts the wait.
func Do(ctx context.Context, policy BackoffPolicy, params Params, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p := params
			p.Attempt = attempt
			select {
			case <-time.After(ComputeBackoff(p, policy)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("retry: %d attempts exhausted: %w", attempts, lastErr)
}
