// Package fallback implements the nested retry-then-failover algorithm: for
// each candidate provider, retry the same provider with full-jitter backoff
// up to a configured attempt budget before moving on to the next candidate.
// This generalizes the gateway's original single-pass failover walk, which
// moved to the next provider on the very first failure and never retried
// the one it was already talking to — useful against a genuinely dead
// provider, but it turns every transient blip (one slow response, one 503)
// into an unnecessary failover.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/gateway/internal/retry"
)

// Attempt is one completed try against one provider, appended in order to
// the execution's attempt log — the append-only RetryAttempt record.
type Attempt struct {
	Provider  string
	Attempt   int // zero-based, within this provider's retry budget
	Error     error
	Reason    string // retry.ClassifyError(Error), "" on success
	LatencyMs int64
	Backed    bool // true if this attempt was preceded by a backoff sleep
}

// Candidate is one provider the executor may try, in priority order.
type Candidate[R any] struct {
	Name string
	Try  func(ctx context.Context) (R, error)
}

// Health is the subset of the provider registry the executor needs:
// whether to skip a candidate outright, and where to report the outcome.
type Health interface {
	Allow(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// Config controls the retry-then-failover budget.
type Config struct {
	// MaxRetriesPerProvider is the number of additional attempts against the
	// same provider after its first failure, before moving to the next
	// candidate. Zero means no same-provider retry (immediate failover).
	MaxRetriesPerProvider int
	// BackoffBaseMs is the base passed to retry.Backoff.
	BackoffBaseMs int
	// MaxTotalAttempts caps attempts across all candidates combined,
	// including retries. Zero means unbounded (bounded only by candidates *
	// per-provider retries).
	MaxTotalAttempts int
	// OnSkip, if set, is called when a candidate is skipped outright because
	// health.Allow reported it inadmissible (circuit open).
	OnSkip func(provider string)
}

// Result is the outcome of Execute.
type Result[R any] struct {
	Value     R
	Provider  string
	Attempts  []Attempt
	Succeeded bool
	Err       error // non-nil iff !Succeeded
}

// Execute runs candidates in order. For each candidate it tries up to
// 1+MaxRetriesPerProvider times, sleeping a full-jitter backoff between
// same-provider attempts, stopping that provider's retries early on a
// non-retryable error. It moves to the next candidate when a provider's
// retry budget is exhausted or its error was non-retryable from the start.
func Execute[R any](ctx context.Context, candidates []Candidate[R], health Health, cfg Config, log *slog.Logger) Result[R] {
	if log == nil {
		log = slog.Default()
	}

	var (
		attempts   []Attempt
		totalTries int
	)

	for _, cand := range candidates {
		if cfg.MaxTotalAttempts > 0 && totalTries >= cfg.MaxTotalAttempts {
			break
		}

		if health != nil && !health.Allow(cand.Name) {
			log.WarnContext(ctx, "fallback_candidate_skipped_circuit_open", slog.String("provider", cand.Name))
			if cfg.OnSkip != nil {
				cfg.OnSkip(cand.Name)
			}
			continue
		}

		for attempt := 0; attempt <= cfg.MaxRetriesPerProvider; attempt++ {
			if cfg.MaxTotalAttempts > 0 && totalTries >= cfg.MaxTotalAttempts {
				break
			}

			backed := false
			if attempt > 0 {
				delayMs := retry.Backoff(attempt-1, cfg.BackoffBaseMs)
				if delayMs > 0 {
					backed = true
					select {
					case <-time.After(time.Duration(delayMs) * time.Millisecond):
					case <-ctx.Done():
						attempts = append(attempts, Attempt{Provider: cand.Name, Attempt: attempt, Error: ctx.Err(), Reason: "context_canceled"})
						return Result[R]{Attempts: attempts, Err: ctx.Err()}
					}
				}
			}

			start := time.Now()
			val, err := cand.Try(ctx)
			latencyMs := time.Since(start).Milliseconds()
			totalTries++

			if err == nil {
				if health != nil {
					health.RecordSuccess(cand.Name)
				}
				attempts = append(attempts, Attempt{Provider: cand.Name, Attempt: attempt, LatencyMs: latencyMs, Backed: backed})
				return Result[R]{Value: val, Provider: cand.Name, Attempts: attempts, Succeeded: true}
			}

			if health != nil {
				health.RecordFailure(cand.Name)
			}

			reason := retry.ClassifyError(err)
			attempts = append(attempts, Attempt{
				Provider:  cand.Name,
				Attempt:   attempt,
				Error:     err,
				Reason:    reason,
				LatencyMs: latencyMs,
				Backed:    backed,
			})

			log.WarnContext(ctx, "fallback_attempt_failed",
				slog.String("provider", cand.Name),
				slog.Int("attempt", attempt),
				slog.String("reason", reason),
				slog.Int64("latency_ms", latencyMs),
			)

			if !retry.IsRetryable(err) {
				break // do not retry this provider further; move to next candidate
			}
		}
	}

	var lastErr error
	if len(attempts) > 0 {
		lastErr = attempts[len(attempts)-1].Error
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	} else {
		lastErr = fmt.Errorf("fallback: all candidates failed after %d attempt(s): %w", totalTries, lastErr)
	}

	return Result[R]{Attempts: attempts, Succeeded: false, Err: lastErr}
}
