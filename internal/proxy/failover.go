package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayforge/gateway/internal/fallback"
	"github.com/relayforge/gateway/internal/providers"
	"github.com/relayforge/gateway/internal/rules"
	"github.com/relayforge/gateway/internal/selector"
)

// requestWithFailover ranks the capability-matched candidates for primary
// via the routing selector and runs them through the retry-then-failover
// handler until one succeeds or every admissible candidate is exhausted.
// Providers whose registry state is Open (circuit tripped) are filtered out
// by selector.SelectWithFallback before the first attempt is made. A
// provider whose token bucket is empty is not filtered out there:
// attemptProvider refuses the call with a retryable 429 error instead.
//
// Returns the successful response, the name of the provider that served it,
// and nil — or nil, "", and an error (selector.ErrNoProvidersAvailable, or
// the wrapped error of the last attempt) if every candidate fails.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	primary string,
	route string,
	strategy string,
) (*providers.ProxyResponse, string, error) {
	inputs := g.candidateInputs(primary, req.Model)

	cfg := fallback.Config{
		MaxRetriesPerProvider: g.maxRetries,
		BackoffBaseMs:         g.retryBackoffBaseMs,
		OnSkip: func(provider string) {
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(provider, "open")
			}
		},
	}

	res := selector.SelectWithFallback(g.selector, ctx, inputs, rules.ParseStrategy(strategy), cfg,
		func(ctx context.Context, in selector.Input) (*providers.ProxyResponse, error) {
			return g.attemptProvider(ctx, req, in, primary, route)
		})

	if res.Succeeded {
		if res.Provider != primary {
			g.log.InfoContext(ctx, "failover_success",
				slog.String("request_id", req.RequestID),
				slog.String("from", primary),
				slog.String("to", res.Provider),
			)
			if g.metrics != nil {
				g.metrics.RecordFailoverSuccess(primary, res.Provider)
			}
		}
		return res.Value, res.Provider, nil
	}

	if errors.Is(res.Err, selector.ErrNoProvidersAvailable) {
		return nil, "", res.Err
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", fmt.Errorf("failover: all providers failed: %w", res.Err)
}

// attemptProvider makes one upstream call and records its outcome to the
// latency tracker and metrics. Health (registry success/failure) is
// recorded by fallback.Execute itself, not here, so it happens exactly once
// per attempt regardless of retry/backoff bookkeeping.
func (g *Gateway) attemptProvider(
	ctx context.Context,
	req *providers.ProxyRequest,
	in selector.Input,
	primary string,
	route string,
) (*providers.ProxyResponse, error) {
	if err := ctx.Err(); err != nil {
		// The governor's deadline already fired (or the client disconnected).
		// Returning immediately here, rather than issuing one more upstream
		// call, is what keeps a fired timeout fatal: every remaining
		// candidate's Try becomes a fast no-op instead of a real attempt.
		return nil, err
	}

	prov, ok := g.providers[in.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", in.Provider)
	}

	if g.bucketLimiter != nil {
		if admitted, retryAfterMs := g.bucketLimiter.TryAcquire(in.Provider); !admitted {
			g.log.WarnContext(ctx, "bucket_limiter_denied",
				slog.String("request_id", req.RequestID),
				slog.String("provider", in.Provider),
				slog.Int64("retry_after_ms", retryAfterMs),
			)
			if g.metrics != nil {
				g.metrics.RecordBucketRejection(in.Provider)
			}
			return nil, &bucketExhaustedError{provider: in.Provider, retryAfterMs: retryAfterMs}
		}
	}

	if in.Provider != primary {
		if g.metrics != nil {
			g.metrics.RecordFailover(primary, primary, in.Provider, "")
		}
	}

	start := time.Now()
	resp, err := prov.Request(ctx, req)
	dur := time.Since(start)

	if g.latencyT != nil {
		g.latencyT.RecordLatency(in.Provider, in.ResolvedModel, dur.Milliseconds(), dur.Milliseconds(), err == nil)
		if g.metrics != nil {
			stats := g.latencyT.GetStats(in.Provider)
			g.metrics.SetLatencyPercentiles(in.Provider, stats.P50Ms, stats.P95Ms, stats.P99Ms)
		}
	}

	reason := "success"
	if err != nil {
		reason = classifyError(err)
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", in.Provider),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(in.Provider, route, reason, dur)
		if err != nil {
			g.metrics.RecordError(in.Provider, reason)
		}
	}

	return resp, err
}

// bucketExhaustedError is returned when a provider's local token bucket has
// no admission left. It reports HTTP 429 so retry.IsRetryable treats it the
// same as an upstream rate-limit response — a short backoff, or failover to
// the next candidate, rather than surfacing it directly to the client.
type bucketExhaustedError struct {
	provider     string
	retryAfterMs int64
}

func (e *bucketExhaustedError) Error() string {
	return fmt.Sprintf("provider %q token bucket exhausted, retry after %dms", e.provider, e.retryAfterMs)
}

func (e *bucketExhaustedError) HTTPStatus() int { return 429 }

// buildCandidateList returns an ordered slice starting with primary, followed
// by the remaining providers in DefaultFallbackOrder (deduped).
func buildCandidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range providers.DefaultFallbackOrder {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
