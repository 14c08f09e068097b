// Package retry holds the pure decision functions the fallback handler
// builds on: whether an error is worth retrying, what category it falls
// into for logs and metrics, and how long to back off before the next
// attempt. It generalizes the gateway's original failover classification,
// with one deliberate behavioral change: 429 is treated as retryable here.
// The original treated 429 as a client-level rate limit not worth retrying;
// that reads naturally for a single fixed candidate order, but once a
// retry can target the same provider after a backoff (the nested
// retry-then-failover this package feeds), a 429 is exactly the case a
// short backoff is meant to absorb.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/relayforge/gateway/internal/providers"
)

// transientPhrases are well-known substrings of network-level error messages
// that indicate a transient failure worth retrying, used only when the error
// carries no HTTP status to classify by.
var transientPhrases = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"socket hang up",
	"network",
	"fetch failed",
	"abort",
}

// MaxBackoffMs is the ceiling full-jitter backoff never exceeds, regardless
// of attempt number.
const MaxBackoffMs = 10_000

// StatusCoder is satisfied by provider errors that carry an HTTP status.
// Re-exported locally so callers needn't import internal/providers just to
// type-assert an error they already have.
type StatusCoder = providers.StatusCoder

// IsRetryable reports whether err should trigger another attempt, either
// against the same provider (after a backoff) or the next candidate.
//
//   - context.DeadlineExceeded → retryable (timeout)
//   - status 429 or 5xx → retryable
//   - other 4xx → not retryable (bad request / auth won't change on retry)
//   - no status (network-level error) → retryable only if the error message
//     contains a well-known transient phrase; anything else is treated as
//     non-retryable rather than retried blindly.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 429 || (status >= 500 && status < 600)
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// ClassifyError converts an error into a short category string for log
// fields and metric labels.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}

// Backoff computes a full-jitter delay in milliseconds for the given
// zero-based attempt number: uniform(0, min(cap, baseMs * 2^attempt)).
// Full jitter (rather than decorrelated jitter) is used deliberately so
// concurrent callers retrying the same provider after a shared outage don't
// converge on correlated retry times.
func Backoff(attempt int, baseMs int) int {
	if attempt < 0 {
		attempt = 0
	}
	if baseMs <= 0 {
		baseMs = 1
	}

	ceiling := baseMs
	for i := 0; i < attempt; i++ {
		if ceiling > MaxBackoffMs {
			ceiling = MaxBackoffMs
			break
		}
		ceiling *= 2
	}
	if ceiling > MaxBackoffMs {
		ceiling = MaxBackoffMs
	}

	if ceiling <= 0 {
		return 0
	}
	return rand.Intn(ceiling + 1)
}
