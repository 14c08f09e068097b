package retry

import (
	"context"
	"errors"
	"testing"
)

type providerError struct {
	status int
	msg    string
}

func (e providerError) Error() string    { return e.msg }
func (e providerError) HTTPStatus() int  { return e.status }

func TestIsRetryable_ServerErrors(t *testing.T) {
	for _, status := range []int{500, 502, 503, 504} {
		if !IsRetryable(providerError{status: status, msg: "boom"}) {
			t.Errorf("status %d should be retryable", status)
		}
	}
}

func TestIsRetryable_RateLimitIsRetryable(t *testing.T) {
	if !IsRetryable(providerError{status: 429, msg: "rate limited"}) {
		t.Error("429 should be retryable: a short backoff is exactly what absorbs a rate limit")
	}
}

func TestIsRetryable_ClientErrorsNotRetryable(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404} {
		if IsRetryable(providerError{status: status, msg: "bad"}) {
			t.Errorf("status %d should not be retryable", status)
		}
	}
}

func TestIsRetryable_DeadlineExceeded(t *testing.T) {
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}
}

func TestIsRetryable_NetworkLevelTransientPhraseRetryable(t *testing.T) {
	for _, msg := range []string{
		"read tcp: connection reset by peer",
		"dial tcp: connection refused",
		"context deadline exceeded (Client.Timeout exceeded while awaiting headers)",
		"socket hang up",
		"network is unreachable",
		"fetch failed",
		"request aborted",
	} {
		if !IsRetryable(errors.New(msg)) {
			t.Errorf("expected %q to be retryable (transient phrase match)", msg)
		}
	}
}

func TestIsRetryable_UnknownErrorWithoutTransientPhraseNotRetryable(t *testing.T) {
	if IsRetryable(errors.New("unexpected end of JSON input")) {
		t.Error("a status-less error with no recognizable transient phrase should not be retryable")
	}
}

func TestIsRetryable_NilNotRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{providerError{status: 503, msg: "x"}, "http_503"},
		{errors.New("x"), "unknown"},
	}
	for _, c := range cases {
		if got := ClassifyError(c.err); got != c.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestBackoff_WithinBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, 100)
			if d < 0 || d > MaxBackoffMs {
				t.Fatalf("attempt %d: backoff %d out of bounds [0, %d]", attempt, d, MaxBackoffMs)
			}
		}
	}
}

func TestBackoff_GrowsWithAttemptOnAverage(t *testing.T) {
	// Full jitter is random, but the ceiling should monotonically grow
	// (until capped), so sampling many draws the max observed at a later
	// attempt should exceed the max observed at attempt 0, almost always.
	const samples = 200
	maxAt := func(attempt int) int {
		max := 0
		for i := 0; i < samples; i++ {
			if d := Backoff(attempt, 50); d > max {
				max = d
			}
		}
		return max
	}
	if maxAt(5) < maxAt(0) {
		t.Error("expected backoff ceiling to grow with attempt number")
	}
}

func TestBackoff_RespectsCapEvenAtHighAttempt(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Backoff(30, 1000)
		if d > MaxBackoffMs {
			t.Fatalf("backoff %d exceeded cap %d", d, MaxBackoffMs)
		}
	}
}
