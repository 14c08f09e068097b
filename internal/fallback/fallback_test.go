package fallback

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayforge/gateway/internal/registry"
)

type providerError struct {
	status int
	msg    string
}

func (e *providerError) Error() string   { return e.msg }
func (e *providerError) HTTPStatus() int { return e.status }

func okCandidate(name string) Candidate[string] {
	return Candidate[string]{Name: name, Try: func(ctx context.Context) (string, error) {
		return name, nil
	}}
}

func failingCandidate(name string, err error, calls *atomic.Int32) Candidate[string] {
	return Candidate[string]{Name: name, Try: func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", err
	}}
}

func testHealth() *registry.Registry {
	return registry.New(registry.Config{ErrorThreshold: 5, TimeWindow: time.Minute, HalfOpenTimeout: time.Second})
}

func TestExecute_PrimarySucceedsImmediately(t *testing.T) {
	candidates := []Candidate[string]{okCandidate("openai"), okCandidate("anthropic")}
	res := Execute(context.Background(), candidates, testHealth(), Config{}, nil)

	if !res.Succeeded || res.Provider != "openai" {
		t.Fatalf("expected openai to succeed immediately, got %+v", res)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(res.Attempts))
	}
}

func TestExecute_RetriesSameProviderBeforeFailover(t *testing.T) {
	var calls atomic.Int32
	err := &providerError{status: 500, msg: "down"}

	candidates := []Candidate[string]{
		{Name: "openai", Try: func(ctx context.Context) (string, error) {
			n := calls.Add(1)
			if n < 3 {
				return "", err
			}
			return "openai", nil
		}},
		okCandidate("anthropic"),
	}

	cfg := Config{MaxRetriesPerProvider: 3, BackoffBaseMs: 1}
	res := Execute(context.Background(), candidates, testHealth(), cfg, nil)

	if !res.Succeeded || res.Provider != "openai" {
		t.Fatalf("expected same-provider retry to eventually succeed, got %+v", res)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls against openai before success, got %d", calls.Load())
	}
	if len(res.Attempts) != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", len(res.Attempts))
	}
}

func TestExecute_FailsOverAfterRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	err := &providerError{status: 500, msg: "down"}

	candidates := []Candidate[string]{
		failingCandidate("openai", err, &calls),
		okCandidate("anthropic"),
	}

	cfg := Config{MaxRetriesPerProvider: 2, BackoffBaseMs: 1}
	res := Execute(context.Background(), candidates, testHealth(), cfg, nil)

	if !res.Succeeded || res.Provider != "anthropic" {
		t.Fatalf("expected failover to anthropic, got %+v", res)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts against openai (1 + 2 retries), got %d", calls.Load())
	}
}

func TestExecute_NonRetryableStopsProviderRetriesImmediately(t *testing.T) {
	var calls atomic.Int32
	err := &providerError{status: 401, msg: "unauthorized"}

	candidates := []Candidate[string]{
		failingCandidate("openai", err, &calls),
		okCandidate("anthropic"),
	}

	cfg := Config{MaxRetriesPerProvider: 5, BackoffBaseMs: 1}
	res := Execute(context.Background(), candidates, testHealth(), cfg, nil)

	if !res.Succeeded || res.Provider != "anthropic" {
		t.Fatalf("expected failover to anthropic after non-retryable error, got %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 attempt against openai (no retries for 401), got %d", calls.Load())
	}
}

func TestExecute_AllProvidersFail(t *testing.T) {
	var calls atomic.Int32
	err := &providerError{status: 500, msg: "down"}

	candidates := []Candidate[string]{
		failingCandidate("openai", err, &calls),
		failingCandidate("anthropic", err, &calls),
	}

	cfg := Config{MaxRetriesPerProvider: 0, BackoffBaseMs: 1}
	res := Execute(context.Background(), candidates, testHealth(), cfg, nil)

	if res.Succeeded {
		t.Fatal("expected overall failure")
	}
	if res.Err == nil {
		t.Fatal("expected a non-nil Err on overall failure")
	}
}

func TestExecute_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	health := testHealth()
	for i := 0; i < 5; i++ {
		health.RecordFailure("openai")
	}

	var calls atomic.Int32
	candidates := []Candidate[string]{
		{Name: "openai", Try: func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "openai", nil
		}},
		okCandidate("anthropic"),
	}

	res := Execute(context.Background(), candidates, health, Config{}, nil)

	if !res.Succeeded || res.Provider != "anthropic" {
		t.Fatalf("expected anthropic since openai's breaker is open, got %+v", res)
	}
	if calls.Load() != 0 {
		t.Error("expected openai to never be called while its breaker is open")
	}
}

func TestExecute_MaxTotalAttemptsRespected(t *testing.T) {
	var calls atomic.Int32
	err := &providerError{status: 500, msg: "down"}

	candidates := []Candidate[string]{
		failingCandidate("openai", err, &calls),
		failingCandidate("anthropic", err, &calls),
		failingCandidate("gemini", err, &calls),
	}

	cfg := Config{MaxRetriesPerProvider: 5, BackoffBaseMs: 1, MaxTotalAttempts: 2}
	res := Execute(context.Background(), candidates, testHealth(), cfg, nil)

	if res.Succeeded {
		t.Fatal("expected failure given no candidate succeeds")
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly 2 total attempts across all candidates, got %d", calls.Load())
	}
}

func TestExecute_ContextCancellationDuringBackoffStopsEarly(t *testing.T) {
	var calls atomic.Int32
	err := &providerError{status: 500, msg: "down"}

	ctx, cancel := context.WithCancel(context.Background())

	candidates := []Candidate[string]{
		{Name: "openai", Try: func(ctx context.Context) (string, error) {
			n := calls.Add(1)
			if n == 1 {
				cancel()
			}
			return "", err
		}},
	}

	cfg := Config{MaxRetriesPerProvider: 5, BackoffBaseMs: 5000}
	res := Execute(ctx, candidates, testHealth(), cfg, nil)

	if res.Succeeded {
		t.Fatal("expected failure after context cancellation mid-backoff")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 attempt before cancellation interrupted the backoff sleep, got %d", calls.Load())
	}
}
