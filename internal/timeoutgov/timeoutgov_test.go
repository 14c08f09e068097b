package timeoutgov

import (
	"context"
	"testing"
	"time"
)

func TestResolve_HeaderTakesPriority(t *testing.T) {
	g := New(Config{DefaultMs: 30_000, PerProvider: map[string]int{"openai": 10_000}}, nil)
	got := g.Resolve(context.Background(), 5_000, true, "openai")
	if got != 5_000 {
		t.Errorf("expected header value to win, got %d", got)
	}
}

func TestResolve_HeaderClampedToMax(t *testing.T) {
	g := New(Config{DefaultMs: 30_000, MaxAllowedTimeoutMs: 60_000}, nil)
	got := g.Resolve(context.Background(), 999_999, true, "")
	if got != 60_000 {
		t.Errorf("expected clamp to max allowed, got %d", got)
	}
}

func TestResolve_InvalidHeaderIgnoredFallsToProviderOverride(t *testing.T) {
	g := New(Config{DefaultMs: 30_000, PerProvider: map[string]int{"openai": 10_000}}, nil)
	got := g.Resolve(context.Background(), 0, true, "openai")
	if got != 10_000 {
		t.Errorf("expected provider override after invalid header, got %d", got)
	}
}

func TestResolve_NegativeHeaderIgnored(t *testing.T) {
	g := New(Config{DefaultMs: 30_000}, nil)
	got := g.Resolve(context.Background(), -5, true, "")
	if got != 30_000 {
		t.Errorf("expected default after negative header, got %d", got)
	}
}

func TestResolve_NoHeaderUsesProviderOverride(t *testing.T) {
	g := New(Config{DefaultMs: 30_000, PerProvider: map[string]int{"anthropic": 45_000}}, nil)
	got := g.Resolve(context.Background(), 0, false, "anthropic")
	if got != 45_000 {
		t.Errorf("expected provider override, got %d", got)
	}
}

func TestResolve_NoHeaderNoOverrideUsesDefault(t *testing.T) {
	g := New(Config{DefaultMs: 30_000}, nil)
	got := g.Resolve(context.Background(), 0, false, "gemini")
	if got != 30_000 {
		t.Errorf("expected default, got %d", got)
	}
}

func TestResolve_EmptyProviderSkipsOverrideLookup(t *testing.T) {
	g := New(Config{DefaultMs: 30_000, PerProvider: map[string]int{"": 1}}, nil)
	got := g.Resolve(context.Background(), 0, false, "")
	if got != 30_000 {
		t.Errorf("expected default when provider detection fails (empty), got %d", got)
	}
}

func TestWithDeadline_FiresTimeoutError(t *testing.T) {
	g := New(Config{}, nil)
	ctx, cancel := g.WithDeadline(context.Background(), 10)
	defer cancel()

	<-ctx.Done()
	if !Fired(ctx) {
		t.Error("expected Fired to report true after deadline elapsed")
	}
}

func TestWithDeadline_CancelBeforeFiringIsNotAFire(t *testing.T) {
	g := New(Config{}, nil)
	ctx, cancel := g.WithDeadline(context.Background(), int(time.Hour.Milliseconds()))
	cancel()
	<-ctx.Done()
	if Fired(ctx) {
		t.Error("expected explicit cancel to not be classified as a deadline fire")
	}
}
