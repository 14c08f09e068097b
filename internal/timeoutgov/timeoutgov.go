// Package timeoutgov resolves the effective per-request deadline and
// installs the cancellation token downstream executors must consult at
// every suspension point. The gateway previously applied one fixed
// providerTimeout via context.WithTimeout at the call site; this package
// generalizes that single constant into the header/override/default
// priority chain the routing layer needs, while keeping the same
// context.Context-based cancellation mechanism the teacher already uses
// throughout its provider adapters and streaming handlers.
package timeoutgov

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeoutMs and DefaultMaxAllowedTimeoutMs are used when a Governor
// is constructed without explicit overrides.
const (
	DefaultTimeoutMs          = 30_000
	DefaultMaxAllowedTimeoutMs = 120_000
)

// TimeoutError is the structured error surfaced when the governor's
// deadline fires, carrying enough detail for the HTTP boundary to build a
// 408 OpenAI-compatible error envelope.
type TimeoutError struct {
	TimeoutMs int
	Provider  string
}

func (e *TimeoutError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("request timed out after %dms against provider %s", e.TimeoutMs, e.Provider)
	}
	return fmt.Sprintf("request timed out after %dms", e.TimeoutMs)
}

// Config holds the process-wide timeout configuration.
type Config struct {
	// DefaultMs is used when no header or per-provider override applies.
	DefaultMs int
	// MaxAllowedTimeoutMs bounds the X-Timeout-Ms header's effective value.
	MaxAllowedTimeoutMs int
	// PerProvider overrides DefaultMs for specific providers, keyed by
	// provider name.
	PerProvider map[string]int
}

func (c Config) defaultMs() int {
	if c.DefaultMs > 0 {
		return c.DefaultMs
	}
	return DefaultTimeoutMs
}

func (c Config) maxAllowedMs() int {
	if c.MaxAllowedTimeoutMs > 0 {
		return c.MaxAllowedTimeoutMs
	}
	return DefaultMaxAllowedTimeoutMs
}

// Governor resolves effective deadlines and installs cancellation tokens.
type Governor struct {
	cfg Config
	log *slog.Logger
}

// New constructs a Governor.
func New(cfg Config, log *slog.Logger) *Governor {
	if log == nil {
		log = slog.Default()
	}
	return &Governor{cfg: cfg, log: log}
}

// Resolve picks the effective timeout in milliseconds for one request, in
// priority order:
//  1. headerMs, if present and valid (clamped to [1, MaxAllowedTimeoutMs];
//     an out-of-range or unparsable value is ignored with a warning, not
//     clamped silently into validity — clamping only happens for in-range
//     but over-the-ceiling values).
//  2. the provider-specific override, if provider is non-empty and has one.
//  3. the configured default.
//
// headerPresent distinguishes "header absent" from "header present but
// invalid" for the warning log; pass headerMs=0, headerPresent=false when
// there was no header at all.
func (g *Governor) Resolve(ctx context.Context, headerMs int, headerPresent bool, provider string) int {
	if headerPresent {
		if headerMs >= 1 {
			clamped := headerMs
			if clamped > g.cfg.maxAllowedMs() {
				clamped = g.cfg.maxAllowedMs()
			}
			return clamped
		}
		g.log.WarnContext(ctx, "timeout_header_invalid_ignored", slog.Int("value_ms", headerMs))
	}

	if provider != "" {
		if ms, ok := g.cfg.PerProvider[provider]; ok && ms > 0 {
			return ms
		}
	}

	return g.cfg.defaultMs()
}

// WithDeadline installs a context.Context deadline of timeoutMs and returns
// it along with its cancel function. Callers MUST call cancel on every exit
// path (success, failure, or timeout) to release the underlying timer —
// this package does not do it for them, matching how context.WithTimeout
// itself requires the caller to defer cancel.
func (g *Governor) WithDeadline(parent context.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, time.Duration(timeoutMs)*time.Millisecond)
}

// Fired reports whether ctx's deadline has elapsed (as opposed to having
// been canceled for some other reason, e.g. client disconnect). Use this to
// decide whether to surface a TimeoutError versus a plain cancellation.
func Fired(ctx context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded
}
