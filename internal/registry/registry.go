// Package registry is the provider health state machine: a per-provider
// circuit breaker (closed/open/half-open) plus the auxiliary health fields
// the rules engine and selector read when ranking candidates. It generalizes
// the gateway's original circuit breaker into the full provider-state
// bookkeeping the routing layer needs, while preserving its concurrency
// shape exactly — the half-open transition is still a single critical
// section, not a separate compare-and-swap.
package registry

import (
	"sync"
	"time"
)

// State is the operational state of a provider's circuit breaker.
//
//	Closed   — normal operation; all requests pass through.
//	Open     — provider is failing; requests are rejected immediately.
//	HalfOpen — recovery probe; exactly one request is allowed through.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state the way metrics and logs want it.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds circuit breaker tuning parameters.
type Config struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int
	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration
	// HalfOpenTimeout is the base cooldown before the breaker allows its
	// first probe request after opening.
	HalfOpenTimeout time.Duration
	// MaxCooldown caps the exponentially lengthened cooldown applied after
	// repeated probe failures.
	MaxCooldown time.Duration
}

const (
	DefaultErrorThreshold  = 5
	DefaultTimeWindow      = 60 * time.Second
	DefaultHalfOpenTimeout = 30 * time.Second
	DefaultMaxCooldown     = 10 * time.Minute
)

func (c *Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return DefaultErrorThreshold
}

func (c *Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return DefaultTimeWindow
}

func (c *Config) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return DefaultHalfOpenTimeout
}

func (c *Config) maxCooldown() time.Duration {
	if c.MaxCooldown > 0 {
		return c.MaxCooldown
	}
	return DefaultMaxCooldown
}

// Snapshot is the read-only view of a provider's health, the shape the rules
// engine and selector consume — this is the ProviderState surface.
type Snapshot struct {
	Provider            string
	State               State
	ConsecutiveFailures int
	LastFailureTs       time.Time
	CooldownUntilTs      time.Time
	Available           bool
	RateLimitRemaining  int // -1 means unknown/not tracked
}

// providerEntry holds per-provider mutable state behind one mutex, exactly
// mirroring the original breaker's single-lock shape so the half-open
// transition stays atomic without a separate CAS primitive.
type providerEntry struct {
	mu sync.Mutex

	state         State
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool

	consecutiveFailures int
	lastFailureTs       time.Time
	rateLimitRemaining  int
	openCount           int // number of times this breaker has opened since its last Closed success; drives exponential cooldown
	cooldown            time.Duration
}

// Registry tracks independent circuit breakers and health fields for every
// provider it has seen. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*providerEntry
	cfg     Config
}

// New constructs a Registry. Providers are registered lazily on first use,
// so no seed list is required — this differs from the original breaker,
// which pre-populated a fixed default fallback order; on-demand
// registration works just as well and avoids coupling the registry to a
// hardcoded provider list.
func New(cfg Config) *Registry {
	return &Registry{
		entries: make(map[string]*providerEntry),
		cfg:     cfg,
	}
}

func (r *Registry) entryFor(provider string) *providerEntry {
	r.mu.RLock()
	e, ok := r.entries[provider]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[provider]; ok {
		return e
	}
	e = &providerEntry{
		state:              Closed,
		windowStart:        time.Now(),
		rateLimitRemaining: -1,
	}
	r.entries[provider] = e
	return e
}

// Allow reports whether provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout elapsed, in which case
//     the breaker transitions to HalfOpen and admits exactly one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// The Open→HalfOpen transition and the probeInflight flag are set inside the
// same locked section that decides the return value, so two concurrent
// callers racing the half-open timeout can never both be admitted as the
// probe.
func (r *Registry) Allow(provider string) bool {
	e := r.entryFor(provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return true

	case Open:
		if time.Since(e.openedAt) >= e.cooldown {
			e.state = HalfOpen
			e.probeInflight = true
			return true
		}
		return false

	case HalfOpen:
		if e.probeInflight {
			return false
		}
		e.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider and resets the
// breaker to Closed. A success — whether the provider was never tripped or
// this was the half-open probe — also resets the exponential cooldown
// counter, so the next time it opens it starts from the base HalfOpenTimeout
// again rather than carrying forward a lengthened cooldown from an outage
// that has since recovered.
func (r *Registry) RecordSuccess(provider string) {
	e := r.entryFor(provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = Closed
	e.errorCount = 0
	e.probeInflight = false
	e.windowStart = time.Now()
	e.consecutiveFailures = 0
	e.openCount = 0
}

// RecordFailure increments the error counter for provider. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens. A failure of
// the half-open probe reopens the breaker with an exponentially lengthened
// cooldown (base HalfOpenTimeout, doubling per consecutive open, capped at
// MaxCooldown) rather than the same fixed timeout every time.
func (r *Registry) RecordFailure(provider string) {
	e := r.entryFor(provider)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	wasHalfOpen := e.state == HalfOpen

	if now.Sub(e.windowStart) > r.cfg.timeWindow() {
		e.errorCount = 0
		e.windowStart = now
	}

	e.errorCount++
	e.probeInflight = false
	e.consecutiveFailures++
	e.lastFailureTs = now

	if wasHalfOpen || e.errorCount >= r.cfg.errorThreshold() {
		e.state = Open
		e.openedAt = now
		e.openCount++
		e.cooldown = r.cooldownFor(e.openCount)
	}
}

// cooldownFor returns the base HalfOpenTimeout doubled (openCount-1) times,
// capped at MaxCooldown.
func (r *Registry) cooldownFor(openCount int) time.Duration {
	base := r.cfg.halfOpenTimeout()
	capped := r.cfg.maxCooldown()

	cooldown := base
	for i := 1; i < openCount; i++ {
		if cooldown >= capped {
			return capped
		}
		cooldown *= 2
	}
	if cooldown > capped {
		return capped
	}
	return cooldown
}

// SetRateLimitRemaining records the most recently observed remaining-quota
// hint for provider (e.g. parsed from a provider's rate-limit response
// header). Pass -1 to mark it unknown again.
func (r *Registry) SetRateLimitRemaining(provider string, remaining int) {
	e := r.entryFor(provider)
	e.mu.Lock()
	e.rateLimitRemaining = remaining
	e.mu.Unlock()
}

// State returns the current breaker state for provider.
func (r *Registry) State(provider string) State {
	e := r.entryFor(provider)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the full health view for provider, used by the rules
// engine for scoring and by the selector for admissibility filtering.
func (r *Registry) Snapshot(provider string) Snapshot {
	e := r.entryFor(provider)
	e.mu.Lock()
	defer e.mu.Unlock()

	cooldownUntil := time.Time{}
	available := e.state != Open
	if e.state == Open {
		cooldownUntil = e.openedAt.Add(e.cooldown)
		// Cooldown elapsed: report available even though Allow() hasn't been
		// called yet to perform the actual Open→HalfOpen transition. The
		// selector only reads a point-in-time snapshot; the transition itself
		// (and its probeInflight CAS) happens when the chosen candidate is
		// actually dispatched via Allow().
		available = time.Since(e.openedAt) >= e.cooldown
	}

	return Snapshot{
		Provider:            provider,
		State:               e.state,
		ConsecutiveFailures: e.consecutiveFailures,
		LastFailureTs:       e.lastFailureTs,
		CooldownUntilTs:     cooldownUntil,
		Available:           available,
		RateLimitRemaining:  e.rateLimitRemaining,
	}
}

// Providers returns the names of every provider the registry has seen.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
