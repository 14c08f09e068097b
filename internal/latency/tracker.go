// Package latency tracks per-provider response latency: a bounded sample
// ring for percentile computation, an exponential moving average for
// routing decisions, and a bounded ring of full records (including
// failures) for introspection.
package latency

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultRingCapacity is the number of successful-sample latencies kept
	// per provider for percentile computation.
	DefaultRingCapacity = 100

	// DefaultAlpha is the EMA smoothing factor used when none is configured.
	DefaultAlpha = 0.3

	// recordRingCapacity bounds the full LatencyRecord ring (success + failure).
	recordRingCapacity = 200
)

// Record is one completed attempt, success or failure.
type Record struct {
	Provider string
	Model    string
	TTFBMs   int64
	TotalMs  int64
	Success  bool
	At       time.Time
}

// Stats is a point-in-time derived snapshot for one provider.
type Stats struct {
	SampleCount int
	EMAMs       float64
	P50Ms       float64
	P95Ms       float64
	P99Ms       float64
	LastUpdated time.Time
}

type providerState struct {
	mu sync.Mutex

	ring     []int64 // successful totalMs samples, fixed capacity, circular
	ringHead int
	ringLen  int

	ema     float64
	emaSet  bool
	lastAt  time.Time

	records     []Record // bounded ring of all attempts
	recordsHead int
	recordsLen  int
}

// Tracker owns per-provider latency state. Safe for concurrent use; each
// provider's state is guarded by its own lock so one busy provider never
// blocks another.
type Tracker struct {
	mu       sync.RWMutex
	state    map[string]*providerState
	capacity int
	alpha    float64
	log      *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRingCapacity overrides the default sample ring size.
func WithRingCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithAlpha overrides the EMA smoothing factor. Must be in (0,1]; otherwise
// the default is kept.
func WithAlpha(a float64) Option {
	return func(t *Tracker) {
		if a > 0 && a <= 1 {
			t.alpha = a
		}
	}
}

// WithLogger sets the logger used for rejected (non-finite) samples.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// New constructs a Tracker, built eagerly from explicit config rather than
// a lazily-initialised singleton — the composition root owns the instance
// and passes it to whichever components need it.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		state:    make(map[string]*providerState),
		capacity: DefaultRingCapacity,
		alpha:    DefaultAlpha,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) stateFor(provider string) *providerState {
	t.mu.RLock()
	ps, ok := t.state[provider]
	t.mu.RUnlock()
	if ok {
		return ps
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok = t.state[provider]; ok {
		return ps
	}
	ps = &providerState{
		ring:    make([]int64, t.capacity),
		records: make([]Record, recordRingCapacity),
	}
	t.state[provider] = ps
	return ps
}

// RecordLatency appends a Record for provider/model and, on success, also
// feeds the sample ring and EMA. Non-finite inputs are rejected (no-op,
// logged) rather than corrupting the running statistics.
func (t *Tracker) RecordLatency(provider, model string, ttfbMs, totalMs int64, success bool) {
	if !finite(ttfbMs) || !finite(totalMs) {
		t.log.Warn("latency_non_finite_sample",
			slog.String("provider", provider), slog.Int64("ttfb_ms", ttfbMs), slog.Int64("total_ms", totalMs))
		return
	}

	ps := t.stateFor(provider)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	rec := Record{Provider: provider, Model: model, TTFBMs: ttfbMs, TotalMs: totalMs, Success: success, At: time.Now()}
	ps.records[(ps.recordsHead+ps.recordsLen)%recordRingCapacity] = rec
	if ps.recordsLen < recordRingCapacity {
		ps.recordsLen++
	} else {
		ps.recordsHead = (ps.recordsHead + 1) % recordRingCapacity
	}

	if !success {
		return
	}

	ps.ring[(ps.ringHead+ps.ringLen)%len(ps.ring)] = totalMs
	if ps.ringLen < len(ps.ring) {
		ps.ringLen++
	} else {
		ps.ringHead = (ps.ringHead + 1) % len(ps.ring)
	}

	if !ps.emaSet {
		ps.ema = float64(totalMs)
		ps.emaSet = true
	} else {
		ps.ema = t.alpha*float64(totalMs) + (1-t.alpha)*ps.ema
	}
	ps.lastAt = rec.At
}

func finite(v int64) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// GetStats returns a zeroed Stats if no samples exist for provider, else
// p50/p95/p99 computed by nearest-rank over a sorted snapshot copy.
func (t *Tracker) GetStats(provider string) Stats {
	t.mu.RLock()
	ps, ok := t.state[provider]
	t.mu.RUnlock()
	if !ok {
		return Stats{}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ringLen == 0 {
		return Stats{}
	}

	samples := make([]int64, ps.ringLen)
	for i := 0; i < ps.ringLen; i++ {
		samples[i] = ps.ring[(ps.ringHead+i)%len(ps.ring)]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return Stats{
		SampleCount: ps.ringLen,
		EMAMs:       round2(ps.ema),
		P50Ms:       percentile(samples, 0.50),
		P95Ms:       percentile(samples, 0.95),
		P99Ms:       percentile(samples, 0.99),
		LastUpdated: ps.lastAt,
	}
}

// EMA returns the current EMA for provider, or +Inf if no successful sample
// has ever been recorded — this is the sentinel the rules engine and
// selector use to sort "unknown latency" providers last.
func (t *Tracker) EMA(provider string) float64 {
	t.mu.RLock()
	ps, ok := t.state[provider]
	t.mu.RUnlock()
	if !ok {
		return math.Inf(1)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.emaSet {
		return math.Inf(1)
	}
	return ps.ema
}

// Records returns a snapshot copy of the bounded full-attempt ring for
// provider, oldest first.
func (t *Tracker) Records(provider string) []Record {
	t.mu.RLock()
	ps, ok := t.state[provider]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]Record, ps.recordsLen)
	for i := 0; i < ps.recordsLen; i++ {
		out[i] = ps.records[(ps.recordsHead+i)%recordRingCapacity]
	}
	return out
}

func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
