// Package costs implements per-request cost accounting: the immutable
// pricing table (pricing.go), a running cost tracker with per-provider and
// per-model totals, a bounded ring of recent records, and a one-shot
// cumulative-USD threshold alert.
package costs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const recentRingCapacity = 50

// Record is one priced request, appended to the recent ring and folded into
// the running totals.
type Record struct {
	Provider     string
	ModelID      string
	InputTokens  int
	OutputTokens int
	CostUsd      float64
	At           time.Time
	Unknown      bool // ModelID had no pricing entry; the default price was used
}

// Totals is an accumulator for one dimension (provider or model).
type Totals struct {
	CostUsd      float64
	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

// Summary is a deep-enough snapshot callers can serialize without holding
// internal references.
type Summary struct {
	TotalUsd     float64
	TotalInTok   int64
	TotalOutTok  int64
	ByProvider   map[string]Totals
	ByModel      map[string]Totals
	Recent       []Record
}

// Sink receives every recorded Record for optional durable persistence
// (e.g. ClickHouse). Implementations must not block the caller for long —
// Tracker delivers to sinks over a bounded async channel, mirroring the
// gateway's own non-blocking request logger.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Tracker accumulates cost data for the lifetime of the process. It is the
// single coordinator value owning this state; all mutation goes through its
// exported methods under a per-tracker lock, never via package-level maps.
type Tracker struct {
	mu sync.Mutex

	totalUsd    float64
	totalInTok  int64
	totalOutTok int64
	byProvider  map[string]Totals
	byModel     map[string]Totals

	recent     []Record
	recentHead int
	recentLen  int

	alertThresholdUsd float64
	alertFired        bool

	log  *slog.Logger
	sink Sink
	ch   chan Record
	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlertThreshold sets the cumulative USD value that triggers a one-shot
// warning event. Zero or negative disables the alert.
func WithAlertThreshold(usd float64) Option {
	return func(t *Tracker) { t.alertThresholdUsd = usd }
}

// WithLogger sets the logger used for the threshold alert and sink errors.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// New constructs a Tracker ready to record costs.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		byProvider: make(map[string]Totals),
		byModel:    make(map[string]Totals),
		recent:     make([]Record, recentRingCapacity),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetSink wires an optional durable sink (e.g. ClickHouse-backed) and starts
// the background delivery goroutine. Like internal/logger, writes never
// block the hot path: the channel is bounded and full sends are dropped.
func (t *Tracker) SetSink(ctx context.Context, sink Sink) {
	t.mu.Lock()
	t.sink = sink
	if t.ch == nil {
		t.ch = make(chan Record, 10_000)
		t.done = make(chan struct{})
		t.wg.Add(1)
		go t.runSink(ctx)
	}
	t.mu.Unlock()
}

func (t *Tracker) runSink(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case r := <-t.ch:
			t.mu.Lock()
			sink := t.sink
			t.mu.Unlock()
			if sink == nil {
				continue
			}
			if err := sink.Write(ctx, r); err != nil {
				t.log.Warn("cost_sink_write_error", slog.String("error", err.Error()))
			}
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the background sink goroutine, if running.
func (t *Tracker) Close() {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()
	if done != nil {
		close(done)
		t.wg.Wait()
	}
}

// Record computes cost = (input/1000)*inputPer1K + (output/1000)*outputPer1K
// for modelID's pricing entry, updates running totals and the recent ring,
// and returns the resulting Record.
func (t *Tracker) Record(provider, modelID string, inputTokens, outputTokens int) Record {
	price, known := Lookup(modelID)
	cost := (float64(inputTokens)/1000.0)*price.InputPer1K + (float64(outputTokens)/1000.0)*price.OutputPer1K

	rec := Record{
		Provider:     provider,
		ModelID:      modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUsd:      cost,
		At:           time.Now(),
		Unknown:      !known,
	}

	t.mu.Lock()

	t.totalUsd += cost
	t.totalInTok += int64(inputTokens)
	t.totalOutTok += int64(outputTokens)

	pt := t.byProvider[provider]
	pt.CostUsd += cost
	pt.InputTokens += int64(inputTokens)
	pt.OutputTokens += int64(outputTokens)
	pt.Requests++
	t.byProvider[provider] = pt

	mt := t.byModel[modelID]
	mt.CostUsd += cost
	mt.InputTokens += int64(inputTokens)
	mt.OutputTokens += int64(outputTokens)
	mt.Requests++
	t.byModel[modelID] = mt

	t.recent[(t.recentHead+t.recentLen)%recentRingCapacity] = rec
	if t.recentLen < recentRingCapacity {
		t.recentLen++
	} else {
		t.recentHead = (t.recentHead + 1) % recentRingCapacity
	}

	fireAlert := false
	if t.alertThresholdUsd > 0 && !t.alertFired && t.totalUsd >= t.alertThresholdUsd {
		t.alertFired = true
		fireAlert = true
	}

	ch := t.ch
	t.mu.Unlock()

	if fireAlert {
		t.log.Warn("cumulative_cost_threshold_crossed",
			slog.Float64("threshold_usd", t.alertThresholdUsd),
			slog.Float64("total_usd", t.totalUsd))
	}

	if ch != nil {
		select {
		case ch <- rec:
		default:
			t.log.Warn("cost_sink_channel_full", slog.String("provider", provider))
		}
	}

	return rec
}

// Summary returns a deep-enough snapshot for serialization.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	byProvider := make(map[string]Totals, len(t.byProvider))
	for k, v := range t.byProvider {
		byProvider[k] = v
	}
	byModel := make(map[string]Totals, len(t.byModel))
	for k, v := range t.byModel {
		byModel[k] = v
	}

	recent := make([]Record, t.recentLen)
	for i := 0; i < t.recentLen; i++ {
		recent[i] = t.recent[(t.recentHead+i)%recentRingCapacity]
	}

	return Summary{
		TotalUsd:    t.totalUsd,
		TotalInTok:  t.totalInTok,
		TotalOutTok: t.totalOutTok,
		ByProvider:  byProvider,
		ByModel:     byModel,
		Recent:      recent,
	}
}
