// Package selector orchestrates the provider registry, the rules engine,
// and the fallback handler into the single call a request dispatcher makes:
// "give me a provider for this request" or "run this request with
// failover, in ranked order." It generalizes the gateway's original
// resolveProvider + static fallback order into a router that reacts to
// live health and latency, while keeping the same two-call shape (resolve,
// then dispatch-with-failover) the teacher's gateway.go already uses.
package selector

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/relayforge/gateway/internal/fallback"
	"github.com/relayforge/gateway/internal/registry"
	"github.com/relayforge/gateway/internal/rules"
)

// ErrNoProvidersAvailable is returned when every capable candidate is
// unavailable (circuit open) or rate-limit exhausted. Maps to HTTP 503 at
// the HTTP boundary.
var ErrNoProvidersAvailable = errors.New("no providers available")

// Input is one capability-matched candidate: a provider able to serve the
// resolved model. Capability filtering itself (dropping providers that
// cannot serve the requested model at all) happens before this package is
// called — it only ranks and admits among candidates already known capable.
type Input struct {
	Provider      string
	ResolvedModel string
}

// HealthSource is the subset of *registry.Registry the selector needs.
type HealthSource interface {
	Allow(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider string)
	Snapshot(provider string) registry.Snapshot
}

// LatencySource is the subset of *latency.Tracker the selector needs.
type LatencySource interface {
	EMA(provider string) float64
}

// PriceFunc returns a blended per-1K-token USD price for a resolved model
// id, used only for relative ranking, not billing (that's internal/costs).
type PriceFunc func(modelID string) float64

// Selector ranks and selects providers for one request at a time. It holds
// no per-request state; all inputs are passed to each call.
type Selector struct {
	health  HealthSource
	latency LatencySource
	price   PriceFunc
	log     *slog.Logger
}

// New constructs a Selector.
func New(health HealthSource, latency LatencySource, price PriceFunc, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{health: health, latency: latency, price: price, log: log}
}

// rank builds rules.Candidate inputs from live health/latency/price state,
// scores them, and returns the admissible subset (available ∧
// rateLimitRemaining ≠ 0, where the registry's -1 "not tracked" counts as
// admissible) sorted by score descending, tiebroken by latency EMA
// ascending (unknown EMA sorts last).
func (s *Selector) rank(inputs []Input, strategy rules.Strategy) []rules.Ranked {
	if len(inputs) == 0 {
		return nil
	}

	candidates := make([]rules.Candidate, len(inputs))
	snapshots := make(map[string]registry.Snapshot, len(inputs))
	for i, in := range inputs {
		snap := s.health.Snapshot(in.Provider)
		snapshots[in.Provider] = snap
		candidates[i] = rules.Candidate{
			Provider:            in.Provider,
			ResolvedModel:       in.ResolvedModel,
			PricePer1KBlended:   s.price(in.ResolvedModel),
			LatencyEMAMs:        s.latency.EMA(in.Provider),
			ConsecutiveFailures: snap.ConsecutiveFailures,
		}
	}

	ranked := rules.Evaluate(candidates, strategy)

	admissible := ranked[:0:0]
	for _, r := range ranked {
		snap := snapshots[r.Provider]
		if snap.Available && snap.RateLimitRemaining != 0 {
			admissible = append(admissible, r)
		}
	}

	sort.SliceStable(admissible, func(i, j int) bool {
		if admissible[i].Score != admissible[j].Score {
			return admissible[i].Score > admissible[j].Score
		}
		return s.latency.EMA(admissible[i].Provider) < s.latency.EMA(admissible[j].Provider)
	})

	return admissible
}

// Select returns the single best admissible candidate for strategy, or
// ErrNoProvidersAvailable if none qualify.
func (s *Selector) Select(inputs []Input, strategy rules.Strategy) (Input, error) {
	admissible := s.rank(inputs, strategy)
	if len(admissible) == 0 {
		return Input{}, ErrNoProvidersAvailable
	}
	top := admissible[0]
	return Input{Provider: top.Provider, ResolvedModel: top.ResolvedModel}, nil
}

// Run is the per-attempt executor SelectWithFallback invokes for each
// admissible candidate, in ranked order.
type Run[R any] func(ctx context.Context, in Input) (R, error)

// SelectWithFallback builds the ranked-and-filtered candidate list once,
// then executes it through the fallback handler's nested retry-then-
// failover algorithm. Every attempt reports its outcome to the health
// source (RecordSuccess/RecordFailure) before the fallback handler moves on,
// so later candidates in the same request see updated health state.
//
// Go methods cannot carry their own type parameters, so this is a
// package-level function taking the Selector explicitly rather than a
// method on it.
func SelectWithFallback[R any](s *Selector, ctx context.Context, inputs []Input, strategy rules.Strategy, cfg fallback.Config, run Run[R]) fallback.Result[R] {
	admissible := s.rank(inputs, strategy)
	if len(admissible) == 0 {
		return fallback.Result[R]{Err: ErrNoProvidersAvailable}
	}

	candidates := make([]fallback.Candidate[R], len(admissible))
	for i, r := range admissible {
		in := Input{Provider: r.Provider, ResolvedModel: r.ResolvedModel}
		candidates[i] = fallback.Candidate[R]{
			Name: r.Provider,
			Try: func(ctx context.Context) (R, error) {
				return run(ctx, in)
			},
		}
	}

	return fallback.Execute(ctx, candidates, s.health, cfg, s.log)
}
