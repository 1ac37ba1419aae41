// Package waterfall runs the data source fallback chain: adapters are
// checked, ordered by priority and tried until one returns a quote.
package waterfall

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/internal/waterfall/provider"
)

// StaleConfidence caps the confidence of quotes older than their source's
// staleness threshold.
const StaleConfidence = 0.3

// Registry holds the adapters and the current source config.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]provider.Adapter
	cfg      *Config

	breakers *resilience.BreakerSet
	nowFunc  func() time.Time
}

// NewRegistry creates a Registry. A nil cfg uses DefaultSources; a nil
// breaker set disables circuit breaking.
func NewRegistry(cfg *Config, breakers *resilience.BreakerSet) *Registry {
	if cfg == nil {
		cfg = DefaultSources()
	}
	return &Registry{
		adapters: make(map[string]provider.Adapter),
		cfg:      cfg,
		breakers: breakers,
		nowFunc:  time.Now,
	}
}

// Register adds an adapter, replacing any adapter of the same type.
func (r *Registry) Register(a provider.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// SetConfig swaps the source config. In-flight chains keep the config they
// started with.
func (r *Registry) SetConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Config returns the current source config.
func (r *Registry) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

type entry struct {
	adapter  provider.Adapter
	src      SourceConfig
	priority int
}

func (r *Registry) snapshot() ([]entry, *Config) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entry, 0, len(r.adapters))
	for _, a := range r.adapters {
		src, listed := r.cfg.Source(a.Type())
		prio := a.Priority()
		if listed && src.Priority > 0 {
			prio = src.Priority
		}
		out = append(out, entry{adapter: a, src: src, priority: prio})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].adapter.Type() < out[j].adapter.Type()
	})
	return out, r.cfg
}

func (r *Registry) usable(ctx context.Context, e entry) bool {
	if !e.src.IsEnabled() {
		return false
	}
	if r.breakers != nil && r.breakers.For(e.adapter.Type()).State() == resilience.BreakerOpen {
		return false
	}
	return e.adapter.IsAvailable(ctx)
}

// Available checks every adapter now and returns the usable ones in
// priority order.
func (r *Registry) Available(ctx context.Context) []provider.Adapter {
	entries, _ := r.snapshot()
	var out []provider.Adapter
	for _, e := range entries {
		if r.usable(ctx, e) {
			out = append(out, e.adapter)
		}
	}
	return out
}

// FetchWithFallback tries each available adapter in priority order and
// returns the first quote. When all fail it returns a *ChainError naming the
// last adapter tried; when none is available, ErrNoAdapterAvailable.
func (r *Registry) FetchWithFallback(ctx context.Context, p provider.FetchParams) (*Result, error) {
	entries, _ := r.snapshot()
	var usable []entry
	for _, e := range entries {
		if r.usable(ctx, e) {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoAdapterAvailable
	}

	log := zap.L().With(
		zap.String("component", "waterfall"),
		zap.String("request_id", p.RequestID),
		zap.String("candidate_id", p.CandidateID),
	)

	var attempts []Attempt
	var lastErr error
	var lastType string
	for _, e := range usable {
		typ := e.adapter.Type()
		start := time.Now()
		offer, err := r.call(ctx, e.adapter, p)
		if err == nil {
			err = offer.Validate()
		}
		att := Attempt{Source: typ, Duration: time.Since(start)}
		if err != nil {
			att.Error = err.Error()
			attempts = append(attempts, att)
			lastErr, lastType = err, typ
			log.Warn("waterfall: source failed", zap.String("source", typ), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		attempts = append(attempts, att)

		stale := r.settle(offer, e)
		log.Debug("waterfall: source succeeded",
			zap.String("source", typ),
			zap.Float64("confidence", offer.Confidence),
			zap.Bool("stale", stale),
		)
		return &Result{Offer: offer, Source: typ, Stale: stale, Attempts: attempts}, nil
	}

	return nil, &ChainError{LastAdapter: lastType, Err: lastErr, Attempts: attempts}
}

func (r *Registry) call(ctx context.Context, a provider.Adapter, p provider.FetchParams) (*model.QuoteOffer, error) {
	fetch := func(ctx context.Context) (*model.QuoteOffer, error) {
		offer, err := a.FetchQuote(ctx, p)
		if err == nil && offer == nil {
			err = eris.Errorf("waterfall: %s returned no offer", a.Type())
		}
		return offer, err
	}
	if r.breakers == nil {
		return fetch(ctx)
	}
	return resilience.Call(ctx, r.breakers.For(a.Type()), fetch)
}

// settle stamps provenance and applies time decay and the staleness cap.
func (r *Registry) settle(offer *model.QuoteOffer, e entry) bool {
	now := r.nowFunc().UTC()
	offer.Provenance = e.adapter.Type()
	if e.src.TimeDecay != nil && offer.DataAsOf != nil && !offer.DataAsOf.IsZero() {
		offer.Confidence = e.src.TimeDecay.Apply(offer.Confidence, now.Sub(*offer.DataAsOf))
	}
	stale := staleAt(offer.DataAsOf, now, e.src.StaleAfter())
	if stale && offer.Confidence > StaleConfidence {
		offer.Confidence = StaleConfidence
	}
	return stale
}

// WriteBack hands an offer obtained from source to every other enabled
// adapter implementing provider.QuoteWriter. Failures are logged only. It
// returns the number of successful writes.
func (r *Registry) WriteBack(ctx context.Context, p provider.FetchParams, offer *model.QuoteOffer, source string) int {
	if offer == nil {
		return 0
	}
	entries, _ := r.snapshot()
	written := 0
	for _, e := range entries {
		if e.adapter.Type() == source {
			continue
		}
		w, ok := e.adapter.(provider.QuoteWriter)
		if !ok || !r.usable(ctx, e) {
			continue
		}
		if err := w.WriteQuote(ctx, p, offer); err != nil {
			zap.L().Warn("waterfall: write back failed",
				zap.String("source", e.adapter.Type()),
				zap.String("candidate_id", p.CandidateID),
				zap.Error(err),
			)
			continue
		}
		written++
	}
	return written
}

// SourceHealth describes one adapter for health reporting.
type SourceHealth struct {
	Type      string `json:"type"`
	Priority  int    `json:"priority"`
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Breaker   string `json:"breaker,omitempty"`
}

// Health checks every registered adapter.
func (r *Registry) Health(ctx context.Context) []SourceHealth {
	entries, _ := r.snapshot()
	out := make([]SourceHealth, 0, len(entries))
	for _, e := range entries {
		h := SourceHealth{
			Type:      e.adapter.Type(),
			Priority:  e.priority,
			Enabled:   e.src.IsEnabled(),
			Available: r.usable(ctx, e),
		}
		if r.breakers != nil {
			h.Breaker = r.breakers.For(e.adapter.Type()).State().String()
		}
		out = append(out, h)
	}
	return out
}
