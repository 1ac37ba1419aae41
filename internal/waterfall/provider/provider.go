// Package provider defines the data source adapter interface and the
// concrete adapters that can price a (request, candidate) pair.
package provider

import (
	"context"
	"time"

	"github.com/sells-group/quote-engine/internal/model"
)

// FetchParams identifies what to price.
type FetchParams struct {
	RequestID   string
	CandidateID string
	Category    string
	Quantity    int
}

// Adapter is one data source in the fallback chain.
type Adapter interface {
	// Type is the source type, also used as the offer's provenance.
	Type() string
	// Priority orders adapters; lower runs first.
	Priority() int
	// IsAvailable is checked before every chain run and must be cheap.
	IsAvailable(ctx context.Context) bool
	FetchQuote(ctx context.Context, p FetchParams) (*model.QuoteOffer, error)
}

// QuoteWriter is implemented by adapters that can store a quote obtained
// elsewhere so the next lookup finds it directly.
type QuoteWriter interface {
	WriteQuote(ctx context.Context, p FetchParams, offer *model.QuoteOffer) error
}

// Base carries the fields every adapter shares.
type Base struct {
	SourceType string
	Order      int
	nowFunc    func() time.Time
}

// NewBase creates a Base for sourceType at the given priority.
func NewBase(sourceType string, priority int) Base {
	return Base{SourceType: sourceType, Order: priority, nowFunc: time.Now}
}

func (b Base) Type() string  { return b.SourceType }
func (b Base) Priority() int { return b.Order }

func (b Base) now() time.Time {
	if b.nowFunc == nil {
		return time.Now().UTC()
	}
	return b.nowFunc().UTC()
}
