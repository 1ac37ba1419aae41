package waterfall

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
)

// ErrNoAdapterAvailable is returned when no adapter passes its availability
// check. It is transient: availability may change before the next attempt.
var ErrNoAdapterAvailable = resilience.NewTransientError(eris.New("waterfall: no data source available"), 0)

// Attempt records one adapter invocation in a chain run.
type Attempt struct {
	Source   string        `json:"source"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is a successful chain run.
type Result struct {
	Offer    *model.QuoteOffer `json:"offer"`
	Source   string            `json:"source"`
	Stale    bool              `json:"stale"`
	Attempts []Attempt         `json:"attempts"`
}

// ChainError is returned when every available adapter failed. LastAdapter is
// the type of the adapter tried last and Err its error.
type ChainError struct {
	LastAdapter string
	Err         error
	Attempts    []Attempt
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("waterfall: %d source(s) failed, last %s: %v", len(e.Attempts), e.LastAdapter, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }
