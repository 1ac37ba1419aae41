package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Source types double as provenance tags on a QuoteOffer.
const (
	SourceStructuredTable = "structured_table"
	SourceAgentPush       = "agent_push"
	SourcePriceSheet      = "price_sheet"
	SourceManual          = "manual"
)

// PriceTier is a quantity break in tiered pricing.
type PriceTier struct {
	MinQty    int     `json:"min_qty"`
	UnitPrice float64 `json:"unit_price"`
}

// QuoteOffer is a structured price quotation. Confidence reflects source
// authority and data freshness, never the price itself.
type QuoteOffer struct {
	UnitPrice    float64     `json:"unit_price"`
	Currency     string      `json:"currency"`
	MinOrderQty  int         `json:"min_order_qty"`
	LeadTimeDays int         `json:"lead_time_days"`
	Tiers        []PriceTier `json:"tiers,omitempty"`
	Provenance   string      `json:"provenance"`
	Confidence   float64     `json:"confidence"`
	DataAsOf     *time.Time  `json:"data_as_of,omitempty"`
}

// Validate rejects offers that cannot be shown to a requester.
func (q *QuoteOffer) Validate() error {
	if q == nil {
		return eris.New("quote: nil offer")
	}
	if q.UnitPrice <= 0 {
		return eris.Errorf("quote: unit price must be positive, got %v", q.UnitPrice)
	}
	if q.Currency == "" {
		return eris.New("quote: currency is required")
	}
	if q.MinOrderQty < 0 || q.LeadTimeDays < 0 {
		return eris.New("quote: negative quantity or lead time")
	}
	if q.Confidence < 0 || q.Confidence > 1 {
		return eris.Errorf("quote: confidence out of range: %v", q.Confidence)
	}
	for i, t := range q.Tiers {
		if t.MinQty <= 0 || t.UnitPrice <= 0 {
			return eris.Errorf("quote: invalid tier %d", i)
		}
	}
	return nil
}

// PriceFor returns the unit price for the given quantity, honouring tiers.
func (q *QuoteOffer) PriceFor(qty int) float64 {
	price := q.UnitPrice
	best := 0
	for _, t := range q.Tiers {
		if qty >= t.MinQty && t.MinQty > best {
			best = t.MinQty
			price = t.UnitPrice
		}
	}
	return price
}
