package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteOffer_Validate(t *testing.T) {
	valid := func() *QuoteOffer {
		return &QuoteOffer{UnitPrice: 12.5, Currency: "USD", MinOrderQty: 100, LeadTimeDays: 14, Confidence: 0.8}
	}

	tests := []struct {
		name    string
		mutate  func(q *QuoteOffer)
		wantErr string
	}{
		{"valid", func(q *QuoteOffer) {}, ""},
		{"zero price", func(q *QuoteOffer) { q.UnitPrice = 0 }, "unit price"},
		{"no currency", func(q *QuoteOffer) { q.Currency = "" }, "currency"},
		{"negative lead time", func(q *QuoteOffer) { q.LeadTimeDays = -1 }, "negative"},
		{"confidence above one", func(q *QuoteOffer) { q.Confidence = 1.2 }, "confidence"},
		{"bad tier", func(q *QuoteOffer) { q.Tiers = []PriceTier{{MinQty: 0, UnitPrice: 1}} }, "tier 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := valid()
			tt.mutate(q)
			err := q.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	var nilOffer *QuoteOffer
	assert.Error(t, nilOffer.Validate())
}

func TestQuoteOffer_PriceFor(t *testing.T) {
	q := &QuoteOffer{
		UnitPrice: 10,
		Tiers: []PriceTier{
			{MinQty: 500, UnitPrice: 8},
			{MinQty: 100, UnitPrice: 9},
		},
	}
	assert.Equal(t, 10.0, q.PriceFor(50))
	assert.Equal(t, 9.0, q.PriceFor(100))
	assert.Equal(t, 9.0, q.PriceFor(499))
	assert.Equal(t, 8.0, q.PriceFor(1000))
}
