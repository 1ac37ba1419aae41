package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
	"github.com/sells-group/quote-engine/pkg/notion"
)

// Confidence levels for structured table rows.
const (
	TableVerifiedConfidence   = 0.95
	TableUnverifiedConfidence = 0.75
	TableStaleConfidence      = 0.3
)

// TableConfidence scores a price table row. Rows older than staleAfter are
// still usable but drop to TableStaleConfidence.
func TableConfidence(verified bool, asOf *time.Time, now time.Time, staleAfter time.Duration) float64 {
	if asOf != nil && staleAfter > 0 && now.Sub(*asOf) > staleAfter {
		return TableStaleConfidence
	}
	if verified {
		return TableVerifiedConfidence
	}
	return TableUnverifiedConfidence
}

// Table prices candidates from the Notion price table.
type Table struct {
	Base
	client     notion.Client
	dbID       string
	staleAfter time.Duration
}

// NewTable creates the structured table adapter.
func NewTable(client notion.Client, dbID string, priority int, staleAfter time.Duration) *Table {
	return &Table{
		Base:       NewBase(model.SourceStructuredTable, priority),
		client:     client,
		dbID:       dbID,
		staleAfter: staleAfter,
	}
}

// IsAvailable reports whether the table is configured.
func (t *Table) IsAvailable(context.Context) bool {
	return t.client != nil && t.dbID != ""
}

// FetchQuote returns the newest row for the candidate and category.
func (t *Table) FetchQuote(ctx context.Context, p FetchParams) (*model.QuoteOffer, error) {
	rows, err := notion.QueryPriceRows(ctx, t.client, t.dbID, p.CandidateID, p.Category)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	if len(rows) == 0 {
		return nil, resilience.NotFoundf("provider: no price row for %s/%s", p.CandidateID, p.Category)
	}
	row := rows[0]

	tiers, err := ParseTiers(row.Tiers)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: row %s", row.PageID)
	}
	offer := &model.QuoteOffer{
		UnitPrice:    row.UnitPrice,
		Currency:     row.Currency,
		MinOrderQty:  row.MinOrderQty,
		LeadTimeDays: row.LeadTimeDays,
		Tiers:        tiers,
		Provenance:   t.Type(),
		Confidence:   TableConfidence(row.Verified, row.AsOf, t.now(), t.staleAfter),
		DataAsOf:     row.AsOf,
	}
	if offer.Currency == "" {
		offer.Currency = "USD"
	}
	return offer, nil
}

// WriteQuote records an offer obtained from another source as an
// unverified row.
func (t *Table) WriteQuote(ctx context.Context, p FetchParams, offer *model.QuoteOffer) error {
	if offer == nil {
		return nil
	}
	asOf := t.now()
	if offer.DataAsOf != nil {
		asOf = *offer.DataAsOf
	}
	_, err := notion.UpsertPriceRow(ctx, t.client, t.dbID, notion.PriceRow{
		CandidateID:  p.CandidateID,
		Category:     p.Category,
		UnitPrice:    offer.UnitPrice,
		Currency:     offer.Currency,
		MinOrderQty:  offer.MinOrderQty,
		LeadTimeDays: offer.LeadTimeDays,
		Tiers:        FormatTiers(offer.Tiers),
		AsOf:         &asOf,
	})
	return eris.Wrap(err, "provider: write quote to table")
}
