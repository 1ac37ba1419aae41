package provider

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/cases"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
)

// PriceSheetConfidence is the raw confidence of a spreadsheet row before
// time decay.
const PriceSheetConfidence = 0.6

type sheetRow struct {
	offer model.QuoteOffer
}

// PriceSheet prices candidates from a supplier price list workbook. The
// first sheet must have a header row with candidate, category and
// unit_price columns; currency, moq, lead_time_days, tiers and as_of
// (YYYY-MM-DD) are optional. The workbook is re-read when its modification
// time changes.
type PriceSheet struct {
	Base
	path string

	mu      sync.Mutex
	modTime time.Time
	rows    map[string]sheetRow
}

// NewPriceSheet creates the spreadsheet adapter.
func NewPriceSheet(path string, priority int) *PriceSheet {
	return &PriceSheet{Base: NewBase(model.SourcePriceSheet, priority), path: path}
}

// IsAvailable reports whether the workbook exists.
func (s *PriceSheet) IsAvailable(context.Context) bool {
	if s.path == "" {
		return false
	}
	fi, err := os.Stat(s.path)
	return err == nil && !fi.IsDir()
}

func sheetKey(candidateID, category string) string {
	return candidateID + "\x00" + cases.Fold().String(strings.TrimSpace(category))
}

// FetchQuote looks up the candidate and category in the workbook.
func (s *PriceSheet) FetchQuote(ctx context.Context, p FetchParams) (*model.QuoteOffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.load()
	if err != nil {
		return nil, err
	}
	row, ok := rows[sheetKey(p.CandidateID, p.Category)]
	if !ok {
		return nil, resilience.NotFoundf("provider: %s has no row for %s/%s", s.path, p.CandidateID, p.Category)
	}
	offer := row.offer
	offer.Tiers = append([]model.PriceTier(nil), row.offer.Tiers...)
	return &offer, nil
}

func (s *PriceSheet) load() (map[string]sheetRow, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return nil, eris.Wrap(err, "provider: stat price sheet")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows != nil && fi.ModTime().Equal(s.modTime) {
		return s.rows, nil
	}

	rows, err := readPriceSheet(s.path)
	if err != nil {
		return nil, err
	}
	s.rows, s.modTime = rows, fi.ModTime()
	return rows, nil
}

func readPriceSheet(path string) (map[string]sheetRow, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "provider: open price sheet")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("provider: %s has no sheets", path)
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return map[string]sheetRow{}, nil
	}

	col := make(map[string]int)
	for i, c := range sheet.Rows[0].Cells {
		col[strings.ToLower(strings.TrimSpace(c.String()))] = i
	}
	for _, required := range []string{"candidate", "category", "unit_price"} {
		if _, ok := col[required]; !ok {
			return nil, eris.Errorf("provider: price sheet missing %q column", required)
		}
	}

	out := make(map[string]sheetRow)
	for _, r := range sheet.Rows[1:] {
		get := func(name string) string {
			i, ok := col[name]
			if !ok || r == nil || i >= len(r.Cells) {
				return ""
			}
			return strings.TrimSpace(r.Cells[i].String())
		}

		cand, cat := get("candidate"), get("category")
		price, err := strconv.ParseFloat(get("unit_price"), 64)
		if cand == "" || cat == "" || err != nil || price <= 0 {
			continue
		}
		offer := model.QuoteOffer{
			UnitPrice:  price,
			Currency:   strings.ToUpper(get("currency")),
			Provenance: model.SourcePriceSheet,
			Confidence: PriceSheetConfidence,
		}
		if offer.Currency == "" {
			offer.Currency = "USD"
		}
		offer.MinOrderQty, _ = strconv.Atoi(get("moq"))
		offer.LeadTimeDays, _ = strconv.Atoi(get("lead_time_days"))
		if tiers, err := ParseTiers(get("tiers")); err == nil {
			offer.Tiers = tiers
		}
		if t, err := time.Parse("2006-01-02", get("as_of")); err == nil {
			offer.DataAsOf = &t
		}
		out[sheetKey(cand, cat)] = sheetRow{offer: offer}
	}
	return out, nil
}
