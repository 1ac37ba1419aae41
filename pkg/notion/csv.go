package notion

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// CSVMapper maps a CSV row to a flat key-value map using the header row.
type CSVMapper struct{}

// MapRow pairs each lower-cased header with the corresponding value in the
// row. Missing values become empty strings.
func (m CSVMapper) MapRow(headers []string, row []string) map[string]string {
	result := make(map[string]string, len(headers))
	for i, h := range headers {
		key := strings.ToLower(strings.TrimSpace(h))
		if i < len(row) {
			result[key] = strings.TrimSpace(row[i])
		} else {
			result[key] = ""
		}
	}
	return result
}

// ImportPriceCSV seeds the price table from a CSV export. Expected headers
// (case-insensitive): candidate, category, unit_price, currency, moq,
// lead_time_days, tiers, verified, as_of (YYYY-MM-DD). Rows are deduplicated
// by candidate and category, last row wins. Returns the number of pages
// created.
func ImportPriceCSV(ctx context.Context, c Client, dbID string, csvPath string) (int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, eris.Wrap(err, fmt.Sprintf("notion: open csv %s", csvPath))
	}
	defer f.Close() //nolint:errcheck

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, eris.Wrap(err, "notion: read csv")
	}
	if len(records) < 2 {
		return 0, nil
	}

	rows, err := priceRowsFromCSV(records[0], records[1:])
	if err != nil {
		return 0, err
	}

	created := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return created, eris.Wrap(ctx.Err(), "notion: import csv cancelled")
		}
		if _, err := UpsertPriceRow(ctx, c, dbID, row); err != nil {
			return created, eris.Wrap(err, "notion: create page from csv row")
		}
		created++
	}
	return created, nil
}

func priceRowsFromCSV(headers []string, records [][]string) ([]PriceRow, error) {
	mapper := CSVMapper{}
	index := make(map[string]int)
	var out []PriceRow

	for i, rec := range records {
		m := mapper.MapRow(headers, rec)
		if m["candidate"] == "" || m["category"] == "" {
			continue
		}
		row, err := priceRowFromMap(m)
		if err != nil {
			return nil, eris.Wrapf(err, "notion: csv line %d", i+2)
		}
		key := row.CandidateID + "\x00" + strings.ToLower(row.Category)
		if at, ok := index[key]; ok {
			out[at] = row
			continue
		}
		index[key] = len(out)
		out = append(out, row)
	}
	return out, nil
}

func priceRowFromMap(m map[string]string) (PriceRow, error) {
	row := PriceRow{
		CandidateID: m["candidate"],
		Category:    m["category"],
		Currency:    strings.ToUpper(m["currency"]),
		Tiers:       m["tiers"],
	}

	price, err := strconv.ParseFloat(m["unit_price"], 64)
	if err != nil || price <= 0 {
		return row, eris.Errorf("invalid unit_price %q", m["unit_price"])
	}
	row.UnitPrice = price

	if v := m["moq"]; v != "" {
		if row.MinOrderQty, err = strconv.Atoi(v); err != nil {
			return row, eris.Errorf("invalid moq %q", v)
		}
	}
	if v := m["lead_time_days"]; v != "" {
		if row.LeadTimeDays, err = strconv.Atoi(v); err != nil {
			return row, eris.Errorf("invalid lead_time_days %q", v)
		}
	}
	if v := m["verified"]; v != "" {
		row.Verified, _ = strconv.ParseBool(strings.ToLower(v))
		if strings.EqualFold(v, "yes") || strings.EqualFold(v, "y") {
			row.Verified = true
		}
	}
	if v := m["as_of"]; v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return row, eris.Errorf("invalid as_of %q", v)
		}
		row.AsOf = &t
	}
	return row, nil
}
