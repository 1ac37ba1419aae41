package notion

import (
	"context"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Price table property names.
const (
	PropName         = "Name"
	PropCandidate    = "Candidate"
	PropCategory     = "Category"
	PropUnitPrice    = "Unit Price"
	PropCurrency     = "Currency"
	PropMinOrderQty  = "MOQ"
	PropLeadTimeDays = "Lead Time Days"
	PropTiers        = "Tiers"
	PropVerified     = "Verified"
	PropAsOf         = "As Of"
)

// PriceRow is one page of the price table. Tiers uses the "qty:price;..."
// text form, e.g. "100:9.50;500:9.00".
type PriceRow struct {
	PageID       string
	CandidateID  string
	Category     string
	UnitPrice    float64
	Currency     string
	MinOrderQty  int
	LeadTimeDays int
	Tiers        string
	Verified     bool
	AsOf         *time.Time
}

// Notion caps database query pages at 100 results.
const maxPageSize = 100

// QueryAll follows cursors until the database query is exhausted.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor
	for page := 1; ; page++ {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor, PageSize: maxPageSize}
		if filter != nil {
			req.Filter = filter.Filter
			req.Sorts = filter.Sorts
			if filter.PageSize > 0 {
				req.PageSize = filter.PageSize
			}
		}

		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrapf(err, "notion: query price table page %d", page)
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

// QueryPriceRows returns the rows for one candidate and category, newest
// As Of first. Rows that fail to parse are skipped.
func QueryPriceRows(ctx context.Context, c Client, dbID, candidateID, category string) ([]PriceRow, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.AndCompoundFilter{
			notionapi.PropertyFilter{
				Property: PropCandidate,
				RichText: &notionapi.TextFilterCondition{Equals: candidateID},
			},
			notionapi.PropertyFilter{
				Property: PropCategory,
				RichText: &notionapi.TextFilterCondition{Equals: category},
			},
		},
		Sorts: []notionapi.SortObject{
			{Property: PropAsOf, Direction: notionapi.SortOrderDESC},
		},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query price rows for %s/%s", candidateID, category)
	}

	rows := make([]PriceRow, 0, len(pages))
	for _, p := range pages {
		row, err := ParsePriceRow(p)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// UpsertPriceRow updates row.PageID when set, otherwise creates a new page.
// It returns the page ID.
func UpsertPriceRow(ctx context.Context, c Client, dbID string, row PriceRow) (string, error) {
	props := row.Properties()
	if row.PageID != "" {
		page, err := c.UpdatePage(ctx, row.PageID, &notionapi.PageUpdateRequest{Properties: props})
		if err != nil {
			return "", eris.Wrap(err, "notion: upsert price row")
		}
		return page.ID.String(), nil
	}
	page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
	})
	if err != nil {
		return "", eris.Wrap(err, "notion: upsert price row")
	}
	return page.ID.String(), nil
}

// ParsePriceRow reads a price row from page properties. Candidate, Category
// and a positive Unit Price are required.
func ParsePriceRow(p notionapi.Page) (PriceRow, error) {
	row := PriceRow{
		PageID:       p.ID.String(),
		CandidateID:  textProp(p.Properties[PropCandidate]),
		Category:     textProp(p.Properties[PropCategory]),
		UnitPrice:    numberProp(p.Properties[PropUnitPrice]),
		Currency:     selectProp(p.Properties[PropCurrency]),
		MinOrderQty:  int(numberProp(p.Properties[PropMinOrderQty])),
		LeadTimeDays: int(numberProp(p.Properties[PropLeadTimeDays])),
		Tiers:        textProp(p.Properties[PropTiers]),
		Verified:     checkboxProp(p.Properties[PropVerified]),
		AsOf:         dateProp(p.Properties[PropAsOf]),
	}
	if row.CandidateID == "" || row.Category == "" {
		return row, eris.Errorf("notion: page %s missing candidate or category", row.PageID)
	}
	if row.UnitPrice <= 0 {
		return row, eris.Errorf("notion: page %s has no unit price", row.PageID)
	}
	return row, nil
}

// Properties converts the row to Notion page properties.
func (r PriceRow) Properties() notionapi.Properties {
	props := notionapi.Properties{
		PropName: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(r.CandidateID + " / " + r.Category),
		},
		PropCandidate:    notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(r.CandidateID)},
		PropCategory:     notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(r.Category)},
		PropUnitPrice:    notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: r.UnitPrice},
		PropMinOrderQty:  notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: float64(r.MinOrderQty)},
		PropLeadTimeDays: notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: float64(r.LeadTimeDays)},
		PropVerified:     notionapi.CheckboxProperty{Type: notionapi.PropertyTypeCheckbox, Checkbox: r.Verified},
	}
	if r.Currency != "" {
		props[PropCurrency] = notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: r.Currency}}
	}
	if r.Tiers != "" {
		props[PropTiers] = notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(r.Tiers)}
	}
	if r.AsOf != nil {
		d := notionapi.Date(*r.AsOf)
		props[PropAsOf] = notionapi.DateProperty{Type: notionapi.PropertyTypeDate, Date: &notionapi.DateObject{Start: &d}}
	}
	return props
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}, PlainText: s}}
}

func joinRichText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, t := range rt {
		switch {
		case t.PlainText != "":
			b.WriteString(t.PlainText)
		case t.Text != nil:
			b.WriteString(t.Text.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// Decoded pages carry pointer properties, locally built ones carry values.

func textProp(p notionapi.Property) string {
	switch v := p.(type) {
	case *notionapi.RichTextProperty:
		return joinRichText(v.RichText)
	case notionapi.RichTextProperty:
		return joinRichText(v.RichText)
	case *notionapi.TitleProperty:
		return joinRichText(v.Title)
	case notionapi.TitleProperty:
		return joinRichText(v.Title)
	}
	return ""
}

func numberProp(p notionapi.Property) float64 {
	switch v := p.(type) {
	case *notionapi.NumberProperty:
		return v.Number
	case notionapi.NumberProperty:
		return v.Number
	}
	return 0
}

func selectProp(p notionapi.Property) string {
	switch v := p.(type) {
	case *notionapi.SelectProperty:
		return v.Select.Name
	case notionapi.SelectProperty:
		return v.Select.Name
	}
	return ""
}

func checkboxProp(p notionapi.Property) bool {
	switch v := p.(type) {
	case *notionapi.CheckboxProperty:
		return v.Checkbox
	case notionapi.CheckboxProperty:
		return v.Checkbox
	}
	return false
}

func dateProp(p notionapi.Property) *time.Time {
	var d *notionapi.DateObject
	switch v := p.(type) {
	case *notionapi.DateProperty:
		d = v.Date
	case notionapi.DateProperty:
		d = v.Date
	}
	if d == nil || d.Start == nil {
		return nil
	}
	t := time.Time(*d.Start).UTC()
	return &t
}
