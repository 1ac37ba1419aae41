package provider

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/model"
)

// ParseTiers reads "qty:price;qty:price" into tiers ordered by quantity.
// Commas are accepted as separators too.
func ParseTiers(s string) ([]model.PriceTier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	tiers := make([]model.PriceTier, 0, len(parts))
	for _, part := range parts {
		qty, price, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, eris.Errorf("provider: malformed tier %q", part)
		}
		q, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || q <= 0 {
			return nil, eris.Errorf("provider: bad tier quantity %q", qty)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(price), 64)
		if err != nil || p <= 0 {
			return nil, eris.Errorf("provider: bad tier price %q", price)
		}
		tiers = append(tiers, model.PriceTier{MinQty: q, UnitPrice: p})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinQty < tiers[j].MinQty })
	return tiers, nil
}

// FormatTiers is the inverse of ParseTiers.
func FormatTiers(tiers []model.PriceTier) string {
	parts := make([]string, len(tiers))
	for i, t := range tiers {
		parts[i] = strconv.Itoa(t.MinQty) + ":" + strconv.FormatFloat(t.UnitPrice, 'f', -1, 64)
	}
	return strings.Join(parts, ";")
}
