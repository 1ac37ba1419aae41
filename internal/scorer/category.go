package scorer

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// CategoryTable maps free-text category labels to canonical categories.
// Lookup is an exact match after Unicode case folding and whitespace trimming;
// there is no substring or fuzzy matching.
type CategoryTable struct {
	Version int
	index   map[string]string
}

type categoryFile struct {
	Version    int                 `yaml:"version"`
	Categories map[string][]string `yaml:"categories"`
}

// A Caser is stateful, so fold builds one per call.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// NewCategoryTable builds a table from canonical → synonyms. A synonym claimed
// by two canonical categories is an error.
func NewCategoryTable(version int, categories map[string][]string) (*CategoryTable, error) {
	t := &CategoryTable{Version: version, index: make(map[string]string)}
	for canonical, synonyms := range categories {
		c := fold(canonical)
		if c == "" {
			return nil, eris.New("scorer: empty canonical category")
		}
		if err := t.add(c, c); err != nil {
			return nil, err
		}
		for _, syn := range synonyms {
			if err := t.add(fold(syn), c); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (t *CategoryTable) add(key, canonical string) error {
	if key == "" {
		return nil
	}
	if prev, ok := t.index[key]; ok && prev != canonical {
		return eris.Errorf("scorer: synonym %q maps to both %q and %q", key, prev, canonical)
	}
	t.index[key] = canonical
	return nil
}

// LoadCategoryTable reads a versioned mapping file:
//
//	version: 3
//	categories:
//	  solar-panel: [solar panels, pv module]
func LoadCategoryTable(path string) (*CategoryTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: read category table %s", path)
	}
	var f categoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "scorer: parse category table")
	}
	return NewCategoryTable(f.Version, f.Categories)
}

// Canonical returns the canonical category for label. Unmapped labels are
// returned folded so that identical labels still compare equal.
func (t *CategoryTable) Canonical(label string) string {
	k := fold(label)
	if t == nil {
		return k
	}
	if c, ok := t.index[k]; ok {
		return c
	}
	return k
}

// Same reports whether two labels resolve to the same non-empty category.
func (t *CategoryTable) Same(a, b string) bool {
	ca := t.Canonical(a)
	return ca != "" && ca == t.Canonical(b)
}

// Len returns the number of indexed labels.
func (t *CategoryTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.index)
}
