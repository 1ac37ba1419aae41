package scorer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	table, err := NewCategoryTable(1, map[string][]string{
		"solar-panel": {"Solar Panels", "PV Module"},
		"inverter":    {"power inverter"},
	})
	require.NoError(t, err)
	s := New(DefaultScorerConfig(), table)
	s.nowFunc = func() time.Time { return testNow }
	return s
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultScorerConfig()))

	bad := DefaultScorerConfig()
	bad.TrustWeight = 0.3
	bad.TopN = 0
	err := ValidateConfig(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights should sum to 1")
	assert.Contains(t, err.Error(), "top_n must be > 0")

	neg := DefaultScorerConfig()
	neg.SemanticWeight = -0.1
	neg.TrustWeight = 0.85
	assert.ErrorContains(t, ValidateConfig(neg), "semantic_weight must be >= 0")
}

func TestResponsiveness(t *testing.T) {
	assert.InDelta(t, 0.7+0.3*0.5, Responsiveness(model.Candidate{Live: true, ResponseRate: 0.5}), 1e-12)
	assert.InDelta(t, 0.3, Responsiveness(model.Candidate{Live: false, ResponseRate: 1.5}), 1e-12)
	assert.Equal(t, 0.0, Responsiveness(model.Candidate{ResponseRate: -1}))
}

func TestTrust(t *testing.T) {
	s := newTestScorer(t)
	old := testNow.Add(-200 * 24 * time.Hour)
	fresh := testNow.Add(-10 * 24 * time.Hour)

	tests := []struct {
		name string
		c    model.Candidate
		want float64
	}{
		{"stored trust", model.Candidate{Trust: 0.9}, 0.9},
		{"stored trust clamped", model.Candidate{Trust: 1.4}, 1.0},
		{"certified", model.Candidate{Certified: true}, 1.0},
		{"quality only", model.Candidate{QualityRating: 5}, 0.9},
		{"half quality", model.Candidate{QualityRating: 2.5}, 0.85},
		{"certified and quality capped", model.Candidate{Certified: true, QualityRating: 5}, 1.0},
		{"stale embedding", model.Candidate{Trust: 0.9, EmbeddingUpdatedAt: &old}, 0.8},
		{"fresh embedding", model.Candidate{Trust: 0.9, EmbeddingUpdatedAt: &fresh}, 0.9},
		{"stale floor", model.Candidate{Trust: 0.05, EmbeddingUpdatedAt: &old}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.Trust(tt.c), 1e-9)
		})
	}
}

func TestComposite_BoundsAndMonotonic(t *testing.T) {
	cfg := DefaultScorerConfig()
	steps := []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1}

	for _, a := range steps {
		for _, b := range steps {
			for _, c := range steps {
				v := Composite(cfg, a, b, c)
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, 100.0)
			}
		}
	}

	for i := 1; i < len(steps); i++ {
		lo, hi := steps[i-1], steps[i]
		assert.LessOrEqual(t, Composite(cfg, lo, 0.5, 0.5), Composite(cfg, hi, 0.5, 0.5))
		assert.LessOrEqual(t, Composite(cfg, 0.5, lo, 0.5), Composite(cfg, 0.5, hi, 0.5))
		assert.LessOrEqual(t, Composite(cfg, 0.5, 0.5, lo), Composite(cfg, 0.5, 0.5, hi))
	}

	assert.InDelta(t, 100.0, Composite(cfg, 1, 1, 1), 1e-9)
	assert.InDelta(t, 60.0, Composite(cfg, 1, 0, 0), 1e-9)
}

func TestScore_NegativeSimilarityClamped(t *testing.T) {
	s := newTestScorer(t)
	r := s.Score(
		model.Request{ID: "r", Embedding: []float64{1, 0}},
		model.Candidate{ID: "c", Embedding: []float64{-1, 0}, Trust: 0.5},
	)
	assert.Equal(t, 0.0, r.Semantic)
	assert.GreaterOrEqual(t, r.Composite, 0.0)
	assert.Equal(t, testNow, r.CreatedAt)
}

func TestRank_RejectsEmptyEmbedding(t *testing.T) {
	s := newTestScorer(t)
	_, err := s.Rank(model.Request{ID: "r"}, []model.Candidate{{ID: "c"}})
	require.Error(t, err)
	assert.True(t, resilience.IsInput(err))
}

func TestRank_CategoryFallbackExpandsPool(t *testing.T) {
	s := newTestScorer(t)
	v := normalize([]float64{1, 1, 0})
	req := model.Request{ID: "R", Category: "solar-panel", Embedding: v}

	pool := []model.Candidate{
		{ID: "C1", Category: "solar-panel", Embedding: v, Live: true, Trust: 0.9},
		{ID: "C2", Category: "Solar Panels", Embedding: v, Live: false, Trust: 0.95},
		{ID: "C3", Category: "inverter", Embedding: v, Live: true, Trust: 0.7},
	}

	selected, fellBack := s.Prefilter(req, pool)
	assert.True(t, fellBack)
	assert.Len(t, selected, 3)

	first, err := s.Rank(req, pool)
	require.NoError(t, err)
	require.Len(t, first, 3)

	ids := []string{first[0].CandidateID, first[1].CandidateID, first[2].CandidateID}
	assert.Contains(t, ids, "C3", "other-category candidate must be scored")

	// C1: 0.6 + 0.25*0.7 + 0.15*0.9; C3: 0.6 + 0.25*0.7 + 0.15*0.7; C2: 0.6 + 0 + 0.15*0.95
	assert.Equal(t, []string{"C1", "C3", "C2"}, ids)
	assert.InDelta(t, 91.0, first[0].Composite, 1e-9)
	assert.Equal(t, 1, first[0].Rank)
	assert.Equal(t, 3, first[2].Rank)

	for i := 0; i < 5; i++ {
		again, err := s.Rank(req, pool)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRank_CategoryFilterApplies(t *testing.T) {
	s := newTestScorer(t)
	v := []float64{1, 0}
	req := model.Request{ID: "R", Category: "PV module", Embedding: v}

	var pool []model.Candidate
	for i := 0; i < 12; i++ {
		pool = append(pool, model.Candidate{ID: fmt.Sprintf("S%02d", i), Category: "solar-panel", Embedding: v, Trust: 0.5})
	}
	pool = append(pool, model.Candidate{ID: "X", Category: "inverter", Embedding: v, Live: true, Trust: 1})

	results, err := s.Rank(req, pool)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.NotEqual(t, "X", r.CandidateID)
	}
	// Equal composites: ties broken by ID ascending.
	assert.Equal(t, "S00", results[0].CandidateID)
	assert.Equal(t, "S04", results[4].CandidateID)
}

func TestCategoryTable(t *testing.T) {
	table, err := NewCategoryTable(2, map[string][]string{
		"solar-panel": {"Solar Panels", "PV-Module"},
	})
	require.NoError(t, err)

	assert.Equal(t, "solar-panel", table.Canonical("  SOLAR PANELS "))
	assert.Equal(t, "solar-panel", table.Canonical("pv-module"))
	assert.Equal(t, "solar", table.Canonical("Solar"), "no substring matching")
	assert.True(t, table.Same("Solar-Panel", "PV-MODULE"))
	assert.False(t, table.Same("", ""))
	assert.Equal(t, 3, table.Len())

	var nilTable *CategoryTable
	assert.True(t, nilTable.Same("Steel", "steel"))
}

func TestCategoryTable_Conflict(t *testing.T) {
	_, err := NewCategoryTable(1, map[string][]string{
		"a": {"shared"},
		"b": {"Shared"},
	})
	assert.ErrorContains(t, err, "maps to both")
}

func TestLoadCategoryTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 4
categories:
  fasteners: [bolts, screws]
  castings: [die casting]
`), 0o644))

	table, err := LoadCategoryTable(path)
	require.NoError(t, err)
	assert.Equal(t, 4, table.Version)
	assert.Equal(t, "fasteners", table.Canonical("Screws"))
	assert.Equal(t, "castings", table.Canonical("Die Casting"))

	_, err = LoadCategoryTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
