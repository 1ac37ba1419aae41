// Package scorer ranks supplier candidates against a sourcing request.
package scorer

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/config"
)

// DefaultScorerConfig returns a config.ScoringConfig with the production
// defaults. Weights sum to 1.
func DefaultScorerConfig() config.ScoringConfig {
	return config.ScoringConfig{
		SemanticWeight:        0.60,
		ResponsivenessWeight:  0.25,
		TrustWeight:           0.15,
		MinCategoryCandidates: 10,
		TopN:                  5,
		StaleEmbeddingDays:    180,
	}
}

// WeightSum returns the sum of the three composite weights.
func WeightSum(c config.ScoringConfig) float64 {
	return c.SemanticWeight + c.ResponsivenessWeight + c.TrustWeight
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	weights := map[string]float64{
		"semantic_weight":       c.SemanticWeight,
		"responsiveness_weight": c.ResponsivenessWeight,
		"trust_weight":          c.TrustWeight,
	}
	for name, w := range weights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
	}

	if sum := WeightSum(c); math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Sprintf("weights should sum to 1, got %.3f", sum))
	}
	if c.MinCategoryCandidates < 0 {
		errs = append(errs, "min_category_candidates must be >= 0")
	}
	if c.TopN <= 0 {
		errs = append(errs, "top_n must be > 0")
	}
	if c.StaleEmbeddingDays < 0 {
		errs = append(errs, "stale_embedding_days must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
