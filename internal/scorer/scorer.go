package scorer

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
)

const (
	liveWeight     = 0.7
	responseWeight = 0.3

	trustBase          = 0.8
	trustCertBonus     = 0.2
	trustQualityBonus  = 0.1
	maxQualityRating   = 5.0
	staleTrustPenalty  = 0.1
	defaultStaleWindow = 180 * 24 * time.Hour
)

// Scorer computes MatchResults for a request against a candidate pool.
type Scorer struct {
	cfg        config.ScoringConfig
	categories *CategoryTable
	nowFunc    func() time.Time
}

// New creates a Scorer. A nil table compares categories by folded label only.
func New(cfg config.ScoringConfig, categories *CategoryTable) *Scorer {
	return &Scorer{cfg: cfg, categories: categories, nowFunc: time.Now}
}

// Score computes the sub-scores and composite for one pair. Semantic
// similarity below zero is clamped so the composite stays in [0, 100].
func (s *Scorer) Score(req model.Request, c model.Candidate) model.MatchResult {
	sem := clamp01(Cosine(req.Embedding, c.Embedding))
	resp := Responsiveness(c)
	trust := s.Trust(c)

	return model.MatchResult{
		RequestID:      req.ID,
		CandidateID:    c.ID,
		Semantic:       sem,
		Responsiveness: resp,
		Trust:          trust,
		Composite:      Composite(s.cfg, sem, resp, trust),
		CreatedAt:      s.nowFunc().UTC(),
	}
}

// Composite returns (semantic·w1 + responsiveness·w2 + trust·w3)·100.
func Composite(cfg config.ScoringConfig, semantic, responsiveness, trust float64) float64 {
	v := semantic*cfg.SemanticWeight +
		responsiveness*cfg.ResponsivenessWeight +
		trust*cfg.TrustWeight
	return clamp01(v) * 100
}

// Responsiveness is 0.7 when the candidate is live plus 0.3 × response rate.
func Responsiveness(c model.Candidate) float64 {
	v := responseWeight * clamp01(c.ResponseRate)
	if c.Live {
		v += liveWeight
	}
	return v
}

// Trust derives the trust sub-score. Candidates with certification or a
// quality rating get 0.8 base plus bonuses, capped at 1; others keep their
// stored trust. A stale embedding costs 0.1.
func (s *Scorer) Trust(c model.Candidate) float64 {
	var t float64
	if c.Certified || c.QualityRating > 0 {
		t = trustBase
		if c.Certified {
			t += trustCertBonus
		}
		q := c.QualityRating
		if q > maxQualityRating {
			q = maxQualityRating
		}
		if q > 0 {
			t += trustQualityBonus * q / maxQualityRating
		}
		if t > 1 {
			t = 1
		}
	} else {
		t = clamp01(c.Trust)
	}

	if s.staleEmbedding(c) {
		t -= staleTrustPenalty
	}
	return clamp01(t)
}

func (s *Scorer) staleEmbedding(c model.Candidate) bool {
	if c.EmbeddingUpdatedAt == nil {
		return false
	}
	window := defaultStaleWindow
	if s.cfg.StaleEmbeddingDays > 0 {
		window = time.Duration(s.cfg.StaleEmbeddingDays) * 24 * time.Hour
	}
	return s.nowFunc().Sub(*c.EmbeddingUpdatedAt) > window
}

// Rank filters the pool by category, scores it and returns the top N ordered
// by composite descending, ties broken by candidate ID ascending. When fewer
// than MinCategoryCandidates share the request's category, the whole pool is
// scored instead.
func (s *Scorer) Rank(req model.Request, pool []model.Candidate) ([]model.MatchResult, error) {
	if len(req.Embedding) == 0 {
		return nil, resilience.Inputf("embedding", "request %s has no embedding", req.ID)
	}

	selected, fellBack := s.Prefilter(req, pool)
	if fellBack {
		zap.L().Debug("scorer: category pool too small, scoring full pool",
			zap.String("request_id", req.ID),
			zap.String("category", req.Category),
			zap.Int("pool", len(pool)),
		)
	}

	results := make([]model.MatchResult, 0, len(selected))
	for _, c := range selected {
		results = append(results, s.Score(req, c))
	}
	sortResults(results)

	topN := s.cfg.TopN
	if topN <= 0 {
		topN = 5
	}
	if len(results) > topN {
		results = results[:topN]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// Prefilter returns the candidates sharing req's category, or the whole pool
// (and true) when fewer than MinCategoryCandidates match.
func (s *Scorer) Prefilter(req model.Request, pool []model.Candidate) ([]model.Candidate, bool) {
	var same []model.Candidate
	for _, c := range pool {
		if s.categories.Same(req.Category, c.Category) {
			same = append(same, c)
		}
	}
	if len(same) < s.cfg.MinCategoryCandidates {
		return pool, true
	}
	return same, false
}

func sortResults(rs []model.MatchResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Composite != rs[j].Composite {
			return rs[i].Composite > rs[j].Composite
		}
		return rs[i].CandidateID < rs[j].CandidateID
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
