// Package model defines the domain types shared across the matching and
// fulfillment engine.
package model

import "time"

// Request is a sourcing demand produced by the upstream extraction pipeline.
// A Request is immutable once matching begins. Re-submission for the same
// DemandID creates a new Request that supersedes the old one.
type Request struct {
	ID          string    `json:"id"`
	DemandID    string    `json:"demand_id"`
	RequesterID string    `json:"requester_id"`
	Category    string    `json:"category"`
	Embedding   []float64 `json:"embedding"`
	Quantity    int       `json:"quantity,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Candidate is a supplier eligible for matching.
type Candidate struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name,omitempty"`
	Category           string     `json:"category"`
	Embedding          []float64  `json:"embedding"`
	Profile            string     `json:"profile,omitempty"` // free text used to (re)generate the embedding
	Live               bool       `json:"live"`
	Trust              float64    `json:"trust"`
	ResponseRate       float64    `json:"response_rate"`
	Certified          bool       `json:"certified"`
	QualityRating      float64    `json:"quality_rating"` // 0-5
	EmbeddingUpdatedAt *time.Time `json:"embedding_updated_at,omitempty"`
}

// MatchResult is a scored (Request, Candidate) pair. Composite is in [0,100].
type MatchResult struct {
	RequestID      string    `json:"request_id"`
	CandidateID    string    `json:"candidate_id"`
	Rank           int       `json:"rank"`
	Semantic       float64   `json:"semantic"`
	Responsiveness float64   `json:"responsiveness"`
	Trust          float64   `json:"trust"`
	Composite      float64   `json:"composite"`
	CreatedAt      time.Time `json:"created_at"`
}
