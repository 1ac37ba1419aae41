package model

import "time"

// ProgressStage names a fulfillment transition shown to the requester.
type ProgressStage string

const (
	StageStarted        ProgressStage = "started"
	StageSourceFound    ProgressStage = "source_found"
	StageQueued         ProgressStage = "queued"
	StageQuoteGenerated ProgressStage = "quote_generated"
	StageDelivered      ProgressStage = "delivered"
	StageManual         ProgressStage = "manual"
	StageFailed         ProgressStage = "failed"
)

// ProgressEvent is emitted on the requester's progress stream.
type ProgressEvent struct {
	Stage       ProgressStage `json:"stage"`
	RequesterID string        `json:"-"`
	RequestID   string        `json:"requestId"`
	CandidateID string        `json:"candidateId,omitempty"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
}

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertTimeout   AlertKind = "timeout"
	AlertFailed    AlertKind = "failed"
	AlertDegraded  AlertKind = "degraded"
	AlertRecovered AlertKind = "recovered"
	AlertOffline   AlertKind = "offline"
)

// Alert is delivered to both the outbound-message and live-push channels.
type Alert struct {
	Kind        AlertKind `json:"kind"`
	JobID       string    `json:"jobId,omitempty"`
	CandidateID string    `json:"candidateId,omitempty"`
	AgentID     string    `json:"agentId,omitempty"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}
