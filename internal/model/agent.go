package model

import "time"

// AgentState is the lifecycle state of a supplier-side software agent.
type AgentState string

const (
	AgentRegistered AgentState = "registered"
	AgentOnline     AgentState = "online"
	AgentOffline    AgentState = "offline"
)

// Capability is a declared agent capability. Order is significant.
type Capability struct {
	Type       string `json:"type"`
	Configured bool   `json:"configured"`
}

// AgentTask is a unit of work handed to an agent. Its ID is the
// FulfillmentJob ID so that a callback can complete the job directly.
type AgentTask struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	CandidateID string    `json:"candidate_id"`
	Category    string    `json:"category,omitempty"`
	Quantity    int       `json:"quantity,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Delivered   bool      `json:"delivered"`
}

// AgentStats is the self-reported load summary sent with each heartbeat.
type AgentStats struct {
	ActiveTasks    int     `json:"active_tasks"`
	CompletedTotal int     `json:"completed_total"`
	FailedTotal    int     `json:"failed_total"`
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
	Version        string  `json:"version,omitempty"`
}

// Agent is a snapshot of a registered agent. State is derived at read time.
type Agent struct {
	ID            string       `json:"id"`
	CandidateID   string       `json:"candidate_id"`
	Capabilities  []Capability `json:"capabilities"`
	State         AgentState   `json:"state"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	Stats         AgentStats   `json:"stats"`
	Pending       []AgentTask  `json:"pending,omitempty"`
}

// HasCapability reports whether the agent declares a configured capability
// of the given type.
func (a *Agent) HasCapability(capType string) bool {
	for _, c := range a.Capabilities {
		if c.Type == capType && c.Configured {
			return true
		}
	}
	return false
}
