package models

import "time"

// HistoryStatus is the status of one node execution attempt.
type HistoryStatus string

const (
	HistoryStatusRunning    HistoryStatus = "running"
	HistoryStatusCompleted  HistoryStatus = "completed"
	HistoryStatusFailed     HistoryStatus = "failed"
	HistoryStatusTerminated HistoryStatus = "terminated"
)

// NodeExecutionHistory is the audit entry for one attempt to execute one node.
// Node name and type are copied so the record stays readable after the definition changes.
type NodeExecutionHistory struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id"`
	NodeID       string         `json:"node_id"`
	NodeName     string         `json:"node_name"`
	NodeType     NodeType       `json:"node_type"`
	Attempt      int            `json:"attempt"`
	Iteration    int            `json:"iteration,omitempty"`
	Status       HistoryStatus  `json:"status"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

// IsFinished reports whether the record has been closed.
func (h *NodeExecutionHistory) IsFinished() bool {
	return h.EndedAt != nil
}
