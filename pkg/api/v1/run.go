package v1

import "time"

// RunType distinguishes first execution from resumption.
type RunType string

const (
	RunTypeStart  RunType = "start_session"
	RunTypeResume RunType = "resume_session"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	return t == RunTypeStart || t == RunTypeResume
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusClaimed   RunStatus = "claimed"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusTimedOut, RunStatusStopped:
		return true
	}
	return false
}

// Run is a single execution attempt against a session.
type Run struct {
	RunID             string                 `json:"run_id"`
	SessionID         string                 `json:"session_id"`
	Type              RunType                `json:"type"`
	Status            RunStatus              `json:"status"`
	Demands           []string               `json:"demands,omitempty"`
	Prompt            string                 `json:"prompt"`
	ProjectDir        string                 `json:"project_dir,omitempty"`
	AgentName         string                 `json:"agent_name,omitempty"`
	ParentSessionName string                 `json:"parent_session_name,omitempty"`
	AgentBlueprint    map[string]interface{} `json:"agent_blueprint,omitempty"`
	RunnerID          string                 `json:"runner_id,omitempty"`
	Error             string                 `json:"error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	ClaimedAt         *time.Time             `json:"claimed_at,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// CreateRunRequest creates a session and its first (or next) run.
type CreateRunRequest struct {
	Type              RunType                `json:"type" binding:"required"`
	AgentName         string                 `json:"agent_name,omitempty"`
	SessionName       string                 `json:"session_name,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"` // resume target
	Prompt            string                 `json:"prompt" binding:"required"`
	ProjectDir        string                 `json:"project_dir,omitempty"`
	ParentSessionName string                 `json:"parent_session_name,omitempty"`
	Demands           []string               `json:"demands,omitempty"`
	Params            map[string]interface{} `json:"params,omitempty"`
	Scope             map[string]interface{} `json:"scope,omitempty"`
	MCPConfig         map[string]interface{} `json:"mcp_config,omitempty"`
}

// CreateRunResponse returns the identifiers of the created pair.
type CreateRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// ReportFailedRequest carries the runner's error description.
type ReportFailedRequest struct {
	Error string `json:"error"`
}

// ReportStoppedRequest carries the signal that terminated the executor.
type ReportStoppedRequest struct {
	Signal string `json:"signal"`
}
