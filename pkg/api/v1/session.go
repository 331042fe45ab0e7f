package v1

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusFinished SessionStatus = "finished"
	SessionStatusFailed   SessionStatus = "failed"
)

// Terminal reports whether the status admits no further events.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusFinished || s == SessionStatusFailed
}

// Session represents a logical agent conversation, possibly spanning
// multiple runs. The coordinator generates the session ID at run creation,
// so sessions pre-exist their executor.
type Session struct {
	SessionID         string        `json:"session_id"`
	SessionName       string        `json:"session_name,omitempty"`
	Status            SessionStatus `json:"status"`
	ExecutorSessionID *string       `json:"executor_session_id,omitempty"`
	ExecutorType      string        `json:"executor_type,omitempty"`
	Hostname          string        `json:"hostname,omitempty"`
	ProjectDir        string        `json:"project_dir,omitempty"`
	AgentName         string        `json:"agent_name,omitempty"`
	ParentSessionName string        `json:"parent_session_name,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastResumedAt     *time.Time    `json:"last_resumed_at,omitempty"`
}

// Bound reports whether an executor has bound its own session ID.
func (s *Session) Bound() bool {
	return s.ExecutorSessionID != nil && *s.ExecutorSessionID != ""
}

// EventType enumerates session event types.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventPreTool      EventType = "pre_tool"
	EventPostTool     EventType = "post_tool"
	EventMessage      EventType = "message"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// Terminal reports whether the event type ends the session.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed
}

// Valid reports whether t is a known event type. Unknown enum values are
// rejected at the API boundary.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStart, EventPreTool, EventPostTool, EventMessage,
		EventRunCompleted, EventRunFailed:
		return true
	}
	return false
}

// SessionEvent is an append-only record in a session's event log. Seq is
// assigned by the store and increases monotonically per session.
type SessionEvent struct {
	SessionID string                 `json:"session_id"`
	Seq       int64                  `json:"seq"`
	EventType EventType              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Result extracts the textual result payload of a run_completed event.
func (e *SessionEvent) Result() string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload["result"].(string); ok {
		return v
	}
	return ""
}

// Affinity identifies where a bound session must be resumed.
type Affinity struct {
	Bound             bool   `json:"bound"`
	Hostname          string `json:"hostname,omitempty"`
	ExecutorType      string `json:"executor_type,omitempty"`
	ProjectDir        string `json:"project_dir,omitempty"`
	ExecutorSessionID string `json:"executor_session_id,omitempty"`
}

// BindRequest is the executor-binding handshake payload.
type BindRequest struct {
	ExecutorSessionID string `json:"executor_session_id" binding:"required"`
	ProjectDir        string `json:"project_dir,omitempty"`
}

// AppendEventRequest appends one event to a session log.
type AppendEventRequest struct {
	EventType EventType              `json:"event_type" binding:"required"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}
