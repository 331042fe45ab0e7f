// Package protocol defines the versioned JSON payload written to the
// executor's standard input when a run is spawned.
package protocol

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current payload schema version.
const SchemaVersion = "2.0"

// Invocation modes.
const (
	ModeStart  = "start"
	ModeResume = "resume"
)

// Payload is the executor invocation envelope. The executor MUST call the
// coordinator's bind endpoint with its own session identifier before
// emitting any other events.
type Payload struct {
	SchemaVersion  string                 `json:"schema_version"`
	Mode           string                 `json:"mode"`
	SessionID      string                 `json:"session_id"`
	Prompt         string                 `json:"prompt"`
	ProjectDir     string                 `json:"project_dir,omitempty"`
	AgentBlueprint map[string]interface{} `json:"agent_blueprint,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`

	// Unknown carries unrecognized top-level keys for forward
	// compatibility. They are logged and passed through untouched.
	Unknown map[string]json.RawMessage `json:"-"`
}

// knownKeys are the top-level payload fields this version understands.
var knownKeys = map[string]bool{
	"schema_version":  true,
	"mode":            true,
	"session_id":      true,
	"prompt":          true,
	"project_dir":     true,
	"agent_blueprint": true,
	"metadata":        true,
}

// Validate checks the required fields and mode/field consistency.
func (p *Payload) Validate() error {
	if p.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %q (want %q)", p.SchemaVersion, SchemaVersion)
	}
	if p.Mode != ModeStart && p.Mode != ModeResume {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeStart, ModeResume, p.Mode)
	}
	if p.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// ResumeIgnoredFields returns the names of fields that are set but ignored
// in resume mode. The caller logs a warning for each.
func (p *Payload) ResumeIgnoredFields() []string {
	if p.Mode != ModeResume {
		return nil
	}
	var ignored []string
	if p.ProjectDir != "" {
		ignored = append(ignored, "project_dir")
	}
	if p.AgentBlueprint != nil {
		ignored = append(ignored, "agent_blueprint")
	}
	return ignored
}

// Marshal encodes the payload, merging unknown keys back in.
func (p *Payload) Marshal() ([]byte, error) {
	type alias Payload
	data, err := json.Marshal((*alias)(p))
	if err != nil {
		return nil, err
	}
	if len(p.Unknown) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Unknown {
		if !knownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Unmarshal decodes a payload, collecting unknown top-level keys instead of
// rejecting them.
func Unmarshal(data []byte) (*Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	type alias Payload
	var p alias
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	out := (*Payload)(&p)
	for k, v := range raw {
		if !knownKeys[k] {
			if out.Unknown == nil {
				out.Unknown = make(map[string]json.RawMessage)
			}
			out.Unknown[k] = v
		}
	}
	return out, nil
}
