package v1

import "time"

// Runner describes a registered worker process.
type Runner struct {
	RunnerID      string    `json:"runner_id"`
	Hostname      string    `json:"hostname"`
	ProjectDir    string    `json:"project_dir,omitempty"`
	ExecutorType  string    `json:"executor_type"`
	Tags          []string  `json:"tags,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Alive         bool      `json:"alive"`
}

// RegisterRunnerRequest declares a runner's identity and capabilities.
type RegisterRunnerRequest struct {
	Hostname     string   `json:"hostname" binding:"required"`
	ProjectDir   string   `json:"project_dir,omitempty"`
	ExecutorType string   `json:"executor_type" binding:"required"`
	Tags         []string `json:"tags,omitempty"`
}

// RegisterRunnerResponse returns the issued identity plus the polling
// contract the runner must honor.
type RegisterRunnerResponse struct {
	RunnerID         string `json:"runner_id"`
	PollPath         string `json:"poll_path"`
	PollTimeoutSec   int    `json:"poll_timeout_sec"`
	HeartbeatSec     int    `json:"heartbeat_sec"`
	HeartbeatTimeout int    `json:"heartbeat_timeout_sec"`
}

// HeartbeatRequest identifies the runner refreshing its liveness.
type HeartbeatRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
}

// PollResponse is the long-poll dispatch envelope. At most one run per
// response; all pending commands are drained together.
type PollResponse struct {
	Run           *Run     `json:"run,omitempty"`
	StopRuns      []string `json:"stop_runs,omitempty"`
	SyncScripts   []string `json:"sync_scripts,omitempty"`
	RemoveScripts []string `json:"remove_scripts,omitempty"`
	Deregistered  bool     `json:"deregistered,omitempty"`
}

// Empty reports whether the envelope carries nothing worth returning.
func (p *PollResponse) Empty() bool {
	return p.Run == nil && len(p.StopRuns) == 0 && len(p.SyncScripts) == 0 &&
		len(p.RemoveScripts) == 0 && !p.Deregistered
}
