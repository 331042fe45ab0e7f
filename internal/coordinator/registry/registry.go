// Package registry tracks connected runners: registration, heartbeat
// liveness, capability tags, and latched deregistration.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

type runnerEntry struct {
	runner       v1.Runner
	deregistered bool
}

// Registry is an in-memory runner table. Runner state is intentionally
// not persisted: a coordinator restart forces re-registration, and stale
// run recovery handles whatever was in flight.
type Registry struct {
	mu               sync.RWMutex
	runners          map[string]*runnerEntry
	heartbeatTimeout time.Duration
	logger           *logger.Logger

	now func() time.Time // overridable in tests
}

// New creates a Registry with the given heartbeat timeout.
func New(heartbeatTimeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		runners:          make(map[string]*runnerEntry),
		heartbeatTimeout: heartbeatTimeout,
		logger:           log.WithFields(zap.String("component", "runner-registry")),
		now:              time.Now,
	}
}

// Register adds a runner and returns its assigned identity.
func (r *Registry) Register(req *v1.RegisterRunnerRequest) *v1.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	runner := v1.Runner{
		RunnerID:      uuid.New().String(),
		Hostname:      req.Hostname,
		ProjectDir:    req.ProjectDir,
		ExecutorType:  req.ExecutorType,
		Tags:          append([]string(nil), req.Tags...),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.runners[runner.RunnerID] = &runnerEntry{runner: runner}

	r.logger.Info("runner registered",
		zap.String("runner_id", runner.RunnerID),
		zap.String("hostname", req.Hostname),
		zap.String("executor_type", req.ExecutorType),
		zap.Strings("tags", req.Tags))
	return &runner
}

// Heartbeat refreshes a runner's liveness timestamp. Unknown or
// deregistered runners get unknown_runner so they re-register.
func (r *Registry) Heartbeat(runnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runners[runnerID]
	if !ok || entry.deregistered {
		return errors.UnknownRunner(runnerID)
	}
	entry.runner.LastHeartbeat = r.now().UTC()
	return nil
}

// Deregister latches removal for a runner. The flag is delivered on the
// runner's next poll via ConsumeDeregistration; deregistering an unknown
// runner is a no-op.
func (r *Registry) Deregister(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runners[runnerID]
	if !ok {
		return
	}
	entry.deregistered = true
	r.logger.Info("runner deregistration latched", zap.String("runner_id", runnerID))
}

// ConsumeDeregistration reports whether the runner has a pending
// deregistration and, if so, removes it from the registry. The signal is
// delivered exactly once.
func (r *Registry) ConsumeDeregistration(runnerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.runners[runnerID]
	if !ok {
		return false
	}
	if !entry.deregistered {
		return false
	}
	delete(r.runners, runnerID)
	r.logger.Info("runner removed", zap.String("runner_id", runnerID))
	return true
}

// Remove drops a runner immediately, without the latched handshake. Used
// when the runner itself quits or is declared lost.
func (r *Registry) Remove(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, runnerID)
}

// Get returns a snapshot of a runner, or an unknown_runner error.
func (r *Registry) Get(runnerID string) (*v1.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.runners[runnerID]
	if !ok {
		return nil, errors.UnknownRunner(runnerID)
	}
	runner := entry.runner
	return &runner, nil
}

// IsKnown reports whether the runner is registered, dead or alive.
func (r *Registry) IsKnown(runnerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[runnerID]
	return ok
}

// IsAlive reports whether a runner's last heartbeat is within the
// timeout window.
func (r *Registry) IsAlive(runnerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.runners[runnerID]
	if !ok || entry.deregistered {
		return false
	}
	return r.now().UTC().Sub(entry.runner.LastHeartbeat) < r.heartbeatTimeout
}

// List returns a snapshot of all registered runners.
func (r *Registry) List() []*v1.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.Runner, 0, len(r.runners))
	for _, entry := range r.runners {
		runner := entry.runner
		runner.Alive = !entry.deregistered &&
			r.now().UTC().Sub(entry.runner.LastHeartbeat) < r.heartbeatTimeout
		out = append(out, &runner)
	}
	return out
}

// Expired returns the IDs of runners whose heartbeat has lapsed. The
// sweeper uses this to fail their in-flight runs and drop them.
func (r *Registry) Expired() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	var expired []string
	for id, entry := range r.runners {
		if now.Sub(entry.runner.LastHeartbeat) >= r.heartbeatTimeout {
			expired = append(expired, id)
		}
	}
	return expired
}
