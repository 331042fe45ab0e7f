// Package command accumulates per-runner control commands (stop requests,
// script sync/removal) and provides the wake channels that cut long polls
// short when new work appears.
package command

import (
	"sync"

	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/logger"
)

// Commands is the drained set of pending commands for one runner.
type Commands struct {
	StopRuns      []string
	SyncScripts   []string
	RemoveScripts []string
}

// Empty reports whether there is nothing to deliver.
func (c *Commands) Empty() bool {
	return len(c.StopRuns) == 0 && len(c.SyncScripts) == 0 && len(c.RemoveScripts) == 0
}

type runnerSlot struct {
	stopRuns      map[string]bool
	syncScripts   map[string]bool
	removeScripts map[string]bool
	wake          chan struct{}
}

func newRunnerSlot() *runnerSlot {
	return &runnerSlot{
		stopRuns:      make(map[string]bool),
		syncScripts:   make(map[string]bool),
		removeScripts: make(map[string]bool),
		wake:          make(chan struct{}, 1),
	}
}

// Hub holds pending commands keyed by runner ID. Adding a command nudges
// that runner's wake channel so a parked long poll returns immediately.
type Hub struct {
	mu     sync.Mutex
	slots  map[string]*runnerSlot
	logger *logger.Logger
}

// NewHub creates an empty command hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		slots:  make(map[string]*runnerSlot),
		logger: log.WithFields(zap.String("component", "command-hub")),
	}
}

func (h *Hub) slotLocked(runnerID string) *runnerSlot {
	slot, ok := h.slots[runnerID]
	if !ok {
		slot = newRunnerSlot()
		h.slots[runnerID] = slot
	}
	return slot
}

// wakeLocked nudges the runner's channel without blocking; a pending nudge
// already covers this one.
func wakeLocked(slot *runnerSlot) {
	select {
	case slot.wake <- struct{}{}:
	default:
	}
}

// AddStopRun queues a stop command for the runner holding the run.
func (h *Hub) AddStopRun(runnerID, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot := h.slotLocked(runnerID)
	slot.stopRuns[runID] = true
	wakeLocked(slot)
	h.logger.Info("stop command queued",
		zap.String("runner_id", runnerID),
		zap.String("run_id", runID))
}

// AddSyncScript queues a script for delivery. A pending removal of the
// same script is cancelled: the later intent wins.
func (h *Hub) AddSyncScript(runnerID, scriptName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot := h.slotLocked(runnerID)
	delete(slot.removeScripts, scriptName)
	slot.syncScripts[scriptName] = true
	wakeLocked(slot)
}

// AddRemoveScript queues a script removal, cancelling any pending sync of
// the same script.
func (h *Hub) AddRemoveScript(runnerID, scriptName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot := h.slotLocked(runnerID)
	delete(slot.syncScripts, scriptName)
	slot.removeScripts[scriptName] = true
	wakeLocked(slot)
}

// BroadcastSyncScript queues a script sync for every runner in runnerIDs.
func (h *Hub) BroadcastSyncScript(runnerIDs []string, scriptName string) {
	for _, id := range runnerIDs {
		h.AddSyncScript(id, scriptName)
	}
}

// BroadcastRemoveScript queues a script removal for every runner in
// runnerIDs.
func (h *Hub) BroadcastRemoveScript(runnerIDs []string, scriptName string) {
	for _, id := range runnerIDs {
		h.AddRemoveScript(id, scriptName)
	}
}

// Drain atomically removes and returns all pending commands for a runner.
// Ordering within each list is unspecified.
func (h *Hub) Drain(runnerID string) *Commands {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.slots[runnerID]
	if !ok {
		return &Commands{}
	}
	cmds := &Commands{
		StopRuns:      keys(slot.stopRuns),
		SyncScripts:   keys(slot.syncScripts),
		RemoveScripts: keys(slot.removeScripts),
	}
	slot.stopRuns = make(map[string]bool)
	slot.syncScripts = make(map[string]bool)
	slot.removeScripts = make(map[string]bool)
	return cmds
}

// Wake returns the runner's wake channel, creating the slot if needed. The
// dispatcher selects on it while parked; a buffered nudge is delivered at
// most once per park.
func (h *Hub) Wake(runnerID string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slotLocked(runnerID).wake
}

// Nudge wakes a single runner without queueing a command. Used when a
// targeted event (deregistration) should cut its poll short.
func (h *Hub) Nudge(runnerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wakeLocked(h.slotLocked(runnerID))
}

// WakeAll nudges every known runner. Called when a run is enqueued: the
// claim is the arbiter, waking everyone is just a latency optimization.
func (h *Hub) WakeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, slot := range h.slots {
		wakeLocked(slot)
	}
}

// Forget drops a runner's slot after it is removed from the registry.
func (h *Hub) Forget(runnerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.slots, runnerID)
}

func keys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
