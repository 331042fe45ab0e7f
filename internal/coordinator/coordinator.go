// Package coordinator aggregates the per-process orchestration state: the
// session store, run queue, runner registry, command hub, dispatcher, SSE
// fan-out, and blueprint registry. HTTP handlers call into this one value;
// there are no hidden globals.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/config"
	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/coordinator/blueprint"
	"github.com/runfleet/runfleet/internal/coordinator/command"
	"github.com/runfleet/runfleet/internal/coordinator/dispatch"
	"github.com/runfleet/runfleet/internal/coordinator/queue"
	"github.com/runfleet/runfleet/internal/coordinator/registry"
	"github.com/runfleet/runfleet/internal/coordinator/sse"
	"github.com/runfleet/runfleet/internal/coordinator/store"
	"github.com/runfleet/runfleet/internal/db"
	"github.com/runfleet/runfleet/internal/events"
	"github.com/runfleet/runfleet/internal/events/bus"
	"github.com/runfleet/runfleet/internal/tracing"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// eventSource identifies this service on the event bus.
const eventSource = "coordinator"

// Coordinator owns all orchestration sub-state for one process.
type Coordinator struct {
	cfg        *config.Config
	store      *store.Store
	queue      *queue.Queue
	registry   *registry.Registry
	hub        *command.Hub
	dispatcher *dispatch.Dispatcher
	sse        *sse.Manager
	blueprints *blueprint.Registry
	bus        bus.EventBus
	logger     *logger.Logger

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New wires the coordinator from its dependencies and recovers runs left
// over from a previous process.
func New(cfg *config.Config, pool *db.Pool, eventBus bus.EventBus, log *logger.Logger) (*Coordinator, error) {
	sessionStore, err := store.New(pool)
	if err != nil {
		return nil, err
	}
	runQueue, err := queue.New(pool, log)
	if err != nil {
		return nil, err
	}
	blueprints, err := blueprint.LoadRegistry(cfg.Blueprint.Dir, log)
	if err != nil {
		return nil, err
	}

	reg := registry.New(cfg.Registry.HeartbeatTimeoutDuration(), log)
	hub := command.NewHub(log)

	c := &Coordinator{
		cfg:        cfg,
		store:      sessionStore,
		queue:      runQueue,
		registry:   reg,
		hub:        hub,
		dispatcher: dispatch.New(runQueue, reg, hub, log),
		sse:        sse.NewManager(log),
		blueprints: blueprints,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "coordinator")),
	}

	// No runner survives our restart unannounced: they re-register.
	recovered, err := runQueue.RecoverStale(context.Background(), func(string) bool { return false })
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale runs: %w", err)
	}
	for _, run := range recovered {
		c.failSessionForRun(context.Background(), run, "coordinator_restart")
	}

	return c, nil
}

// Dispatcher exposes the long-poll dispatcher for the HTTP layer.
func (c *Coordinator) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// SSE exposes the fan-out manager for the HTTP layer.
func (c *Coordinator) SSE() *sse.Manager { return c.sse }

// Blueprints exposes the agent blueprint registry.
func (c *Coordinator) Blueprints() *blueprint.Registry { return c.blueprints }

// Runners returns a snapshot of all registered runners.
func (c *Coordinator) Runners() []*v1.Runner { return c.registry.List() }

// publish emits a lifecycle event on the bus; bus failures are logged and
// never fail the primary operation.
func (c *Coordinator) publish(ctx context.Context, subject string, data map[string]interface{}) {
	event := bus.NewEvent(subject, eventSource, data)
	c.mirrorSSE(event)
	if err := c.bus.Publish(ctx, subject, event); err != nil {
		c.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// CreateRun creates a session (for start) or resolves one (for resume) and
// enqueues the run.
func (c *Coordinator) CreateRun(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error) {
	ctx, span := tracing.TraceRunCreate(ctx, string(req.Type), req.AgentName)
	defer span.End()

	if !req.Type.Valid() {
		return nil, errors.InvalidInput("unknown run type %q", req.Type)
	}
	if req.Prompt == "" {
		return nil, errors.InvalidInput("prompt is required")
	}

	var resp *v1.CreateRunResponse
	var err error
	switch req.Type {
	case v1.RunTypeStart:
		resp, err = c.createStartRun(ctx, req)
	default:
		resp, err = c.createResumeRun(ctx, req)
	}
	tracing.RecordResult(span, err)
	return resp, err
}

func (c *Coordinator) createStartRun(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error) {
	if req.AgentName == "" {
		return nil, errors.InvalidInput("agent_name is required for start_session")
	}
	bp, err := c.blueprints.Get(req.AgentName)
	if err != nil {
		return nil, err
	}
	if err := c.blueprints.ValidateParams(req.AgentName, req.Params); err != nil {
		return nil, err
	}

	session := &v1.Session{
		SessionName:       req.SessionName,
		AgentName:         req.AgentName,
		ProjectDir:        req.ProjectDir,
		ParentSessionName: req.ParentSessionName,
	}
	run := &v1.Run{
		Type:              v1.RunTypeStart,
		Prompt:            req.Prompt,
		ProjectDir:        req.ProjectDir,
		AgentName:         req.AgentName,
		ParentSessionName: req.ParentSessionName,
		Demands:           mergeDemands(bp.Demands, req.Demands),
	}

	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	run.SessionID = session.SessionID
	// The run ID is minted here, not in the queue, because ${runtime.run_id}
	// must already have its value during blueprint resolution.
	run.RunID = uuid.New().String()

	// Resolve the blueprint for this run; invalid_config blocks creation,
	// so drop the orphan session rather than leaving it pending forever.
	resolveCtx := blueprint.NewResolveContext(req.Params, req.Scope, session.SessionID, run.RunID)
	resolved, err := c.blueprints.Resolve(bp, resolveCtx, req.MCPConfig)
	if err != nil {
		_ = c.store.Delete(ctx, session.SessionID)
		return nil, err
	}
	run.AgentBlueprint = resolved

	if err := c.queue.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	c.publish(ctx, events.RunCreated, map[string]interface{}{
		"run_id":     run.RunID,
		"session_id": session.SessionID,
		"agent_name": req.AgentName,
		"type":       string(run.Type),
	})
	c.hub.WakeAll()

	return &v1.CreateRunResponse{RunID: run.RunID, SessionID: session.SessionID}, nil
}

func (c *Coordinator) createResumeRun(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error) {
	session, err := c.resolveSession(ctx, req.SessionID, req.SessionName)
	if err != nil {
		return nil, err
	}

	if err := c.store.TouchResumed(ctx, session.SessionID); err != nil {
		return nil, err
	}

	run := &v1.Run{
		Type:              v1.RunTypeResume,
		SessionID:         session.SessionID,
		Prompt:            req.Prompt,
		AgentName:         session.AgentName,
		ParentSessionName: session.ParentSessionName,
		Demands:           req.Demands,
	}
	if err := c.queue.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	c.publish(ctx, events.RunCreated, map[string]interface{}{
		"run_id":     run.RunID,
		"session_id": session.SessionID,
		"agent_name": session.AgentName,
		"type":       string(run.Type),
	})
	c.hub.WakeAll()

	return &v1.CreateRunResponse{RunID: run.RunID, SessionID: session.SessionID}, nil
}

func (c *Coordinator) resolveSession(ctx context.Context, sessionID, sessionName string) (*v1.Session, error) {
	switch {
	case sessionID != "":
		return c.store.GetByID(ctx, sessionID)
	case sessionName != "":
		return c.store.GetByName(ctx, sessionName)
	default:
		return nil, errors.InvalidInput("session_id or session_name is required for resume_session")
	}
}

func mergeDemands(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, set := range [][]string{base, extra} {
		for _, d := range set {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// GetRun reads one run.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*v1.Run, error) {
	return c.queue.GetRun(ctx, runID)
}

// StopRun requests termination of a run. Pending runs stop immediately;
// claimed and running runs get a stop command routed to their runner.
// Terminal runs are an idempotent success.
func (c *Coordinator) StopRun(ctx context.Context, runID string) (*v1.Run, error) {
	run, err := c.queue.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	stopped, err := c.queue.StopPending(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stopped {
		run, err = c.queue.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status == v1.RunStatusStopped {
			c.publish(ctx, events.RunStopped, map[string]interface{}{
				"run_id":     run.RunID,
				"session_id": run.SessionID,
				"signal":     "",
			})
		}
		return run, nil
	}

	// A claim can land between the snapshot above and StopPending. The
	// snapshot's runner ID may still be empty, so the stop is routed to
	// whichever runner holds the run now.
	run, err = c.queue.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	c.hub.AddStopRun(run.RunnerID, runID)
	return run, nil
}

// Bind executes the write-once executor handshake. The affinity triple is
// derived from the runner that claimed the session's active run, not from
// the executor's own claims.
func (c *Coordinator) Bind(ctx context.Context, sessionID string, req *v1.BindRequest) error {
	params := store.BindParams{
		ExecutorSessionID: req.ExecutorSessionID,
		ProjectDir:        req.ProjectDir,
	}

	if run, err := c.queue.ActiveRunForSession(ctx, sessionID); err == nil && run != nil && run.RunnerID != "" {
		if runner, err := c.registry.Get(run.RunnerID); err == nil {
			params.Hostname = runner.Hostname
			params.ExecutorType = runner.ExecutorType
			if params.ProjectDir == "" {
				params.ProjectDir = runner.ProjectDir
			}
		}
	}

	if err := c.store.Bind(ctx, sessionID, params); err != nil {
		return err
	}

	c.publish(ctx, events.SessionRunning, map[string]interface{}{
		"session_id":          sessionID,
		"executor_session_id": req.ExecutorSessionID,
	})
	return nil
}

// AppendEvent appends one event to the session log. Terminal event types
// additionally close out the session's active run and, for completions of
// child sessions, trigger the parent callback.
func (c *Coordinator) AppendEvent(ctx context.Context, sessionID string, req *v1.AppendEventRequest) (*v1.SessionEvent, error) {
	event, err := c.store.AppendEvent(ctx, sessionID, req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}

	c.publish(ctx, events.SessionEvent, map[string]interface{}{
		"session_id": sessionID,
		"seq":        event.Seq,
		"event_type": string(event.EventType),
		"payload":    event.Payload,
	})

	if event.EventType.Terminal() {
		c.finishActiveRun(ctx, sessionID, event)
	}
	return event, nil
}

// finishActiveRun transitions the session's in-flight run when the
// executor reports completion or failure through the event log.
func (c *Coordinator) finishActiveRun(ctx context.Context, sessionID string, event *v1.SessionEvent) {
	run, err := c.queue.ActiveRunForSession(ctx, sessionID)
	if err != nil || run == nil {
		return
	}

	if event.EventType == v1.EventRunCompleted {
		if err := c.queue.ReportCompleted(ctx, run.RunID); err != nil {
			c.logger.Warn("failed to complete run from event",
				zap.String("run_id", run.RunID), zap.Error(err))
			return
		}
		c.publish(ctx, events.RunCompleted, map[string]interface{}{
			"run_id":     run.RunID,
			"session_id": sessionID,
			"result":     event.Result(),
		})
		c.enqueueParentCallback(ctx, sessionID, event)
		return
	}

	reason := ""
	if event.Payload != nil {
		reason, _ = event.Payload["error"].(string)
	}
	if err := c.queue.ReportFailed(ctx, run.RunID, reason); err != nil {
		c.logger.Warn("failed to fail run from event",
			zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	c.publish(ctx, events.RunFailed, map[string]interface{}{
		"run_id":     run.RunID,
		"session_id": sessionID,
		"error":      reason,
	})
}

// enqueueParentCallback resumes the parent session with the child's result
// when the completed session declares a parent.
func (c *Coordinator) enqueueParentCallback(ctx context.Context, sessionID string, event *v1.SessionEvent) {
	session, err := c.store.GetByID(ctx, sessionID)
	if err != nil || session.ParentSessionName == "" {
		return
	}
	parent, err := c.store.GetByName(ctx, session.ParentSessionName)
	if err != nil {
		c.logger.Warn("parent session not found for callback",
			zap.String("session_id", sessionID),
			zap.String("parent_session_name", session.ParentSessionName))
		return
	}

	childName := session.SessionName
	if childName == "" {
		childName = session.SessionID
	}
	prompt := fmt.Sprintf("Child session %s finished with result:\n\n%s", childName, event.Result())

	resp, err := c.CreateRun(ctx, &v1.CreateRunRequest{
		Type:      v1.RunTypeResume,
		SessionID: parent.SessionID,
		Prompt:    prompt,
	})
	if err != nil {
		c.logger.Error("failed to enqueue parent callback",
			zap.String("parent_session_id", parent.SessionID), zap.Error(err))
		return
	}
	c.logger.Info("parent callback enqueued",
		zap.String("child_session_id", sessionID),
		zap.String("parent_session_id", parent.SessionID),
		zap.String("run_id", resp.RunID))
}

// Session read operations delegate to the store.

func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	return c.store.GetByID(ctx, sessionID)
}

func (c *Coordinator) ListSessions(ctx context.Context, status v1.SessionStatus, name string) ([]*v1.Session, error) {
	return c.store.List(ctx, status, name)
}

func (c *Coordinator) GetSessionStatus(ctx context.Context, sessionID string) (v1.SessionStatus, error) {
	return c.store.GetStatus(ctx, sessionID)
}

func (c *Coordinator) GetSessionResult(ctx context.Context, sessionID string) (string, error) {
	return c.store.GetResult(ctx, sessionID)
}

func (c *Coordinator) GetSessionAffinity(ctx context.Context, sessionID string) (*v1.Affinity, error) {
	return c.store.GetAffinity(ctx, sessionID)
}

func (c *Coordinator) ListSessionEvents(ctx context.Context, sessionID string) ([]*v1.SessionEvent, error) {
	return c.store.ListEvents(ctx, sessionID)
}

// DeleteSession removes a session and its event log.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	c.publish(ctx, events.SessionDeleted, map[string]interface{}{"session_id": sessionID})
	return nil
}

// Runner-facing operations.

// RegisterRunner records the runner and returns its polling contract.
func (c *Coordinator) RegisterRunner(ctx context.Context, req *v1.RegisterRunnerRequest) *v1.RegisterRunnerResponse {
	runner := c.registry.Register(req)
	c.publish(ctx, events.RunnerRegistered, map[string]interface{}{
		"runner_id": runner.RunnerID,
		"hostname":  runner.Hostname,
		"tags":      runner.Tags,
	})
	return &v1.RegisterRunnerResponse{
		RunnerID:         runner.RunnerID,
		PollPath:         "/api/v1/runner/runs",
		PollTimeoutSec:   c.cfg.Server.PollTimeout,
		HeartbeatSec:     c.cfg.Runner.HeartbeatInterval,
		HeartbeatTimeout: c.cfg.Registry.HeartbeatTimeout,
	}
}

// HeartbeatRunner refreshes runner liveness.
func (c *Coordinator) HeartbeatRunner(runnerID string) error {
	return c.registry.Heartbeat(runnerID)
}

// DeregisterRunner latches removal; delivered on the runner's next poll.
func (c *Coordinator) DeregisterRunner(ctx context.Context, runnerID string) {
	c.registry.Deregister(runnerID)
	c.hub.Nudge(runnerID)
	c.publish(ctx, events.RunnerDeregistered, map[string]interface{}{"runner_id": runnerID})
}

// ReportStarted marks a claimed run as executing.
func (c *Coordinator) ReportStarted(ctx context.Context, runID string) error {
	return c.queue.ReportStarted(ctx, runID)
}

// ReportCompleted marks a run completed. The session normally reaches its
// terminal state through the executor's run_completed event; this report
// covers executors that exit silently.
func (c *Coordinator) ReportCompleted(ctx context.Context, runID string) error {
	run, err := c.queue.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	alreadyTerminal := run.Status.Terminal()
	if err := c.queue.ReportCompleted(ctx, runID); err != nil {
		return err
	}
	if !alreadyTerminal {
		c.publish(ctx, events.RunCompleted, map[string]interface{}{
			"run_id":     runID,
			"session_id": run.SessionID,
		})
	}
	return nil
}

// ReportFailed marks a run failed and fails the session alongside it.
func (c *Coordinator) ReportFailed(ctx context.Context, runID, errMsg string) error {
	run, err := c.queue.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	alreadyTerminal := run.Status.Terminal()
	if err := c.queue.ReportFailed(ctx, runID, errMsg); err != nil {
		return err
	}
	if alreadyTerminal {
		return nil
	}
	c.failSessionForRun(ctx, run, errMsg)
	return nil
}

// ReportStopped marks a run stopped with the signal used.
func (c *Coordinator) ReportStopped(ctx context.Context, runID, signal string) error {
	run, err := c.queue.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	alreadyTerminal := run.Status.Terminal()
	if err := c.queue.ReportStopped(ctx, runID, signal); err != nil {
		return err
	}
	if !alreadyTerminal {
		c.publish(ctx, events.RunStopped, map[string]interface{}{
			"run_id":     runID,
			"session_id": run.SessionID,
			"signal":     signal,
		})
	}
	return nil
}

// failSessionForRun pushes a run_failed event into the session log so the
// session reaches its terminal state even though no executor reported it.
// Sessions already terminal are left alone.
func (c *Coordinator) failSessionForRun(ctx context.Context, run *v1.Run, reason string) {
	_, err := c.store.AppendEvent(ctx, run.SessionID, v1.EventRunFailed,
		map[string]interface{}{"error": reason, "run_id": run.RunID})
	if err != nil && errors.KindOf(err) != errors.KindSessionTerminal {
		c.logger.Warn("failed to record session failure",
			zap.String("session_id", run.SessionID), zap.Error(err))
		return
	}
	if err == nil {
		c.publish(ctx, events.RunFailed, map[string]interface{}{
			"run_id":     run.RunID,
			"session_id": run.SessionID,
			"error":      reason,
		})
	}
}

// StartSweeper launches the background reaper loop.
func (c *Coordinator) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(c.cfg.Queue.SweepIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
}

// StopSweeper stops the reaper loop and waits for it to exit.
func (c *Coordinator) StopSweeper() {
	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
	}
}

// sweep reaps overdue runs and declares heartbeat-lapsed runners lost.
func (c *Coordinator) sweep(ctx context.Context) {
	reaped, err := c.queue.ReapTimedOut(ctx, time.Now().UTC(),
		c.cfg.Queue.ClaimTimeoutDuration(), c.cfg.Queue.RunTimeoutDuration())
	if err != nil {
		c.logger.Error("sweep failed", zap.Error(err))
	}
	for _, run := range reaped {
		c.failSessionForRun(ctx, run, run.Error)
	}

	for _, runnerID := range c.registry.Expired() {
		failed, err := c.queue.FailByRunner(ctx, runnerID, "runner_lost")
		if err != nil {
			c.logger.Error("failed to fail runs of lost runner",
				zap.String("runner_id", runnerID), zap.Error(err))
			continue
		}
		for _, run := range failed {
			c.failSessionForRun(ctx, run, "runner_lost")
		}
		c.registry.Remove(runnerID)
		c.hub.Forget(runnerID)
		c.publish(ctx, events.RunnerLost, map[string]interface{}{"runner_id": runnerID})
	}
}
