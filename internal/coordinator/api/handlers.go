// Package api exposes the coordinator over HTTP: the client-facing run and
// session surface, the runner-facing dispatch surface, and the SSE stream.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/coordinator"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// Handler contains the coordinator's HTTP handlers.
type Handler struct {
	coord       *coordinator.Coordinator
	pollTimeout time.Duration
	logger      *logger.Logger
}

// NewHandler creates an API handler. pollTimeout bounds the runner long-poll
// window.
func NewHandler(coord *coordinator.Coordinator, pollTimeout time.Duration, log *logger.Logger) *Handler {
	return &Handler{
		coord:       coord,
		pollTimeout: pollTimeout,
		logger:      log.WithFields(zap.String("component", "coordinator-api")),
	}
}

// respondError maps any error onto its JSON body and stable HTTP status.
func respondError(c *gin.Context, err error) {
	appErr := errors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// Healthz reports process liveness.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateRun creates a session plus its first (or next) run.
// POST /api/v1/runs
func (h *Handler) CreateRun(c *gin.Context) {
	var req v1.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}

	resp, err := h.coord.CreateRun(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// GetRun reads one run.
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.coord.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// StopRun requests a stop. Terminal runs are acknowledged as-is.
// POST /api/v1/runs/:runId/stop
func (h *Handler) StopRun(c *gin.Context) {
	run, err := h.coord.StopRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// ListSessions lists sessions, optionally filtered by status and name.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.coord.ListSessions(c.Request.Context(),
		v1.SessionStatus(c.Query("status")), c.Query("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// GetSession reads one session.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.coord.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetSessionStatus reads a session's lifecycle status.
// GET /api/v1/sessions/:sessionId/status
func (h *Handler) GetSessionStatus(c *gin.Context) {
	sessionID := c.Param("sessionId")
	status, err := h.coord.GetSessionStatus(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": status})
}

// GetSessionResult reads the terminal result text.
// GET /api/v1/sessions/:sessionId/result
func (h *Handler) GetSessionResult(c *gin.Context) {
	sessionID := c.Param("sessionId")
	result, err := h.coord.GetSessionResult(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "result": result})
}

// GetSessionAffinity reads the resume routing info.
// GET /api/v1/sessions/:sessionId/affinity
func (h *Handler) GetSessionAffinity(c *gin.Context) {
	affinity, err := h.coord.GetSessionAffinity(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, affinity)
}

// BindSession records the executor's own session identifier. Repeat binds
// with the same value are idempotent; different values conflict.
// POST /api/v1/sessions/:sessionId/bind
func (h *Handler) BindSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req v1.BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}

	if err := h.coord.Bind(c.Request.Context(), sessionID, &req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":          sessionID,
		"executor_session_id": req.ExecutorSessionID,
	})
}

// AppendSessionEvent appends one event to the session log.
// POST /api/v1/sessions/:sessionId/events
func (h *Handler) AppendSessionEvent(c *gin.Context) {
	var req v1.AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}

	event, err := h.coord.AppendEvent(c.Request.Context(), c.Param("sessionId"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// ListSessionEvents reads the full event log in append order.
// GET /api/v1/sessions/:sessionId/events
func (h *Handler) ListSessionEvents(c *gin.Context) {
	events, err := h.coord.ListSessionEvents(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// DeleteSession removes a session and its events.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.coord.DeleteSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRunner registers a runner and returns its polling contract.
// POST /api/v1/runner/register
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req v1.RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}
	c.JSON(http.StatusCreated, h.coord.RegisterRunner(c.Request.Context(), &req))
}

// HeartbeatRunner refreshes a runner's liveness window.
// POST /api/v1/runner/heartbeat
func (h *Handler) HeartbeatRunner(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}
	if err := h.coord.HeartbeatRunner(req.RunnerID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeregisterRunner latches a runner's deregistration. The latch is delivered
// on the runner's next poll; a runner that never polls again is simply
// forgotten.
// POST /api/v1/runner/deregister
func (h *Handler) DeregisterRunner(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}
	h.coord.DeregisterRunner(c.Request.Context(), req.RunnerID)
	c.Status(http.StatusNoContent)
}

// PollRuns is the long-poll dispatcher: it parks until a run is claimable,
// a command arrives, or the poll window elapses (204).
// GET /api/v1/runner/runs
func (h *Handler) PollRuns(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		respondError(c, errors.InvalidInput("runner_id is required"))
		return
	}
	var extraTags []string
	if tags := c.Query("tags"); tags != "" {
		extraTags = strings.Split(tags, ",")
	}

	envelope, err := h.coord.Dispatcher().Poll(c.Request.Context(), runnerID, extraTags, h.pollTimeout)
	if err != nil {
		respondError(c, err)
		return
	}
	if envelope == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, envelope)
}

// ReportStarted records a successful executor spawn.
// POST /api/v1/runner/runs/:runId/started
func (h *Handler) ReportStarted(c *gin.Context) {
	if err := h.coord.ReportStarted(c.Request.Context(), c.Param("runId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportCompleted records a zero executor exit.
// POST /api/v1/runner/runs/:runId/completed
func (h *Handler) ReportCompleted(c *gin.Context) {
	if err := h.coord.ReportCompleted(c.Request.Context(), c.Param("runId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportFailed records a spawn failure or non-zero exit.
// POST /api/v1/runner/runs/:runId/failed
func (h *Handler) ReportFailed(c *gin.Context) {
	var req v1.ReportFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}
	if err := h.coord.ReportFailed(c.Request.Context(), c.Param("runId"), req.Error); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportStopped records a stop, with the signal that ended the process.
// POST /api/v1/runner/runs/:runId/stopped
func (h *Handler) ReportStopped(c *gin.Context) {
	var req v1.ReportStoppedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("invalid request body: %v", err))
		return
	}
	if err := h.coord.ReportStopped(c.Request.Context(), c.Param("runId"), req.Signal); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRunners lists registered runners with their liveness.
// GET /api/v1/runners
func (h *Handler) ListRunners(c *gin.Context) {
	runners := h.coord.Runners()
	c.JSON(http.StatusOK, gin.H{"runners": runners, "total": len(runners)})
}

// ListAgents lists the available agent blueprints.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.coord.Blueprints().List()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

// GetAgent reads one agent blueprint.
// GET /api/v1/agents/:name
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.coord.Blueprints().Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}
