// Package queue provides the demand-matched run queue: pending runs, atomic
// claim by capability tags, status transitions, timeout reaping, and stale
// recovery after a coordinator restart.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/db"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// Queue manages runs. All state transitions happen under a queue-wide mutex
// so claims are single-writer and linearizable; persistence is write-through
// to SQLite.
type Queue struct {
	mu     sync.Mutex
	pool   *db.Pool
	logger *logger.Logger
}

// New creates a Queue and initializes its schema.
func New(pool *db.Pool, log *logger.Logger) (*Queue, error) {
	q := &Queue{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "run-queue")),
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize run schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	_, err := q.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		demands TEXT NOT NULL DEFAULT '[]',
		prompt TEXT NOT NULL DEFAULT '',
		project_dir TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		parent_session_name TEXT NOT NULL DEFAULT '',
		agent_blueprint TEXT NOT NULL DEFAULT '',
		runner_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		claimed_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
	`)
	return err
}

// CreateRun inserts a new pending run. A missing run ID is generated.
func (q *Queue) CreateRun(ctx context.Context, run *v1.Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.Status = v1.RunStatusPending

	demandsJSON, err := json.Marshal(run.Demands)
	if err != nil {
		return fmt.Errorf("failed to serialize demands: %w", err)
	}
	blueprintJSON := ""
	if run.AgentBlueprint != nil {
		data, err := json.Marshal(run.AgentBlueprint)
		if err != nil {
			return fmt.Errorf("failed to serialize blueprint: %w", err)
		}
		blueprintJSON = string(data)
	}

	_, err = q.pool.Writer().ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, type, status, demands, prompt,
			project_dir, agent_name, parent_session_name, agent_blueprint,
			runner_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.SessionID, run.Type, run.Status, string(demandsJSON), run.Prompt,
		run.ProjectDir, run.AgentName, run.ParentSessionName, blueprintJSON,
		run.RunnerID, run.Error, run.CreatedAt)
	if err != nil {
		return err
	}

	q.logger.Info("run enqueued",
		zap.String("run_id", run.RunID),
		zap.String("session_id", run.SessionID),
		zap.String("type", string(run.Type)),
		zap.Strings("demands", run.Demands))
	return nil
}

// ClaimRun atomically claims the oldest pending run whose demands are a
// subset of runnerTags. Returns nil when nothing matches. Ties break by
// created_at ascending, then run_id lexicographically.
func (q *Queue) ClaimRun(ctx context.Context, runnerID string, runnerTags []string) (*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rows []runRow
	if err := q.pool.Writer().SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE status = ?
		ORDER BY created_at ASC, run_id ASC
	`, v1.RunStatusPending); err != nil {
		return nil, err
	}

	tagSet := make(map[string]bool, len(runnerTags))
	for _, tag := range runnerTags {
		tagSet[tag] = true
	}

	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		if !demandsMatch(run.Demands, tagSet) {
			continue
		}

		now := time.Now().UTC()
		res, err := q.pool.Writer().ExecContext(ctx, `
			UPDATE runs SET status = ?, runner_id = ?, claimed_at = ?
			WHERE run_id = ? AND status = ?
		`, v1.RunStatusClaimed, runnerID, now, run.RunID, v1.RunStatusPending)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			continue // raced with another transition, try the next candidate
		}

		run.Status = v1.RunStatusClaimed
		run.RunnerID = runnerID
		run.ClaimedAt = &now
		q.logger.Info("run claimed",
			zap.String("run_id", run.RunID),
			zap.String("runner_id", runnerID))
		return run, nil
	}
	return nil, nil
}

// demandsMatch reports whether every demanded tag appears in the runner's
// tag set. An empty demand set matches any runner.
func demandsMatch(demands []string, tagSet map[string]bool) bool {
	for _, d := range demands {
		if !tagSet[d] {
			return false
		}
	}
	return true
}

// ReportStarted transitions a claimed run to running.
func (q *Queue) ReportStarted(ctx context.Context, runID string) error {
	return q.transition(ctx, runID, v1.RunStatusRunning, "", func(current *v1.Run) error {
		if current.Status == v1.RunStatusRunning {
			return nil // idempotent repeat
		}
		if current.Status != v1.RunStatusClaimed {
			return errors.Conflict("run %s cannot start from status %s", runID, current.Status)
		}
		return nil
	})
}

// ReportCompleted transitions a run to completed.
func (q *Queue) ReportCompleted(ctx context.Context, runID string) error {
	return q.terminalTransition(ctx, runID, v1.RunStatusCompleted, "")
}

// ReportFailed transitions a run to failed with the given error message.
func (q *Queue) ReportFailed(ctx context.Context, runID, errMsg string) error {
	return q.terminalTransition(ctx, runID, v1.RunStatusFailed, errMsg)
}

// ReportStopped transitions a run to stopped, recording the signal used.
func (q *Queue) ReportStopped(ctx context.Context, runID, signal string) error {
	errMsg := ""
	if signal != "" {
		errMsg = "stopped by " + signal
	}
	return q.terminalTransition(ctx, runID, v1.RunStatusStopped, errMsg)
}

// StopPending transitions a still-pending run directly to stopped; runs that
// were already picked up return false so the caller routes a stop command to
// the claimant instead. Terminal runs are an idempotent success.
func (q *Queue) StopPending(ctx context.Context, runID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, err := q.getLocked(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() {
		return true, nil
	}
	if run.Status != v1.RunStatusPending {
		return false, nil
	}
	return true, q.writeTerminalLocked(ctx, runID, v1.RunStatusStopped, "stopped before dispatch")
}

// terminalTransition moves a run to a terminal state. Repeating the same
// terminal state is idempotent; any other write to a terminal run is
// rejected with already_terminal.
func (q *Queue) terminalTransition(ctx context.Context, runID string, status v1.RunStatus, errMsg string) error {
	return q.transition(ctx, runID, status, errMsg, func(current *v1.Run) error {
		if current.Status.Terminal() {
			if current.Status == status {
				return errSkipWrite
			}
			return errors.AlreadyTerminal(runID)
		}
		return nil
	})
}

// errSkipWrite signals an idempotent no-op transition.
var errSkipWrite = goerrors.New("skip write")

func (q *Queue) transition(ctx context.Context, runID string, status v1.RunStatus, errMsg string, check func(*v1.Run) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, err := q.getLocked(ctx, runID)
	if err != nil {
		return err
	}
	if err := check(run); err != nil {
		if goerrors.Is(err, errSkipWrite) {
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	if status == v1.RunStatusRunning {
		_, err = q.pool.Writer().ExecContext(ctx, `
			UPDATE runs SET status = ?, started_at = ? WHERE run_id = ?
		`, status, now, runID)
	} else {
		err = q.writeTerminalLocked(ctx, runID, status, errMsg)
	}
	if err != nil {
		return err
	}

	q.logger.Info("run transition",
		zap.String("run_id", runID),
		zap.String("status", string(status)))
	return nil
}

func (q *Queue) writeTerminalLocked(ctx context.Context, runID string, status v1.RunStatus, errMsg string) error {
	_, err := q.pool.Writer().ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE run_id = ?
	`, status, errMsg, time.Now().UTC(), runID)
	return err
}

// GetRun retrieves a run by ID.
func (q *Queue) GetRun(ctx context.Context, runID string) (*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getLocked(ctx, runID)
}

func (q *Queue) getLocked(ctx context.Context, runID string) (*v1.Run, error) {
	var row runRow
	if err := q.pool.Writer().GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = ?`, runID); err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("run not found")
		}
		return nil, err
	}
	return row.toRun()
}

// ActiveRunForSession returns the most recent non-terminal run for a
// session, or nil when none is in flight.
func (q *Queue) ActiveRunForSession(ctx context.Context, sessionID string) (*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rows []runRow
	if err := q.pool.Writer().SelectContext(ctx, &rows, `
		SELECT * FROM runs
		WHERE session_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC, run_id DESC LIMIT 1
	`, sessionID, v1.RunStatusPending, v1.RunStatusClaimed, v1.RunStatusRunning); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toRun()
}

// ReapTimedOut transitions overdue runs to timed_out: claimed runs that
// never started within claimTimeout, and running runs that exceeded
// runTimeout. Returns the reaped runs.
func (q *Queue) ReapTimedOut(ctx context.Context, now time.Time, claimTimeout, runTimeout time.Duration) ([]*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rows []runRow
	if err := q.pool.Writer().SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE status IN (?, ?)
	`, v1.RunStatusClaimed, v1.RunStatusRunning); err != nil {
		return nil, err
	}

	var reaped []*v1.Run
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}

		var overdue bool
		var reason string
		switch run.Status {
		case v1.RunStatusClaimed:
			if run.ClaimedAt != nil && now.Sub(*run.ClaimedAt) > claimTimeout {
				overdue = true
				reason = fmt.Sprintf("claim timed out after %s", claimTimeout)
			}
		case v1.RunStatusRunning:
			if run.StartedAt != nil && now.Sub(*run.StartedAt) > runTimeout {
				overdue = true
				reason = fmt.Sprintf("run timed out after %s", runTimeout)
			}
		}
		if !overdue {
			continue
		}

		if err := q.writeTerminalLocked(ctx, run.RunID, v1.RunStatusTimedOut, reason); err != nil {
			return nil, err
		}
		run.Status = v1.RunStatusTimedOut
		run.Error = reason
		reaped = append(reaped, run)
		q.logger.Warn("run reaped",
			zap.String("run_id", run.RunID),
			zap.String("reason", reason))
	}
	return reaped, nil
}

// FailByRunner transitions every claimed/running run held by runnerID to
// failed with the given reason. Used when a runner is declared lost.
func (q *Queue) FailByRunner(ctx context.Context, runnerID, reason string) ([]*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failWhereLocked(ctx, `runner_id = ?`, runnerID, reason)
}

// RecoverStale transitions claimed/running runs whose runner is not in the
// live set to failed. Called once on coordinator startup, before runners
// have had a chance to reconnect.
func (q *Queue) RecoverStale(ctx context.Context, isLive func(runnerID string) bool) ([]*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rows []runRow
	if err := q.pool.Writer().SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE status IN (?, ?)
	`, v1.RunStatusClaimed, v1.RunStatusRunning); err != nil {
		return nil, err
	}

	var recovered []*v1.Run
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		if isLive != nil && isLive(run.RunnerID) {
			continue
		}
		if err := q.writeTerminalLocked(ctx, run.RunID, v1.RunStatusFailed, "coordinator_restart"); err != nil {
			return nil, err
		}
		run.Status = v1.RunStatusFailed
		run.Error = "coordinator_restart"
		recovered = append(recovered, run)
	}
	if len(recovered) > 0 {
		q.logger.Warn("recovered stale runs on startup", zap.Int("count", len(recovered)))
	}
	return recovered, nil
}

func (q *Queue) failWhereLocked(ctx context.Context, where string, arg interface{}, reason string) ([]*v1.Run, error) {
	var rows []runRow
	if err := q.pool.Writer().SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE status IN (?, ?) AND `+where,
		v1.RunStatusClaimed, v1.RunStatusRunning, arg); err != nil {
		return nil, err
	}

	var failed []*v1.Run
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		if err := q.writeTerminalLocked(ctx, run.RunID, v1.RunStatusFailed, reason); err != nil {
			return nil, err
		}
		run.Status = v1.RunStatusFailed
		run.Error = reason
		failed = append(failed, run)
	}
	return failed, nil
}

// ListByStatus returns runs in a given status, oldest first.
func (q *Queue) ListByStatus(ctx context.Context, status v1.RunStatus) ([]*v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rows []runRow
	if err := q.pool.Writer().SelectContext(ctx, &rows, `
		SELECT * FROM runs WHERE status = ? ORDER BY created_at ASC, run_id ASC
	`, status); err != nil {
		return nil, err
	}
	runs := make([]*v1.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// runRow mirrors the runs table for sqlx scanning.
type runRow struct {
	RunID             string       `db:"run_id"`
	SessionID         string       `db:"session_id"`
	Type              string       `db:"type"`
	Status            string       `db:"status"`
	Demands           string       `db:"demands"`
	Prompt            string       `db:"prompt"`
	ProjectDir        string       `db:"project_dir"`
	AgentName         string       `db:"agent_name"`
	ParentSessionName string       `db:"parent_session_name"`
	AgentBlueprint    string       `db:"agent_blueprint"`
	RunnerID          string       `db:"runner_id"`
	Error             string       `db:"error"`
	CreatedAt         time.Time    `db:"created_at"`
	ClaimedAt         sql.NullTime `db:"claimed_at"`
	StartedAt         sql.NullTime `db:"started_at"`
	CompletedAt       sql.NullTime `db:"completed_at"`
}

func (r *runRow) toRun() (*v1.Run, error) {
	run := &v1.Run{
		RunID:             r.RunID,
		SessionID:         r.SessionID,
		Type:              v1.RunType(r.Type),
		Status:            v1.RunStatus(r.Status),
		Prompt:            r.Prompt,
		ProjectDir:        r.ProjectDir,
		AgentName:         r.AgentName,
		ParentSessionName: r.ParentSessionName,
		RunnerID:          r.RunnerID,
		Error:             r.Error,
		CreatedAt:         r.CreatedAt,
	}
	if r.Demands != "" && r.Demands != "[]" {
		if err := json.Unmarshal([]byte(r.Demands), &run.Demands); err != nil {
			return nil, fmt.Errorf("failed to deserialize demands: %w", err)
		}
	}
	if r.AgentBlueprint != "" {
		if err := json.Unmarshal([]byte(r.AgentBlueprint), &run.AgentBlueprint); err != nil {
			return nil, fmt.Errorf("failed to deserialize blueprint: %w", err)
		}
	}
	if r.ClaimedAt.Valid {
		t := r.ClaimedAt.Time
		run.ClaimedAt = &t
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		run.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}
