// Package store provides the SQLite-backed session store: sessions, their
// append-only event logs, result materialization, and resume affinity.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/sqlite"
	"github.com/runfleet/runfleet/internal/db"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// Store persists sessions and session events. Writes go through the single
// writer connection; reads use the read-only pool.
type Store struct {
	pool *db.Pool
}

// New creates a Store and initializes its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		executor_session_id TEXT,
		executor_type TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		project_dir TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		parent_session_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_name_created
		ON sessions(session_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_session_events_session_seq
		ON session_events(session_id, seq);
	`)
	if err != nil {
		return err
	}

	// last_resumed_at postdates the original schema; existing databases get
	// it on upgrade.
	return sqlite.EnsureColumn(s.pool.Writer().DB, "sessions", "last_resumed_at", "TIMESTAMP")
}

// CreateSession inserts a new session in pending state. A missing ID is
// generated; CreatedAt defaults to now.
func (s *Store) CreateSession(ctx context.Context, session *v1.Session) error {
	if session.SessionID == "" {
		session.SessionID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.Status == "" {
		session.Status = v1.SessionStatusPending
	}

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sessions (session_id, session_name, status, executor_session_id,
			executor_type, hostname, project_dir, agent_name, parent_session_name,
			created_at, last_resumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.SessionID, session.SessionName, session.Status, session.ExecutorSessionID,
		session.ExecutorType, session.Hostname, session.ProjectDir, session.AgentName,
		session.ParentSessionName, session.CreatedAt, session.LastResumedAt)
	return err
}

// GetByID retrieves a session by its identifier.
func (s *Store) GetByID(ctx context.Context, sessionID string) (*v1.Session, error) {
	return s.getSession(ctx, `SELECT * FROM sessions WHERE session_id = ?`, sessionID)
}

// GetByName resolves a session name to the most recently created matching
// session. Names are advisory and may collide; the newest wins.
func (s *Store) GetByName(ctx context.Context, name string) (*v1.Session, error) {
	return s.getSession(ctx, `
		SELECT * FROM sessions WHERE session_name = ?
		ORDER BY created_at DESC, session_id DESC LIMIT 1
	`, name)
}

func (s *Store) getSession(ctx context.Context, query string, arg interface{}) (*v1.Session, error) {
	var row sessionRow
	if err := s.pool.Reader().GetContext(ctx, &row, query, arg); err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("session not found")
		}
		return nil, err
	}
	return row.toSession(), nil
}

// List returns sessions, optionally filtered by status and/or name, newest
// first.
func (s *Store) List(ctx context.Context, status v1.SessionStatus, name string) ([]*v1.Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	args := []interface{}{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if name != "" {
		query += ` AND session_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at DESC, session_id DESC`

	var rows []sessionRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	sessions := make([]*v1.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toSession())
	}
	return sessions, nil
}

// BindParams carries the executor-binding handshake. Hostname and
// ExecutorType come from the runner that claimed the session's active run;
// together with ProjectDir they define resume affinity and are immutable
// after bind.
type BindParams struct {
	ExecutorSessionID string
	Hostname          string
	ExecutorType      string
	ProjectDir        string
}

// Bind records the executor's own session identifier. Write-once: a second
// bind with the same value is an idempotent success, a different value is a
// conflict. Binding also moves a pending session to running.
func (s *Store) Bind(ctx context.Context, sessionID string, params BindParams) error {
	if params.ExecutorSessionID == "" {
		return errors.InvalidInput("executor_session_id is required")
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var row sessionRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return errors.NotFound("session not found")
		}
		return err
	}

	if row.ExecutorSessionID.Valid && row.ExecutorSessionID.String != "" {
		if row.ExecutorSessionID.String == params.ExecutorSessionID {
			// Repeat bind with the same value: idempotent, but a reopened
			// session still moves back to running.
			if row.Status == string(v1.SessionStatusPending) {
				if _, err := tx.ExecContext(ctx,
					`UPDATE sessions SET status = ? WHERE session_id = ?`,
					v1.SessionStatusRunning, sessionID); err != nil {
					return err
				}
			}
			return tx.Commit()
		}
		return errors.Conflict("session %s is already bound to executor session %s",
			sessionID, row.ExecutorSessionID.String)
	}

	projectDir := row.ProjectDir
	if params.ProjectDir != "" {
		projectDir = params.ProjectDir
	}
	status := row.Status
	if status == string(v1.SessionStatusPending) {
		status = string(v1.SessionStatusRunning)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET executor_session_id = ?, hostname = ?, executor_type = ?,
			project_dir = ?, status = ?
		WHERE session_id = ?
	`, params.ExecutorSessionID, params.Hostname, params.ExecutorType,
		projectDir, status, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendEvent appends an event to the session log, assigning the next
// sequence number. Appending run_completed/run_failed transitions the
// session to finished/failed; any append after a terminal event is rejected.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, eventType v1.EventType, payload map[string]interface{}) (*v1.SessionEvent, error) {
	if !eventType.Valid() {
		return nil, errors.InvalidInput("unknown event_type %q", eventType)
	}

	payloadJSON := "{}"
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.GetContext(ctx, &status, `SELECT status FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("session not found")
		}
		return nil, err
	}
	if v1.SessionStatus(status).Terminal() {
		return nil, errors.SessionTerminal(sessionID)
	}

	var seq sql.NullInt64
	if err := tx.GetContext(ctx, &seq,
		`SELECT MAX(seq) FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return nil, err
	}

	event := &v1.SessionEvent{
		SessionID: sessionID,
		Seq:       seq.Int64 + 1,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, event_type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)
	`, event.SessionID, event.Seq, event.EventType, event.Timestamp, payloadJSON); err != nil {
		return nil, err
	}

	if eventType.Terminal() {
		newStatus := v1.SessionStatusFinished
		if eventType == v1.EventRunFailed {
			newStatus = v1.SessionStatusFailed
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE session_id = ?`, newStatus, sessionID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return event, nil
}

// ListEvents returns the full event log of a session in sequence order.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]*v1.SessionEvent, error) {
	var rows []eventRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT session_id, seq, event_type, timestamp, payload
		FROM session_events WHERE session_id = ? ORDER BY seq ASC
	`, sessionID); err != nil {
		return nil, err
	}
	events := make([]*v1.SessionEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetStatus returns a session's lifecycle status.
func (s *Store) GetStatus(ctx context.Context, sessionID string) (v1.SessionStatus, error) {
	var status string
	if err := s.pool.Reader().GetContext(ctx, &status,
		`SELECT status FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return "", errors.NotFound("session not found")
		}
		return "", err
	}
	return v1.SessionStatus(status), nil
}

// GetResult returns the textual payload of the session's most recent
// run_completed event. Sessions without a terminal event yield not_finished;
// sessions that failed without a completed result yield not_found with the
// failure reason.
func (s *Store) GetResult(ctx context.Context, sessionID string) (string, error) {
	status, err := s.GetStatus(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !status.Terminal() {
		return "", errors.NotFinished(sessionID)
	}

	var row eventRow
	err = s.pool.Reader().GetContext(ctx, &row, `
		SELECT session_id, seq, event_type, timestamp, payload
		FROM session_events
		WHERE session_id = ? AND event_type = ?
		ORDER BY seq DESC LIMIT 1
	`, sessionID, v1.EventRunCompleted)
	if err != nil {
		if goerrors.Is(err, sql.ErrNoRows) {
			return "", errors.NotFound("session %s has no completed result (status %s)", sessionID, status)
		}
		return "", err
	}

	ev, err := row.toEvent()
	if err != nil {
		return "", err
	}
	return ev.Result(), nil
}

// GetAffinity returns the resume-routing triple for a bound session, or an
// unbound marker.
func (s *Store) GetAffinity(ctx context.Context, sessionID string) (*v1.Affinity, error) {
	session, err := s.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Bound() {
		return &v1.Affinity{Bound: false}, nil
	}
	return &v1.Affinity{
		Bound:             true,
		Hostname:          session.Hostname,
		ExecutorType:      session.ExecutorType,
		ProjectDir:        session.ProjectDir,
		ExecutorSessionID: *session.ExecutorSessionID,
	}, nil
}

// UpdateMetadata updates the advisory session name. Identity and affinity
// fields are not touched here.
func (s *Store) UpdateMetadata(ctx context.Context, sessionID, sessionName string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET session_name = ? WHERE session_id = ?`, sessionName, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NotFound("session not found")
	}
	return nil
}

// TouchResumed records a resume attempt on the session. A terminal session
// is reopened to pending so the resumed executor can append events again;
// its existing bind and event log are untouched.
func (s *Store) TouchResumed(ctx context.Context, sessionID string) error {
	status, err := s.GetStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		_, err = s.pool.Writer().ExecContext(ctx,
			`UPDATE sessions SET status = ?, last_resumed_at = ? WHERE session_id = ?`,
			v1.SessionStatusPending, time.Now().UTC(), sessionID)
		return err
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET last_resumed_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// Delete removes a session and its events.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NotFound("session not found")
	}
	return tx.Commit()
}

// sessionRow mirrors the sessions table for sqlx scanning.
type sessionRow struct {
	SessionID         string         `db:"session_id"`
	SessionName       string         `db:"session_name"`
	Status            string         `db:"status"`
	ExecutorSessionID sql.NullString `db:"executor_session_id"`
	ExecutorType      string         `db:"executor_type"`
	Hostname          string         `db:"hostname"`
	ProjectDir        string         `db:"project_dir"`
	AgentName         string         `db:"agent_name"`
	ParentSessionName string         `db:"parent_session_name"`
	CreatedAt         time.Time      `db:"created_at"`
	LastResumedAt     sql.NullTime   `db:"last_resumed_at"`
}

func (r *sessionRow) toSession() *v1.Session {
	session := &v1.Session{
		SessionID:         r.SessionID,
		SessionName:       r.SessionName,
		Status:            v1.SessionStatus(r.Status),
		ExecutorType:      r.ExecutorType,
		Hostname:          r.Hostname,
		ProjectDir:        r.ProjectDir,
		AgentName:         r.AgentName,
		ParentSessionName: r.ParentSessionName,
		CreatedAt:         r.CreatedAt,
	}
	if r.ExecutorSessionID.Valid && r.ExecutorSessionID.String != "" {
		id := r.ExecutorSessionID.String
		session.ExecutorSessionID = &id
	}
	if r.LastResumedAt.Valid {
		t := r.LastResumedAt.Time
		session.LastResumedAt = &t
	}
	return session
}

// eventRow mirrors the session_events table for sqlx scanning.
type eventRow struct {
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	EventType string    `db:"event_type"`
	Timestamp time.Time `db:"timestamp"`
	Payload   string    `db:"payload"`
}

func (r *eventRow) toEvent() (*v1.SessionEvent, error) {
	ev := &v1.SessionEvent{
		SessionID: r.SessionID,
		Seq:       r.Seq,
		EventType: v1.EventType(r.EventType),
		Timestamp: r.Timestamp,
	}
	if r.Payload != "" && r.Payload != "{}" {
		if err := json.Unmarshal([]byte(r.Payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to deserialize event payload: %w", err)
		}
	}
	return ev, nil
}
