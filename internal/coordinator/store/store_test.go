package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/db"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.OpenPool(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func createSession(t *testing.T, s *Store, id, name string) *v1.Session {
	t.Helper()
	session := &v1.Session{SessionID: id, SessionName: name, AgentName: "a1"}
	if err := s.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "s1", "demo")

	got, err := s.GetByID(ctx, "s1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != v1.SessionStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.Bound() {
		t.Error("new session must not be bound")
	}

	if _, err := s.GetByID(ctx, "nope"); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestStore_GetByName_MostRecentWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := createSession(t, s, "s1", "same")
	second := &v1.Session{SessionID: "s2", SessionName: "same",
		CreatedAt: first.CreatedAt.Add(time.Second)}
	if err := s.CreateSession(ctx, second); err != nil {
		t.Fatalf("failed to create second session: %v", err)
	}

	got, err := s.GetByName(ctx, "same")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if got.SessionID != "s2" {
		t.Errorf("expected most recent session s2, got %s", got.SessionID)
	}
}

func TestStore_Bind_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "")

	params := BindParams{
		ExecutorSessionID: "e1",
		Hostname:          "host-a",
		ExecutorType:      "claude-code",
		ProjectDir:        "/work",
	}
	if err := s.Bind(ctx, "s1", params); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}

	// Repeat bind with the same value is idempotent.
	if err := s.Bind(ctx, "s1", params); err != nil {
		t.Fatalf("repeat bind failed: %v", err)
	}

	// Different value conflicts.
	params.ExecutorSessionID = "e2"
	err := s.Bind(ctx, "s1", params)
	if errors.KindOf(err) != errors.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	aff, err := s.GetAffinity(ctx, "s1")
	if err != nil {
		t.Fatalf("GetAffinity failed: %v", err)
	}
	if !aff.Bound || aff.ExecutorSessionID != "e1" {
		t.Errorf("affinity should retain first bind, got %+v", aff)
	}
	if aff.Hostname != "host-a" || aff.ExecutorType != "claude-code" || aff.ProjectDir != "/work" {
		t.Errorf("unexpected affinity triple: %+v", aff)
	}

	status, _ := s.GetStatus(ctx, "s1")
	if status != v1.SessionStatusRunning {
		t.Errorf("bind should move pending session to running, got %s", status)
	}
}

func TestStore_GetAffinity_Unbound(t *testing.T) {
	s := newTestStore(t)
	createSession(t, s, "s1", "")

	aff, err := s.GetAffinity(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetAffinity failed: %v", err)
	}
	if aff.Bound {
		t.Error("expected unbound affinity")
	}
}

func TestStore_AppendEvent_SequenceAndTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "")

	e1, err := s.AppendEvent(ctx, "s1", v1.EventSessionStart, nil)
	if err != nil {
		t.Fatalf("append session_start failed: %v", err)
	}
	e2, err := s.AppendEvent(ctx, "s1", v1.EventMessage,
		map[string]interface{}{"role": "assistant", "content": "hi"})
	if err != nil {
		t.Fatalf("append message failed: %v", err)
	}
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Errorf("expected seq 1,2 got %d,%d", e1.Seq, e2.Seq)
	}

	if _, err := s.AppendEvent(ctx, "s1", v1.EventRunCompleted,
		map[string]interface{}{"result": "done"}); err != nil {
		t.Fatalf("append run_completed failed: %v", err)
	}

	status, _ := s.GetStatus(ctx, "s1")
	if status != v1.SessionStatusFinished {
		t.Errorf("expected finished, got %s", status)
	}

	// No event may follow a terminal event.
	_, err = s.AppendEvent(ctx, "s1", v1.EventMessage, nil)
	if errors.KindOf(err) != errors.KindSessionTerminal {
		t.Errorf("expected session_terminal, got %v", err)
	}

	events, err := s.ListEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestStore_AppendEvent_RejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	createSession(t, s, "s1", "")

	_, err := s.AppendEvent(context.Background(), "s1", v1.EventType("bogus"), nil)
	if errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestStore_GetResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "")

	if _, err := s.GetResult(ctx, "s1"); errors.KindOf(err) != errors.KindNotFinished {
		t.Errorf("expected not_finished, got %v", err)
	}

	if _, err := s.AppendEvent(ctx, "s1", v1.EventRunCompleted,
		map[string]interface{}{"result": "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	result, err := s.GetResult(ctx, "s1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if result != "hi" {
		t.Errorf("expected %q, got %q", "hi", result)
	}
}

func TestStore_GetResult_FailedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "")

	if _, err := s.AppendEvent(ctx, "s1", v1.EventRunFailed,
		map[string]interface{}{"reason": "exit code 2"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	status, _ := s.GetStatus(ctx, "s1")
	if status != v1.SessionStatusFailed {
		t.Errorf("expected failed, got %s", status)
	}
	if _, err := s.GetResult(ctx, "s1"); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("expected not_found for failed session, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "")
	_, _ = s.AppendEvent(ctx, "s1", v1.EventSessionStart, nil)

	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.GetByID(ctx, "s1"); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("expected not_found after delete, got %v", err)
	}
	if err := s.Delete(ctx, "s1"); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("expected not_found on second delete, got %v", err)
	}
}

func TestStore_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1", "alpha")
	createSession(t, s, "s2", "beta")
	_, _ = s.AppendEvent(ctx, "s2", v1.EventRunCompleted, map[string]interface{}{"result": "x"})

	all, err := s.List(ctx, "", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(all))
	}

	finished, err := s.List(ctx, v1.SessionStatusFinished, "")
	if err != nil {
		t.Fatalf("List by status failed: %v", err)
	}
	if len(finished) != 1 || finished[0].SessionID != "s2" {
		t.Errorf("unexpected finished list: %+v", finished)
	}

	named, err := s.List(ctx, "", "alpha")
	if err != nil {
		t.Fatalf("List by name failed: %v", err)
	}
	if len(named) != 1 || named[0].SessionID != "s1" {
		t.Errorf("unexpected named list: %+v", named)
	}
}
