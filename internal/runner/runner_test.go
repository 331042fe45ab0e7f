package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/runfleet/runfleet/internal/common/config"
	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// fakeCoordinator is an httptest stand-in for the coordinator's
// runner-facing API. Its poll handler asks decideEnvelope what to serve so
// each test scripts the dispatch sequence against recorded reports.
type fakeCoordinator struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	started      []string
	completed    []string
	failed       map[string]string
	stopped      map[string]string
	deregistered bool
	pollErr      *errors.AppError

	decideEnvelope func(f *fakeCoordinator) *v1.PollResponse
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	f := &fakeCoordinator{
		t:       t,
		failed:  make(map[string]string),
		stopped: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runner/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&v1.RegisterRunnerResponse{
			RunnerID:       "rn-test",
			PollPath:       "/api/v1/runner/runs",
			PollTimeoutSec: 1,
			HeartbeatSec:   60,
		})
	})
	mux.HandleFunc("GET /api/v1/runner/runs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		pollErr := f.pollErr
		f.mu.Unlock()
		if pollErr != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(pollErr.HTTPStatus)
			_ = json.NewEncoder(w).Encode(pollErr)
			return
		}

		envelope := f.decideEnvelope(f)
		if envelope == nil {
			// Keep the test's poll loop from spinning hot.
			time.Sleep(50 * time.Millisecond)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(envelope)
	})
	mux.HandleFunc("POST /api/v1/runner/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/runner/deregister", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deregistered = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/runner/runs/{id}/started", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.started = append(f.started, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/runner/runs/{id}/completed", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.completed = append(f.completed, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/runner/runs/{id}/failed", func(w http.ResponseWriter, r *http.Request) {
		var body v1.ReportFailedRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.failed[r.PathValue("id")] = body.Error
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/runner/runs/{id}/stopped", func(w http.ResponseWriter, r *http.Request) {
		var body v1.ReportStoppedRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.stopped[r.PathValue("id")] = body.Signal
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) reported(check func(f *fakeCoordinator) bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return check(f)
}

func newTestRunner(t *testing.T, f *fakeCoordinator, executorCommand string) *Runner {
	t.Helper()
	cfg := &config.Config{
		Runner: config.RunnerConfig{
			CoordinatorURL:       f.srv.URL,
			ExecutorCommand:      executorCommand,
			ExecutorType:         "claude-code",
			ProjectDir:           t.TempDir(),
			Tags:                 []string{"linux"},
			HeartbeatInterval:    60,
			CheckInterval:        1,
			MaxConnectionRetries: 3,
		},
	}
	return New(cfg, logger.Default())
}

// runWithTimeout runs the daemon and fails the test if it does not return
// in time.
func runWithTimeout(t *testing.T, r *Runner, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout + 2*time.Second):
		t.Fatal("runner did not shut down")
		return nil
	}
}

func TestRunner_LifecycleCompletesRun(t *testing.T) {
	f := newFakeCoordinator(t)
	f.decideEnvelope = func(f *fakeCoordinator) *v1.PollResponse {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.started) == 0 {
			return &v1.PollResponse{Run: &v1.Run{
				RunID:     "r1",
				SessionID: "s1",
				Type:      v1.RunTypeStart,
				Prompt:    "hello",
			}}
		}
		if len(f.completed) > 0 {
			return &v1.PollResponse{Deregistered: true}
		}
		return nil
	}

	r := newTestRunner(t, f, writeScript(t, "cat >/dev/null; exit 0"))
	if err := runWithTimeout(t, r, 15*time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	if !f.reported(func(f *fakeCoordinator) bool { return len(f.started) == 1 && f.started[0] == "r1" }) {
		t.Errorf("started reports = %v", f.started)
	}
	if !f.reported(func(f *fakeCoordinator) bool { return len(f.completed) == 1 && f.completed[0] == "r1" }) {
		t.Errorf("completed reports = %v", f.completed)
	}
}

func TestRunner_SpawnFailureIsReported(t *testing.T) {
	f := newFakeCoordinator(t)
	f.decideEnvelope = func(f *fakeCoordinator) *v1.PollResponse {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.failed) == 0 {
			return &v1.PollResponse{Run: &v1.Run{
				RunID:     "r1",
				SessionID: "s1",
				Type:      v1.RunTypeStart,
				Prompt:    "hello",
			}}
		}
		return &v1.PollResponse{Deregistered: true}
	}

	r := newTestRunner(t, f, "/nonexistent/executor-binary")
	if err := runWithTimeout(t, r, 15*time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) != 0 {
		t.Errorf("spawn failure must not report started, got %v", f.started)
	}
	if msg := f.failed["r1"]; msg == "" {
		t.Error("expected a failure report for r1")
	}
}

func TestRunner_StopCommandRoutedToSupervisor(t *testing.T) {
	f := newFakeCoordinator(t)
	f.decideEnvelope = func(f *fakeCoordinator) *v1.PollResponse {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case len(f.started) == 0:
			return &v1.PollResponse{Run: &v1.Run{
				RunID:     "r1",
				SessionID: "s1",
				Type:      v1.RunTypeStart,
				Prompt:    "hello",
			}}
		case len(f.stopped) == 0:
			return &v1.PollResponse{StopRuns: []string{"r1"}}
		default:
			return &v1.PollResponse{Deregistered: true}
		}
	}

	r := newTestRunner(t, f, writeScript(t, "cat >/dev/null; sleep 60"))
	if err := runWithTimeout(t, r, 20*time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped["r1"] != "SIGTERM" {
		t.Errorf("stopped reports = %v", f.stopped)
	}
}

func TestRunner_ScriptCommandsUpdateSet(t *testing.T) {
	var step int
	f := newFakeCoordinator(t)
	f.decideEnvelope = func(f *fakeCoordinator) *v1.PollResponse {
		f.mu.Lock()
		defer f.mu.Unlock()
		step++
		switch step {
		case 1:
			return &v1.PollResponse{SyncScripts: []string{"fmt", "lint"}}
		case 2:
			return &v1.PollResponse{RemoveScripts: []string{"fmt"}}
		default:
			return &v1.PollResponse{Deregistered: true}
		}
	}

	r := newTestRunner(t, f, "true")
	if err := runWithTimeout(t, r, 15*time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	names := r.scripts.Names()
	if len(names) != 1 || names[0] != "lint" {
		t.Errorf("script set = %v, want [lint]", names)
	}
}

func TestRunner_SelfDeregistersAfterRetryBudget(t *testing.T) {
	f := newFakeCoordinator(t)
	f.pollErr = errors.New(errors.KindInternal, "boom")
	f.decideEnvelope = func(f *fakeCoordinator) *v1.PollResponse { return nil }

	r := newTestRunner(t, f, "true")
	r.cfg.MaxConnectionRetries = 2

	err := runWithTimeout(t, r, 15*time.Second)
	if err == nil {
		t.Fatal("expected an error after the retry budget is spent")
	}
	if !f.reported(func(f *fakeCoordinator) bool { return f.deregistered }) {
		t.Error("runner should self-deregister before exiting")
	}
}

func TestRunner_UnknownRunnerExitsWithoutDeregister(t *testing.T) {
	f := newFakeCoordinator(t)
	f.pollErr = errors.UnknownRunner("rn-test")
	f.decideEnvelope = func(f *fakeCoordinator) *v1.PollResponse { return nil }

	r := newTestRunner(t, f, "true")

	err := runWithTimeout(t, r, 15*time.Second)
	if err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown-runner error, got %v", err)
	}
	if f.reported(func(f *fakeCoordinator) bool { return f.deregistered }) {
		t.Error("unknown runner must not self-deregister")
	}
}
