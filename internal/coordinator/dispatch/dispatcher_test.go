package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/coordinator/command"
	"github.com/runfleet/runfleet/internal/coordinator/queue"
	"github.com/runfleet/runfleet/internal/coordinator/registry"
	"github.com/runfleet/runfleet/internal/db"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

type fixture struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	registry   *registry.Registry
	hub        *command.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.OpenPool(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	log := logger.Default()
	q, err := queue.New(pool, log)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	reg := registry.New(2*time.Minute, log)
	hub := command.NewHub(log)
	return &fixture{
		dispatcher: New(q, reg, hub, log),
		queue:      q,
		registry:   reg,
		hub:        hub,
	}
}

func (f *fixture) register(t *testing.T, tags ...string) *v1.Runner {
	t.Helper()
	return f.registry.Register(&v1.RegisterRunnerRequest{
		Hostname: "host-1", ExecutorType: "claude-code", Tags: tags,
	})
}

func TestDispatcher_UnknownRunner(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Poll(context.Background(), "nope", nil, time.Second)
	if errors.KindOf(err) != errors.KindUnknownRunner {
		t.Fatalf("expected unknown_runner, got %v", err)
	}
}

func TestDispatcher_ImmediateClaim(t *testing.T) {
	f := newFixture(t)
	runner := f.register(t, "linux")

	run := &v1.Run{RunID: "r1", SessionID: "s1", Type: v1.RunTypeStart, Demands: []string{"linux"}}
	if err := f.queue.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	resp, err := f.dispatcher.Poll(context.Background(), runner.RunnerID, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp == nil || resp.Run == nil || resp.Run.RunID != "r1" {
		t.Fatalf("expected r1 in envelope, got %+v", resp)
	}
}

func TestDispatcher_TimeoutReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	runner := f.register(t)

	start := time.Now()
	resp, err := f.dispatcher.Poll(context.Background(), runner.RunnerID, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected empty poll, got %+v", resp)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("poll returned before the window elapsed: %v", elapsed)
	}
}

func TestDispatcher_WakeOnEnqueue(t *testing.T) {
	f := newFixture(t)
	runner := f.register(t)

	type result struct {
		resp *v1.PollResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := f.dispatcher.Poll(context.Background(), runner.RunnerID, nil, 5*time.Second)
		done <- result{resp, err}
	}()

	// Give the poll time to park, then enqueue and wake.
	time.Sleep(50 * time.Millisecond)
	run := &v1.Run{RunID: "r1", SessionID: "s1", Type: v1.RunTypeStart}
	if err := f.queue.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	f.hub.WakeAll()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Poll failed: %v", res.err)
		}
		if res.resp == nil || res.resp.Run == nil || res.resp.Run.RunID != "r1" {
			t.Fatalf("expected woken poll to claim r1, got %+v", res.resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake on enqueue")
	}
}

func TestDispatcher_CommandsWakeParkedPoll(t *testing.T) {
	f := newFixture(t)
	runner := f.register(t)

	done := make(chan *v1.PollResponse, 1)
	go func() {
		resp, _ := f.dispatcher.Poll(context.Background(), runner.RunnerID, nil, 5*time.Second)
		done <- resp
	}()

	time.Sleep(50 * time.Millisecond)
	f.hub.AddStopRun(runner.RunnerID, "r-stop")

	select {
	case resp := <-done:
		if resp == nil || len(resp.StopRuns) != 1 || resp.StopRuns[0] != "r-stop" {
			t.Fatalf("expected stop command in envelope, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake on command")
	}
}

func TestDispatcher_DeregistrationPreempts(t *testing.T) {
	f := newFixture(t)
	runner := f.register(t)

	// Even with a claimable run and pending commands, the latch wins.
	run := &v1.Run{RunID: "r1", SessionID: "s1", Type: v1.RunTypeStart}
	if err := f.queue.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	f.hub.AddStopRun(runner.RunnerID, "r-other")
	f.registry.Deregister(runner.RunnerID)

	resp, err := f.dispatcher.Poll(context.Background(), runner.RunnerID, nil, time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp == nil || !resp.Deregistered {
		t.Fatalf("expected deregistered envelope, got %+v", resp)
	}
	if resp.Run != nil || len(resp.StopRuns) != 0 {
		t.Errorf("deregistration envelope must carry nothing else: %+v", resp)
	}

	// The runner is now gone; the next poll bounces.
	if _, err := f.dispatcher.Poll(context.Background(), runner.RunnerID, nil, time.Second); errors.KindOf(err) != errors.KindUnknownRunner {
		t.Errorf("expected unknown_runner after deregistration, got %v", err)
	}
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	f := newFixture(t)
	runner := f.register(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.Poll(ctx, runner.RunnerID, nil, 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not observe cancellation")
	}
}

func TestDispatcher_PerPollTagsUnion(t *testing.T) {
	f := newFixture(t)
	runner := f.register(t, "linux")

	run := &v1.Run{RunID: "r1", SessionID: "s1", Type: v1.RunTypeStart,
		Demands: []string{"linux", "gpu"}}
	if err := f.queue.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	// Registration tags alone do not satisfy the demands.
	resp, err := f.dispatcher.Poll(context.Background(), runner.RunnerID, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no claim without the gpu tag, got %+v", resp)
	}

	// Advertising gpu for this poll completes the union.
	resp, err = f.dispatcher.Poll(context.Background(), runner.RunnerID, []string{"gpu"}, time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp == nil || resp.Run == nil || resp.Run.RunID != "r1" {
		t.Fatalf("expected claim with per-poll tag, got %+v", resp)
	}
}
