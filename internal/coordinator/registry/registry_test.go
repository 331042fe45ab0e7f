package registry

import (
	"testing"
	"time"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(2*time.Minute, logger.Default())
}

func register(t *testing.T, r *Registry) *v1.Runner {
	t.Helper()
	return r.Register(&v1.RegisterRunnerRequest{
		Hostname:     "host-1",
		ExecutorType: "claude-code",
		Tags:         []string{"linux"},
	})
}

func TestRegistry_RegisterAndHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	runner := register(t, r)

	if runner.RunnerID == "" {
		t.Fatal("expected assigned runner ID")
	}
	if !r.IsAlive(runner.RunnerID) {
		t.Fatal("freshly registered runner must be alive")
	}
	if err := r.Heartbeat(runner.RunnerID); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	if err := r.Heartbeat("unknown"); errors.KindOf(err) != errors.KindUnknownRunner {
		t.Errorf("expected unknown_runner, got %v", err)
	}
}

func TestRegistry_LivenessExpiry(t *testing.T) {
	r := newTestRegistry(t)
	runner := register(t, r)

	// Advance the clock past the heartbeat timeout.
	r.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	if r.IsAlive(runner.RunnerID) {
		t.Error("runner with lapsed heartbeat must not be alive")
	}
	expired := r.Expired()
	if len(expired) != 1 || expired[0] != runner.RunnerID {
		t.Fatalf("expected runner in expired set, got %v", expired)
	}

	// A heartbeat from a known-but-stale runner still refreshes it.
	if err := r.Heartbeat(runner.RunnerID); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !r.IsAlive(runner.RunnerID) {
		t.Error("heartbeat must revive a known runner")
	}
}

func TestRegistry_DeregisterLatch(t *testing.T) {
	r := newTestRegistry(t)
	runner := register(t, r)

	r.Deregister(runner.RunnerID)

	// Latched runners are no longer live, and their heartbeats bounce;
	// the signal itself waits for the next poll.
	if r.IsAlive(runner.RunnerID) {
		t.Error("deregistered runner must not be alive")
	}
	if err := r.Heartbeat(runner.RunnerID); errors.KindOf(err) != errors.KindUnknownRunner {
		t.Errorf("expected unknown_runner after deregister, got %v", err)
	}

	// Delivered exactly once, then the runner is gone.
	if !r.ConsumeDeregistration(runner.RunnerID) {
		t.Fatal("expected latched deregistration to be consumed")
	}
	if r.ConsumeDeregistration(runner.RunnerID) {
		t.Error("deregistration must be delivered only once")
	}
	if r.IsKnown(runner.RunnerID) {
		t.Error("runner must be removed after consumption")
	}

	// Unknown runners are a no-op on both paths.
	r.Deregister("missing")
	if r.ConsumeDeregistration("missing") {
		t.Error("unknown runner has nothing to consume")
	}
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t)
	a := register(t, r)
	b := register(t, r)
	r.Deregister(b.RunnerID)

	runners := r.List()
	if len(runners) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(runners))
	}
	for _, runner := range runners {
		switch runner.RunnerID {
		case a.RunnerID:
			if !runner.Alive {
				t.Error("active runner must list as alive")
			}
		case b.RunnerID:
			if runner.Alive {
				t.Error("latched runner must list as not alive")
			}
		}
	}
}
