// Package dispatch implements the runner long poll: it fuses run claims,
// pending commands, and the deregistration latch into one envelope, parking
// the caller on the runner's wake channel when nothing is ready.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/coordinator/command"
	"github.com/runfleet/runfleet/internal/coordinator/queue"
	"github.com/runfleet/runfleet/internal/coordinator/registry"
	"github.com/runfleet/runfleet/internal/tracing"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// Dispatcher serves runner polls.
type Dispatcher struct {
	queue    *queue.Queue
	registry *registry.Registry
	hub      *command.Hub
	logger   *logger.Logger
}

// New creates a Dispatcher.
func New(q *queue.Queue, reg *registry.Registry, hub *command.Hub, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		registry: reg,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Poll blocks up to timeout waiting for work for the runner. extraTags are
// capabilities advertised for this poll only; they union with the tags
// declared at registration. Poll returns nil when the window elapses with
// nothing to deliver; the handler maps that to 204. Unknown runners fail
// immediately so they re-register.
//
// Deregistration preempts everything: once the latch is observed the
// envelope carries only the flag and the runner is forgotten.
func (d *Dispatcher) Poll(ctx context.Context, runnerID string, extraTags []string, timeout time.Duration) (*v1.PollResponse, error) {
	runner, err := d.registry.Get(runnerID)
	if err != nil {
		return nil, err
	}
	if len(extraTags) > 0 {
		runner.Tags = append(runner.Tags, extraTags...)
	}

	// Polling proves the process is alive as surely as a heartbeat does.
	_ = d.registry.Heartbeat(runnerID)

	wake := d.hub.Wake(runnerID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Clear a stale nudge so the park below waits for a fresh one.
		select {
		case <-wake:
		default:
		}

		if resp, err := d.gather(ctx, runner); err != nil || resp != nil {
			return resp, err
		}

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// gather assembles an envelope from whatever is ready right now, or nil
// when there is nothing.
func (d *Dispatcher) gather(ctx context.Context, runner *v1.Runner) (*v1.PollResponse, error) {
	if d.registry.ConsumeDeregistration(runner.RunnerID) {
		d.hub.Forget(runner.RunnerID)
		d.logger.Info("deregistration delivered", zap.String("runner_id", runner.RunnerID))
		return &v1.PollResponse{Deregistered: true}, nil
	}

	claimCtx, span := tracing.TraceClaim(ctx, runner.RunnerID, len(runner.Tags))
	run, err := d.queue.ClaimRun(claimCtx, runner.RunnerID, runner.Tags)
	tracing.RecordResult(span, err)
	span.End()
	if err != nil {
		return nil, err
	}

	// Drained after the claim so a queue failure cannot discard commands.
	cmds := d.hub.Drain(runner.RunnerID)

	resp := &v1.PollResponse{
		Run:           run,
		StopRuns:      cmds.StopRuns,
		SyncScripts:   cmds.SyncScripts,
		RemoveScripts: cmds.RemoveScripts,
	}
	if resp.Empty() {
		return nil, nil
	}
	return resp, nil
}
