package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runfleet/runfleet/internal/common/config"
	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/common/scripts"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

const (
	backoffFloor = 1 * time.Second
	backoffCap   = 30 * time.Second
)

// Runner is the worker daemon. It registers with the coordinator, then runs
// three loops until shutdown: the poller, the supervisor reaper, and the
// heartbeat ticker.
type Runner struct {
	cfg     config.RunnerConfig
	client  *Client
	scripts *scripts.Set
	logger  *logger.Logger

	runnerID   string
	supervisor *Supervisor
}

// New creates a runner from configuration.
func New(cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{
		cfg:     cfg.Runner,
		client:  NewClient(cfg.Runner.CoordinatorURL, cfg.Runner.APIKey, log),
		scripts: scripts.NewSet(),
		logger:  log.WithFields(zap.String("component", "runner")),
	}
}

// Run registers and serves until ctx is canceled, the coordinator
// deregisters us, or the connection is lost for good. A nil return means a
// clean deregistration.
func (r *Runner) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	reg, err := r.register(ctx, hostname)
	if err != nil {
		return err
	}
	r.runnerID = reg.RunnerID

	pollTimeout := time.Duration(reg.PollTimeoutSec) * time.Second
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	heartbeatInterval := r.cfg.HeartbeatIntervalDuration()
	if reg.HeartbeatSec > 0 {
		heartbeatInterval = time.Duration(reg.HeartbeatSec) * time.Second
	}

	r.supervisor = NewSupervisor(r.client, Identity{
		RunnerID:     r.runnerID,
		Hostname:     hostname,
		ProjectDir:   r.cfg.ProjectDir,
		ExecutorType: r.cfg.ExecutorType,
	}, r.cfg.ExecutorCommand, r.cfg.CheckIntervalDuration(), r.scripts, r.logger)

	r.logger.Info("runner registered",
		zap.String("runner_id", r.runnerID),
		zap.String("hostname", hostname),
		zap.String("executor_type", r.cfg.ExecutorType),
		zap.Strings("tags", r.cfg.Tags))

	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.supervisor.Run(gctx) })
	g.Go(func() error { return r.heartbeatLoop(gctx, heartbeatInterval) })
	g.Go(func() error { return r.pollLoop(gctx, pollTimeout, shutdown) })
	return g.Wait()
}

// register announces the runner, retrying transient failures with backoff.
func (r *Runner) register(ctx context.Context, hostname string) (*v1.RegisterRunnerResponse, error) {
	req := &v1.RegisterRunnerRequest{
		Hostname:     hostname,
		ProjectDir:   r.cfg.ProjectDir,
		ExecutorType: r.cfg.ExecutorType,
		Tags:         r.cfg.Tags,
	}

	backoff := backoffFloor
	for attempt := 1; ; attempt++ {
		reg, err := r.client.Register(ctx, req)
		if err == nil {
			return reg, nil
		}
		if attempt >= r.cfg.MaxConnectionRetries {
			return nil, fmt.Errorf("failed to register after %d attempts: %w", attempt, err)
		}
		r.logger.Warn("registration failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !sleepCtx(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// pollLoop long-polls the dispatcher and acts on each envelope. Consecutive
// connection failures back off exponentially; once the retry budget is
// spent the runner deregisters itself and exits with an error so operators
// see the outage.
func (r *Runner) pollLoop(ctx context.Context, pollTimeout time.Duration, shutdown context.CancelFunc) error {
	backoff := backoffFloor
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		envelope, err := r.client.Poll(ctx, r.runnerID, nil, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.KindOf(err) == errors.KindUnknownRunner {
				// The coordinator restarted and forgot us. Exit so the
				// process manager brings us back for a fresh registration.
				r.logger.Error("coordinator no longer knows this runner", zap.Error(err))
				shutdown()
				return fmt.Errorf("runner %s is unknown to the coordinator", r.runnerID)
			}

			failures++
			r.logger.Warn("poll failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if failures >= r.cfg.MaxConnectionRetries {
				r.selfDeregister()
				shutdown()
				return fmt.Errorf("lost connection to coordinator after %d attempts", failures)
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		failures = 0
		backoff = backoffFloor

		if envelope == nil {
			// Clean long-poll timeout.
			continue
		}
		if r.handleEnvelope(ctx, envelope) {
			shutdown()
			return nil
		}
	}
}

// handleEnvelope applies one dispatch envelope. It returns true when the
// coordinator has deregistered us and the runner should shut down cleanly.
func (r *Runner) handleEnvelope(ctx context.Context, envelope *v1.PollResponse) bool {
	if envelope.Deregistered {
		r.logger.Info("deregistered by coordinator, shutting down")
		return true
	}

	if len(envelope.SyncScripts) > 0 {
		r.scripts.Sync(envelope.SyncScripts...)
		r.logger.Info("scripts synced", zap.Strings("scripts", envelope.SyncScripts))
	}
	if len(envelope.RemoveScripts) > 0 {
		r.scripts.Remove(envelope.RemoveScripts...)
		r.logger.Info("scripts removed", zap.Strings("scripts", envelope.RemoveScripts))
	}

	for _, runID := range envelope.StopRuns {
		// Stop blocks for up to the grace period; don't hold up polling.
		go r.supervisor.Stop(ctx, runID)
	}

	if envelope.Run != nil {
		r.handleRun(ctx, envelope.Run)
	}
	return false
}

// handleRun spawns the executor for a dispatched run and reports the spawn
// outcome.
func (r *Runner) handleRun(ctx context.Context, run *v1.Run) {
	r.logger.Info("run dispatched",
		zap.String("run_id", run.RunID),
		zap.String("session_id", run.SessionID),
		zap.String("type", string(run.Type)))

	if err := r.supervisor.Spawn(run); err != nil {
		r.logger.Error("executor spawn failed",
			zap.String("run_id", run.RunID), zap.Error(err))
		if rerr := r.client.ReportFailed(ctx, run.RunID, err.Error()); rerr != nil {
			r.logger.Warn("failed to report spawn failure",
				zap.String("run_id", run.RunID), zap.Error(rerr))
		}
		return
	}

	if err := r.client.ReportStarted(ctx, run.RunID); err != nil {
		r.logger.Warn("failed to report run started",
			zap.String("run_id", run.RunID), zap.Error(err))
	}
}

// heartbeatLoop refreshes liveness on a fixed interval.
func (r *Runner) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.client.Heartbeat(ctx, r.runnerID); err != nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// selfDeregister makes a best-effort attempt to tell the coordinator we are
// going away after losing the connection.
func (r *Runner) selfDeregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Deregister(ctx, r.runnerID); err != nil {
		r.logger.Warn("self-deregistration failed", zap.Error(err))
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffCap {
		return backoffCap
	}
	return next
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
