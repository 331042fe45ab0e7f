package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/logger"
	"github.com/runfleet/runfleet/internal/common/scripts"
	"github.com/runfleet/runfleet/internal/runner/protocol"
	"github.com/runfleet/runfleet/internal/tracing"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// stopGrace is how long a stopped executor gets to exit after SIGTERM
// before it is killed.
const stopGrace = 5 * time.Second

// Reporter is the slice of the coordinator client the supervisor needs to
// report run outcomes.
type Reporter interface {
	ReportCompleted(ctx context.Context, runID string) error
	ReportFailed(ctx context.Context, runID, errMsg string) error
	ReportStopped(ctx context.Context, runID, signal string) error
}

// Identity carries the runner-local values substituted into ${runner.*}
// blueprint placeholders immediately before spawn.
type Identity struct {
	RunnerID     string
	Hostname     string
	ProjectDir   string
	ExecutorType string
}

// managedRun is one live executor subprocess.
type managedRun struct {
	runID     string
	sessionID string
	cmd       *exec.Cmd
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	done      chan struct{}
	waitErr   error

	mu         sync.Mutex
	stopSignal string // last signal sent by Stop, empty if never stopped
}

func (m *managedRun) setStopSignal(signal string) {
	m.mu.Lock()
	m.stopSignal = signal
	m.mu.Unlock()
}

func (m *managedRun) getStopSignal() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopSignal
}

// Supervisor spawns executor subprocesses and watches them to completion.
// Outcomes are reported on a fixed check interval; a run whose report fails
// stays registered and is retried on the next tick.
type Supervisor struct {
	reporter      Reporter
	identity      Identity
	command       []string
	checkInterval time.Duration
	scripts       *scripts.Set
	logger        *logger.Logger

	mu   sync.Mutex
	runs map[string]*managedRun
}

// NewSupervisor creates a supervisor. executorCommand is the full command
// line of the executor binary, split on whitespace.
func NewSupervisor(reporter Reporter, identity Identity, executorCommand string, checkInterval time.Duration, scriptSet *scripts.Set, log *logger.Logger) *Supervisor {
	return &Supervisor{
		reporter:      reporter,
		identity:      identity,
		command:       strings.Fields(executorCommand),
		checkInterval: checkInterval,
		scripts:       scriptSet,
		logger:        log.WithFields(zap.String("component", "supervisor")),
		runs:          make(map[string]*managedRun),
	}
}

// Spawn starts an executor for the run with the invocation payload on its
// standard input. The returned error is the spawn failure the caller reports.
func (s *Supervisor) Spawn(run *v1.Run) (err error) {
	_, span := tracing.TraceExecutorSpawn(context.Background(), run.RunID, run.SessionID)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	if len(s.command) == 0 {
		return fmt.Errorf("no executor command configured")
	}

	payload, err := s.buildPayload(run)
	if err != nil {
		return err
	}
	stdin, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode invocation payload: %w", err)
	}

	mr := &managedRun{
		runID:     run.RunID,
		sessionID: run.SessionID,
		done:      make(chan struct{}),
	}

	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	// Output goes to in-process buffers rather than pipes so a fast-exiting
	// child can never race us out of its last writes.
	cmd.Stdout = &mr.stdout
	cmd.Stderr = &mr.stderr
	cmd.SysProcAttr = buildSysProcAttr()
	if payload.ProjectDir != "" {
		cmd.Dir = payload.ProjectDir
	}
	cmd.Env = append(os.Environ(),
		"RUNFLEET_SESSION_ID="+run.SessionID,
		"RUNFLEET_RUN_ID="+run.RunID,
		"RUNFLEET_SCRIPTS="+strings.Join(s.scripts.Names(), ","),
	)
	mr.cmd = cmd

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn executor: %w", err)
	}

	s.logger.Info("executor spawned",
		zap.String("run_id", run.RunID),
		zap.String("session_id", run.SessionID),
		zap.Int("pid", cmd.Process.Pid))

	go func() {
		mr.waitErr = cmd.Wait()
		close(mr.done)
	}()

	s.mu.Lock()
	s.runs[run.RunID] = mr
	s.mu.Unlock()
	return nil
}

// buildPayload assembles the stdin envelope for a run, substituting
// ${runner.*} placeholders the coordinator left for us.
func (s *Supervisor) buildPayload(run *v1.Run) (*protocol.Payload, error) {
	mode := protocol.ModeStart
	if run.Type == v1.RunTypeResume {
		mode = protocol.ModeResume
	}

	projectDir := run.ProjectDir
	if projectDir == "" {
		projectDir = s.identity.ProjectDir
	}

	payload := &protocol.Payload{
		SchemaVersion:  protocol.SchemaVersion,
		Mode:           mode,
		SessionID:      run.SessionID,
		Prompt:         run.Prompt,
		ProjectDir:     projectDir,
		AgentBlueprint: s.substituteRunnerValues(run.AgentBlueprint),
		Metadata: map[string]interface{}{
			"run_id":    run.RunID,
			"runner_id": s.identity.RunnerID,
		},
	}
	if run.AgentName != "" {
		payload.Metadata["agent_name"] = run.AgentName
	}

	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid invocation payload: %w", err)
	}
	for _, field := range payload.ResumeIgnoredFields() {
		s.logger.Warn("payload field is ignored in resume mode",
			zap.String("run_id", run.RunID),
			zap.String("field", field))
	}
	return payload, nil
}

// runnerPlaceholder matches ${runner.<key>} tokens.
var runnerPlaceholder = regexp.MustCompile(`\$\{runner\.([a-zA-Z0-9_.-]+)\}`)

// substituteRunnerValues deep-copies a blueprint, replacing ${runner.*}
// placeholders with this runner's identity. Unknown keys are preserved.
func (s *Supervisor) substituteRunnerValues(blueprint map[string]interface{}) map[string]interface{} {
	if blueprint == nil {
		return nil
	}
	values := map[string]string{
		"id":            s.identity.RunnerID,
		"hostname":      s.identity.Hostname,
		"project_dir":   s.identity.ProjectDir,
		"executor_type": s.identity.ExecutorType,
	}
	out, _ := s.substituteValue(blueprint, values).(map[string]interface{})
	return out
}

func (s *Supervisor) substituteValue(value interface{}, values map[string]string) interface{} {
	switch v := value.(type) {
	case string:
		return runnerPlaceholder.ReplaceAllStringFunc(v, func(match string) string {
			key := runnerPlaceholder.FindStringSubmatch(match)[1]
			if replacement, ok := values[key]; ok {
				return replacement
			}
			return match
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = s.substituteValue(elem, values)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = s.substituteValue(elem, values)
		}
		return out
	default:
		return value
	}
}

// Stop terminates the run's executor: SIGTERM, a grace period, then SIGKILL.
// The outcome report is left to the reap loop so exits and stops are
// reported on one path.
func (s *Supervisor) Stop(ctx context.Context, runID string) {
	s.mu.Lock()
	mr := s.runs[runID]
	s.mu.Unlock()
	if mr == nil {
		s.logger.Debug("stop for unknown run", zap.String("run_id", runID))
		return
	}

	pid := mr.cmd.Process.Pid
	mr.setStopSignal("SIGTERM")
	s.logger.Info("stopping executor", zap.String("run_id", runID), zap.Int("pid", pid))
	// Negative pid targets the process group created at spawn.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-mr.done:
	case <-time.After(stopGrace):
		mr.setStopSignal("SIGKILL")
		s.logger.Warn("executor ignored SIGTERM, killing",
			zap.String("run_id", runID), zap.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	case <-ctx.Done():
	}
}

// Run reaps finished executors every check interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// Running returns the number of live executors.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// reap reports every exited run and drops it from the registry. Runs whose
// report fails stay registered for the next tick.
func (s *Supervisor) reap(ctx context.Context) {
	s.mu.Lock()
	var exited []*managedRun
	for _, mr := range s.runs {
		select {
		case <-mr.done:
			exited = append(exited, mr)
		default:
		}
	}
	s.mu.Unlock()

	for _, mr := range exited {
		if err := s.report(ctx, mr); err != nil {
			s.logger.Warn("failed to report run outcome, will retry",
				zap.String("run_id", mr.runID), zap.Error(err))
			continue
		}
		s.mu.Lock()
		delete(s.runs, mr.runID)
		s.mu.Unlock()
	}
}

// report sends the terminal status for an exited run.
func (s *Supervisor) report(ctx context.Context, mr *managedRun) error {
	if signal := mr.getStopSignal(); signal != "" {
		s.logger.Info("executor stopped",
			zap.String("run_id", mr.runID), zap.String("signal", signal))
		return s.reporter.ReportStopped(ctx, mr.runID, signal)
	}

	exitCode := mr.cmd.ProcessState.ExitCode()
	if exitCode == 0 {
		s.logger.Info("executor completed", zap.String("run_id", mr.runID))
		return s.reporter.ReportCompleted(ctx, mr.runID)
	}

	errMsg := exitError(mr, exitCode)
	s.logger.Warn("executor failed",
		zap.String("run_id", mr.runID),
		zap.Int("exit_code", exitCode),
		zap.String("error", errMsg))
	return s.reporter.ReportFailed(ctx, mr.runID, errMsg)
}

// exitError builds the run error for a non-zero exit, preferring stderr,
// then stdout, then the exit code itself.
func exitError(mr *managedRun, exitCode int) string {
	if msg := strings.TrimSpace(mr.stderr.String()); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(mr.stdout.String()); msg != "" {
		return msg
	}
	if exitCode < 0 && mr.waitErr != nil {
		// Killed by a signal outside our stop path.
		return mr.waitErr.Error()
	}
	return fmt.Sprintf("exit code %d", exitCode)
}
