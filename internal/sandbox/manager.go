package sandbox

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"codelab/internal/sandbox/spec"
	"codelab/internal/toolchain"
	"codelab/pkg/errors"
	"codelab/pkg/utils/logger"
)

// RunStatus classifies one sandboxed run of the submitted program.
type RunStatus string

const (
	RunOK           RunStatus = "ok"
	RunTimeLimit    RunStatus = "time_limit"
	RunMemoryLimit  RunStatus = "memory_limit"
	RunOutputLimit  RunStatus = "output_limit"
	RunRuntimeError RunStatus = "runtime_error"
)

// ManagerConfig controls session staging and retry behavior.
type ManagerConfig struct {
	// WorkRoot is the host directory scratch dirs are created under.
	WorkRoot string

	// DefaultLimits fills limit fields the caller leaves at zero.
	DefaultLimits spec.ResourceLimit

	// MaxInfraRetries bounds retries of infrastructure failures
	// (engine unreachable, helper crash). Program failures are
	// deterministic and never retried.
	MaxInfraRetries int

	// InfraRetryDelay is the base backoff between infra retries.
	InfraRetryDelay time.Duration
}

// Manager stages per-submission scratch directories and drives the
// compile-once, run-per-case execution flow.
type Manager struct {
	exec Executor
	cfg  ManagerConfig
}

// NewManager creates a sandbox manager over an executor.
func NewManager(exec Executor, cfg ManagerConfig) (*Manager, error) {
	if exec == nil {
		return nil, errors.New(errors.InvalidParams).WithMessage("executor is required")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if cfg.MaxInfraRetries < 0 {
		cfg.MaxInfraRetries = 0
	}
	if cfg.MaxInfraRetries == 0 {
		cfg.MaxInfraRetries = 2
	}
	if cfg.InfraRetryDelay <= 0 {
		cfg.InfraRetryDelay = 200 * time.Millisecond
	}
	if cfg.DefaultLimits.WallTimeMs <= 0 {
		cfg.DefaultLimits.WallTimeMs = 10_000
	}
	if cfg.DefaultLimits.PIDs <= 0 {
		cfg.DefaultLimits.PIDs = 64
	}
	if cfg.DefaultLimits.OutputMB <= 0 {
		cfg.DefaultLimits.OutputMB = 64
	}
	return &Manager{exec: exec, cfg: cfg}, nil
}

// Kill terminates every in-flight run belonging to a submission.
func (m *Manager) Kill(ctx context.Context, submissionID string) error {
	if err := m.exec.Kill(ctx, submissionID); err != nil {
		return errors.Wrapf(err, errors.SandboxKillFailed, "kill submission %s", submissionID)
	}
	return nil
}

// Session is the per-submission execution context. The scratch dir and
// the compiled artifact live for the session and are destroyed by
// Close on every exit path.
type Session struct {
	mgr     *Manager
	prof    toolchain.Profile
	subID   string
	workDir string

	compiled bool
}

// CompileResult reports the outcome of the compile step.
type CompileResult struct {
	OK       bool
	ExitCode int
	TimeMs   int64
	MemoryKB int64
	// Output holds the compiler diagnostics (stderr, then stdout).
	Output string
}

// CaseResult is the raw outcome of running one test case.
type CaseResult struct {
	Status   RunStatus
	ExitCode int
	TimeMs   int64
	MemoryKB int64
	OutputKB int64
	Stdout   string
	Stderr   string
}

// NewSession stages a scratch directory with the submitted source
// written under the language's canonical file name.
func (m *Manager) NewSession(submissionID string, prof toolchain.Profile, source []byte) (*Session, error) {
	if submissionID == "" {
		return nil, errors.New(errors.InvalidParams).WithMessage("submission id is required")
	}
	workDir, err := os.MkdirTemp(m.cfg.WorkRoot, "run-"+submissionID+"-")
	if err != nil {
		return nil, errors.Wrapf(err, errors.SandboxSetupFailed, "create scratch dir")
	}
	if err := os.WriteFile(filepath.Join(workDir, prof.SourceFile), source, 0644); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, errors.Wrapf(err, errors.SandboxSetupFailed, "stage source file")
	}
	return &Session{
		mgr:     m,
		prof:    prof,
		subID:   submissionID,
		workDir: workDir,
	}, nil
}

// Close destroys the session's scratch directory.
func (s *Session) Close() error {
	return os.RemoveAll(s.workDir)
}

// WorkDir exposes the host scratch path, used by interactive runs that
// stage extra fixtures.
func (s *Session) WorkDir() string {
	return s.workDir
}

// Compile runs the language's compile step once. Languages without a
// compile step succeed immediately. A failed compilation is not an
// error; it is reported through CompileResult.OK.
func (s *Session) Compile(ctx context.Context, limits spec.ResourceLimit) (CompileResult, error) {
	if !s.prof.NeedsCompile() {
		s.compiled = true
		return CompileResult{OK: true}, nil
	}

	srcPath := filepath.Join(containerWorkDir, s.prof.SourceFile)
	binPath := filepath.Join(containerWorkDir, s.prof.BinaryFile)
	cmd, err := s.prof.CompileCommand(srcPath, binPath)
	if err != nil {
		return CompileResult{}, err
	}

	task := Task{
		SubmissionID: s.subID,
		RunID:        "compile",
		WorkDir:      s.workDir,
		Cmd:          cmd,
		Env:          s.prof.Env,
		StdoutFile:   compileOutName,
		StderrFile:   compileLogName,
		Limits:       s.compileLimits(limits),
	}

	outcome, err := s.mgr.executeWithRetry(ctx, task)
	if err != nil {
		return CompileResult{}, err
	}

	output := outcome.Stderr
	if output == "" {
		output = outcome.Stdout
	}
	res := CompileResult{
		OK:       outcome.ExitCode == 0,
		ExitCode: outcome.ExitCode,
		TimeMs:   outcome.TimeMs,
		MemoryKB: outcome.MemoryKB,
		Output:   output,
	}
	if res.OK {
		s.compiled = true
	}
	return res, nil
}

// RunCase executes the program against one input, reusing the compiled
// artifact. Limits are the already-merged per-case limits; the
// language multipliers are applied here.
func (s *Session) RunCase(ctx context.Context, caseID string, input []byte, limits spec.ResourceLimit) (CaseResult, error) {
	if s.prof.NeedsCompile() && !s.compiled {
		return CaseResult{}, errors.New(errors.GradeSystemError).WithMessage("run before successful compile")
	}

	if err := os.WriteFile(filepath.Join(s.workDir, inputFileName), input, 0644); err != nil {
		return CaseResult{}, errors.Wrapf(err, errors.SandboxSetupFailed, "stage case input")
	}

	srcPath := filepath.Join(containerWorkDir, s.prof.SourceFile)
	binPath := filepath.Join(containerWorkDir, s.prof.BinaryFile)
	cmd, err := s.prof.RunCommand(srcPath, binPath)
	if err != nil {
		return CaseResult{}, err
	}

	effective := s.runLimits(limits)
	task := Task{
		SubmissionID: s.subID,
		RunID:        caseID,
		WorkDir:      s.workDir,
		Cmd:          cmd,
		Env:          s.prof.Env,
		StdinFile:    inputFileName,
		StdoutFile:   outputFileName,
		StderrFile:   stderrFileName,
		Limits:       effective,
	}

	outcome, err := s.mgr.executeWithRetry(ctx, task)
	if err != nil {
		return CaseResult{}, err
	}

	return CaseResult{
		Status:   classifyOutcome(outcome, effective),
		ExitCode: outcome.ExitCode,
		TimeMs:   outcome.TimeMs,
		MemoryKB: outcome.MemoryKB,
		OutputKB: outcome.OutputKB,
		Stdout:   outcome.Stdout,
		Stderr:   outcome.Stderr,
	}, nil
}

func (s *Session) compileLimits(override spec.ResourceLimit) spec.ResourceLimit {
	limits := mergeLimits(s.mgr.cfg.DefaultLimits, override)
	// Compilers get generous fixed ceilings independent of the
	// problem's run limits.
	if limits.CPUTimeMs < 10_000 {
		limits.CPUTimeMs = 10_000
	}
	if limits.WallTimeMs < 20_000 {
		limits.WallTimeMs = 20_000
	}
	if limits.MemoryMB < 1024 {
		limits.MemoryMB = 1024
	}
	return limits
}

func (s *Session) runLimits(override spec.ResourceLimit) spec.ResourceLimit {
	limits := mergeLimits(s.mgr.cfg.DefaultLimits, override)
	limits.CPUTimeMs = scaleLimit(limits.CPUTimeMs, s.prof.TimeMultiplier)
	limits.WallTimeMs = scaleLimit(limits.WallTimeMs, s.prof.TimeMultiplier)
	limits.MemoryMB = scaleLimit(limits.MemoryMB, s.prof.MemoryMultiplier)
	if limits.WallTimeMs > 0 && limits.CPUTimeMs > 0 && limits.WallTimeMs < limits.CPUTimeMs*2 {
		limits.WallTimeMs = limits.CPUTimeMs * 2
	}
	return limits
}

// executeWithRetry retries infrastructure failures a bounded number of
// times with linear backoff, then reports SandboxUnavailable.
func (m *Manager) executeWithRetry(ctx context.Context, task Task) (Outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxInfraRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Outcome{}, errors.Wrap(ctx.Err(), errors.Timeout)
			case <-time.After(time.Duration(attempt) * m.cfg.InfraRetryDelay):
			}
			logger.Warn(ctx, "retrying sandbox execution",
				zap.String("run_id", task.RunID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}
		outcome, err := m.exec.Execute(ctx, task)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return Outcome{}, errors.Wrapf(lastErr, errors.SandboxUnavailable, "sandbox execution failed for run %s", task.RunID)
}

func classifyOutcome(outcome Outcome, limits spec.ResourceLimit) RunStatus {
	if outcome.ExitCode == -1 {
		return RunTimeLimit
	}
	if outcome.OomKilled {
		return RunMemoryLimit
	}
	if limits.MemoryMB > 0 && outcome.MemoryKB > limits.MemoryMB*1024 {
		return RunMemoryLimit
	}
	if limits.OutputMB > 0 && outcome.OutputKB > limits.OutputMB*1024 {
		return RunOutputLimit
	}
	if limits.CPUTimeMs > 0 && outcome.TimeMs > limits.CPUTimeMs {
		return RunTimeLimit
	}
	if outcome.ExitCode != 0 {
		return RunRuntimeError
	}
	return RunOK
}

func mergeLimits(base, override spec.ResourceLimit) spec.ResourceLimit {
	if override.CPUTimeMs > 0 {
		base.CPUTimeMs = override.CPUTimeMs
	}
	if override.WallTimeMs > 0 {
		base.WallTimeMs = override.WallTimeMs
	}
	if override.MemoryMB > 0 {
		base.MemoryMB = override.MemoryMB
	}
	if override.StackMB > 0 {
		base.StackMB = override.StackMB
	}
	if override.OutputMB > 0 {
		base.OutputMB = override.OutputMB
	}
	if override.PIDs > 0 {
		base.PIDs = override.PIDs
	}
	return base
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}
