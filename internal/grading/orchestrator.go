package grading

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"codelab/internal/grading/model"
	"codelab/internal/sandbox"
	"codelab/internal/sandbox/spec"
	"codelab/internal/toolchain"
	"codelab/pkg/errors"
	"codelab/pkg/utils/logger"
)

// ExecSession is the per-submission execution handle the orchestrator
// drives: compile once, then one run per test case.
type ExecSession interface {
	Compile(ctx context.Context, limits spec.ResourceLimit) (sandbox.CompileResult, error)
	RunCase(ctx context.Context, caseID string, input []byte, limits spec.ResourceLimit) (sandbox.CaseResult, error)
	Close() error
}

// ExecutionBackend creates execution sessions. The sandbox manager is
// the production implementation; tests substitute fakes.
type ExecutionBackend interface {
	NewSession(submissionID string, prof toolchain.Profile, source []byte) (ExecSession, error)
	Kill(ctx context.Context, submissionID string) error
}

// ManagerBackend adapts *sandbox.Manager to ExecutionBackend.
type ManagerBackend struct {
	Manager *sandbox.Manager
}

func (b ManagerBackend) NewSession(submissionID string, prof toolchain.Profile, source []byte) (ExecSession, error) {
	return b.Manager.NewSession(submissionID, prof, source)
}

func (b ManagerBackend) Kill(ctx context.Context, submissionID string) error {
	return b.Manager.Kill(ctx, submissionID)
}

// Config tunes orchestrator-level safety ceilings.
type Config struct {
	// WatchdogMultiplier scales the summed nominal case time limits
	// into the absolute per-submission grading ceiling.
	WatchdogMultiplier float64

	// WatchdogFloor is the minimum grading ceiling regardless of how
	// small the nominal limits are.
	WatchdogFloor time.Duration

	// GraceSec is added to each case's wall-clock kill timer on top
	// of the CPU limit.
	GraceSec float64

	// OnCaseDone, when set, is invoked after each test case finishes,
	// with the number of completed cases and the case total. Used to
	// publish live progress.
	OnCaseDone func(ctx context.Context, submissionID string, done, total int)
}

func (c *Config) setDefaults() {
	if c.WatchdogMultiplier <= 0 {
		c.WatchdogMultiplier = 4
	}
	if c.WatchdogFloor <= 0 {
		c.WatchdogFloor = 30 * time.Second
	}
	if c.GraceSec <= 0 {
		c.GraceSec = 1
	}
}

// Orchestrator grades one submission at a time: compile once, run
// every test case in declared order, compare outputs, aggregate. It
// always leaves the submission in exactly one terminal status, even
// on panic or infrastructure failure.
type Orchestrator struct {
	registry *toolchain.Registry
	backend  ExecutionBackend
	cmp      *Comparator
	cfg      Config
}

// NewOrchestrator wires the grading flow.
func NewOrchestrator(registry *toolchain.Registry, backend ExecutionBackend, cfg Config) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New(errors.InvalidParams).WithMessage("toolchain registry is required")
	}
	if backend == nil {
		return nil, errors.New(errors.InvalidParams).WithMessage("execution backend is required")
	}
	cfg.setDefaults()
	return &Orchestrator{
		registry: registry,
		backend:  backend,
		cmp:      NewComparator(),
		cfg:      cfg,
	}, nil
}

// Grade evaluates sub against problem, mutating sub in place. On
// return sub.Status is terminal and sub.EvaluatedAt is set. The
// returned error reports infrastructure-level trouble for logging;
// the grading outcome itself always lives on the submission.
func (o *Orchestrator) Grade(ctx context.Context, sub *model.Submission, source []byte, problem model.ProblemSpec) (err error) {
	if sub.IsGraded() {
		return errors.Newf(errors.SubmissionAlreadyFinal, "submission %s already graded", sub.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "grading panicked", zap.String("submission_id", sub.ID), zap.Any("panic", r))
			o.finalize(sub, model.StatusInternalError, fmt.Sprintf("grading aborted unexpectedly: %v", r))
			err = errors.Newf(errors.GradeSystemError, "grading panicked: %v", r)
		}
	}()

	sub.Status = model.StatusRunning
	sub.MaxScore = problem.MaxScore()

	if len(problem.Cases) == 0 {
		o.finalize(sub, model.StatusInternalError,
			fmt.Sprintf("problem %s has no test cases configured", problem.ProblemID))
		return nil
	}

	prof, lookupErr := o.registry.Lookup(sub.Language)
	if lookupErr != nil {
		o.finalize(sub, model.StatusInternalError,
			fmt.Sprintf("language %q is not supported", sub.Language))
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, o.watchdogCeiling(problem))
	defer cancel()

	session, sessErr := o.backend.NewSession(sub.ID, prof, source)
	if sessErr != nil {
		o.finalize(sub, model.StatusInternalError, "sandbox setup failed: "+sessErr.Error())
		return sessErr
	}
	defer session.Close()

	compileRes, compileErr := session.Compile(wctx, spec.ResourceLimit{})
	sub.CompileOutput = compileRes.Output
	if compileErr != nil {
		o.finalize(sub, model.StatusInternalError, "compile step failed to execute: "+compileErr.Error())
		return compileErr
	}
	if !compileRes.OK {
		sub.TestCasesPassed = 0
		o.finalize(sub, model.StatusCompilationError, "compilation failed")
		return nil
	}

	cases := orderedCases(problem.Cases)
	overall := model.StatusAccepted
	watchdogFired := false
	var infraErr error

	for i, tc := range cases {
		if wctx.Err() == context.DeadlineExceeded {
			// The previous run consumed the ceiling and already carries
			// its own result. Stop without recording cases that never
			// started.
			_ = o.backend.Kill(context.WithoutCancel(ctx), sub.ID)
			watchdogFired = true
			break
		}

		limits := o.caseLimits(problem, tc)
		caseID := fmt.Sprintf("case-%d", i+1)

		runRes, runErr := session.RunCase(wctx, caseID, []byte(tc.InputData), limits)
		if runErr != nil {
			if wctx.Err() == context.DeadlineExceeded {
				// Watchdog ceiling hit: kill the jail, mark the
				// in-flight case, finalize below.
				_ = o.backend.Kill(context.WithoutCancel(ctx), sub.ID)
				sub.ExecutionResults = append(sub.ExecutionResults, model.ExecutionResult{
					SubmissionID:   sub.ID,
					TestCaseID:     tc.ID,
					Passed:         false,
					Status:         model.StatusTimeLimitExceeded,
					ExpectedOutput: tc.ExpectedOutput,
					ErrorMessage:   "grading watchdog expired while this case was running",
				})
				watchdogFired = true
				break
			}
			sub.ExecutionResults = append(sub.ExecutionResults, model.ExecutionResult{
				SubmissionID:   sub.ID,
				TestCaseID:     tc.ID,
				Passed:         false,
				Status:         model.StatusInternalError,
				ExpectedOutput: tc.ExpectedOutput,
				ErrorMessage:   runErr.Error(),
			})
			overall = model.WorseOf(overall, model.StatusInternalError)
			infraErr = runErr
			break
		}

		res := o.buildResult(sub.ID, tc, runRes)
		sub.ExecutionResults = append(sub.ExecutionResults, res)
		overall = model.WorseOf(overall, res.Status)

		if o.cfg.OnCaseDone != nil {
			o.cfg.OnCaseDone(ctx, sub.ID, len(sub.ExecutionResults), len(cases))
		}
	}

	// The ceiling can also expire on the final case, after every case
	// has a result.
	if !watchdogFired && infraErr == nil && wctx.Err() == context.DeadlineExceeded {
		watchdogFired = true
	}

	o.aggregate(sub)

	switch {
	case watchdogFired:
		o.finalize(sub, model.StatusInternalError,
			"grading exceeded the absolute watchdog ceiling and was aborted")
	case infraErr != nil:
		o.finalize(sub, model.StatusInternalError, "sandbox execution failed: "+infraErr.Error())
	default:
		o.finalize(sub, overall, verdictMessage(overall, sub))
	}
	return infraErr
}

// buildResult classifies one raw case run and compares outputs.
func (o *Orchestrator) buildResult(submissionID string, tc model.TestCase, run sandbox.CaseResult) model.ExecutionResult {
	res := model.ExecutionResult{
		SubmissionID:    submissionID,
		TestCaseID:      tc.ID,
		ActualOutput:    run.Stdout,
		ExpectedOutput:  tc.ExpectedOutput,
		ExecutionTimeMs: run.TimeMs,
		MemoryUsedMB:    float64(run.MemoryKB) / 1024,
	}

	switch run.Status {
	case sandbox.RunTimeLimit:
		res.Status = model.StatusTimeLimitExceeded
		res.ErrorMessage = "time limit exceeded"
	case sandbox.RunMemoryLimit:
		res.Status = model.StatusMemoryLimitExceeded
		res.ErrorMessage = "memory limit exceeded"
	case sandbox.RunOutputLimit:
		res.Status = model.StatusRuntimeError
		res.ErrorMessage = "output limit exceeded"
	case sandbox.RunRuntimeError:
		res.Status = model.StatusRuntimeError
		res.ErrorMessage = firstNonEmpty(run.Stderr, fmt.Sprintf("process exited with code %d", run.ExitCode))
	default:
		if o.cmp.Match(run.Stdout, tc.ExpectedOutput) {
			res.Status = model.StatusAccepted
			res.Passed = true
			res.PointsEarned = tc.Points
		} else {
			res.Status = model.StatusWrongAnswer
			res.ErrorMessage = "output does not match expected output"
		}
	}
	return res
}

func (o *Orchestrator) aggregate(sub *model.Submission) {
	score := 0
	passed := 0
	var totalTimeMs int64
	var maxMemoryMB float64
	for _, res := range sub.ExecutionResults {
		score += res.PointsEarned
		if res.Passed {
			passed++
		}
		totalTimeMs += res.ExecutionTimeMs
		if res.MemoryUsedMB > maxMemoryMB {
			maxMemoryMB = res.MemoryUsedMB
		}
	}
	sub.Score = score
	sub.TestCasesPassed = passed
	sub.TestCasesTotal = len(sub.ExecutionResults)
	sub.ExecutionTimeMs = totalTimeMs
	sub.MemoryUsedMB = maxMemoryMB
}

// finalize stamps the terminal outcome. It is the single exit point
// of grading; a submission never leaves without a terminal status.
func (o *Orchestrator) finalize(sub *model.Submission, status model.Status, errMsg string) {
	if sub.Status.IsTerminal() {
		return
	}
	sub.Status = status
	if status != model.StatusAccepted {
		sub.ErrorMessage = errMsg
	}
	now := time.Now()
	sub.EvaluatedAt = &now
}

func (o *Orchestrator) caseLimits(problem model.ProblemSpec, tc model.TestCase) spec.ResourceLimit {
	timeSec := problem.CaseTimeLimitSec(tc)
	memMB := problem.CaseMemoryLimitMB(tc)
	limits := spec.ResourceLimit{}
	if timeSec > 0 {
		limits.CPUTimeMs = int64(timeSec * 1000)
		limits.WallTimeMs = int64((timeSec + o.cfg.GraceSec) * 1000)
	}
	if memMB > 0 {
		limits.MemoryMB = memMB
	}
	return limits
}

// watchdogCeiling computes the absolute bound on a submission's whole
// grading flow, protecting against infrastructure hangs that no
// per-case timer would catch.
func (o *Orchestrator) watchdogCeiling(problem model.ProblemSpec) time.Duration {
	totalSec := 0.0
	for _, tc := range problem.Cases {
		sec := problem.CaseTimeLimitSec(tc)
		if sec <= 0 {
			sec = 10
		}
		totalSec += sec + o.cfg.GraceSec
	}
	ceiling := time.Duration(o.cfg.WatchdogMultiplier * totalSec * float64(time.Second))
	if ceiling < o.cfg.WatchdogFloor {
		ceiling = o.cfg.WatchdogFloor
	}
	return ceiling
}

func orderedCases(cases []model.TestCase) []model.TestCase {
	out := make([]model.TestCase, len(cases))
	copy(out, cases)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out
}

func verdictMessage(status model.Status, sub *model.Submission) string {
	switch status {
	case model.StatusAccepted:
		return ""
	case model.StatusWrongAnswer:
		return fmt.Sprintf("%d of %d test cases passed", sub.TestCasesPassed, sub.TestCasesTotal)
	case model.StatusTimeLimitExceeded:
		return "time limit exceeded on at least one test case"
	case model.StatusMemoryLimitExceeded:
		return "memory limit exceeded on at least one test case"
	case model.StatusRuntimeError:
		return "runtime error on at least one test case"
	default:
		return string(status)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
