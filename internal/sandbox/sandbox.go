// Package sandbox provides the execution front used by grading: an
// Executor abstraction over the isolation backend and a Manager that
// drives compile-once / run-per-case sessions.
package sandbox

import (
	"context"
	"path/filepath"

	"codelab/internal/sandbox/engine"
	"codelab/internal/sandbox/spec"
)

const (
	containerWorkDir = "/work"

	inputFileName  = "input.txt"
	outputFileName = "output.txt"
	stderrFileName = "stderr.log"
	compileLogName = "compile.log"
	compileOutName = "compile.out"
	defaultProfile = "default"
)

// Task is one sandboxed process execution request.
type Task struct {
	SubmissionID string
	RunID        string

	// WorkDir is the host scratch directory bind mounted at /work.
	WorkDir string
	Cmd     []string
	Env     []string

	// StdinFile/StdoutFile/StderrFile are file names inside WorkDir.
	StdinFile  string
	StdoutFile string
	StderrFile string

	Limits spec.ResourceLimit
}

// Outcome is the raw result of one Task. An error from Execute means
// the sandbox infrastructure failed; program failures are reported
// through the Outcome instead.
type Outcome struct {
	ExitCode  int
	TimeMs    int64
	MemoryKB  int64
	OutputKB  int64
	Stdout    string
	Stderr    string
	OomKilled bool
}

// Executor abstracts the isolation technology. The process-jail engine
// implements it today; container or microVM backends can be swapped in
// without touching the grading flow.
type Executor interface {
	Execute(ctx context.Context, task Task) (Outcome, error)
	Kill(ctx context.Context, submissionID string) error
}

// engineExecutor adapts the low-level engine to the Executor interface.
type engineExecutor struct {
	eng engine.Engine
}

// NewEngineExecutor wraps a sandbox engine.
func NewEngineExecutor(eng engine.Engine) Executor {
	return &engineExecutor{eng: eng}
}

func (e *engineExecutor) Execute(ctx context.Context, task Task) (Outcome, error) {
	runSpec := spec.RunSpec{
		SubmissionID: task.SubmissionID,
		RunID:        task.RunID,
		WorkDir:      containerWorkDir,
		Cmd:          task.Cmd,
		Env:          task.Env,
		Profile:      defaultProfile,
		Limits:       task.Limits,
		BindMounts: []spec.MountSpec{{
			Source:   task.WorkDir,
			Target:   containerWorkDir,
			ReadOnly: false,
		}},
	}
	if task.StdinFile != "" {
		runSpec.StdinPath = filepath.Join(containerWorkDir, task.StdinFile)
	}
	if task.StdoutFile != "" {
		runSpec.StdoutPath = filepath.Join(containerWorkDir, task.StdoutFile)
	}
	if task.StderrFile != "" {
		runSpec.StderrPath = filepath.Join(containerWorkDir, task.StderrFile)
	}

	res, err := e.eng.Run(ctx, runSpec)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		ExitCode:  res.ExitCode,
		TimeMs:    res.TimeMs,
		MemoryKB:  res.MemoryKB,
		OutputKB:  res.OutputKB,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		OomKilled: res.OomKilled,
	}, nil
}

func (e *engineExecutor) Kill(ctx context.Context, submissionID string) error {
	return e.eng.KillSubmission(ctx, submissionID)
}
