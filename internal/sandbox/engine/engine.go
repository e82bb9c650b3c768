// Package engine runs a RunSpec inside an isolated process jail.
package engine

import (
	"context"

	"codelab/internal/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (RunResult, error)
	KillSubmission(ctx context.Context, submissionID string) error
}

// RunResult captures raw sandbox execution data. ExitCode -1 means the
// process was killed by the wall-clock watchdog.
type RunResult struct {
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	OomKilled  bool
}
