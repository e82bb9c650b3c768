// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard limits enforced by the sandbox.
type ResourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is the unified execution specification for one sandboxed
// process, either a compile step or one test-case run.
type RunSpec struct {
	// SubmissionID groups runs so an entire submission can be killed.
	SubmissionID string
	// RunID identifies this run within the submission (case index or
	// "compile").
	RunID string

	WorkDir    string
	Cmd        []string
	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	BindMounts []MountSpec
	Profile    string
	Limits     ResourceLimit
}
