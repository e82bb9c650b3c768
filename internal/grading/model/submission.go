// Package model defines the grading domain types and the submission
// lifecycle contract.
package model

import "time"

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"

	StatusAccepted            Status = "accepted"
	StatusWrongAnswer         Status = "wrong_answer"
	StatusTimeLimitExceeded   Status = "time_limit_exceeded"
	StatusMemoryLimitExceeded Status = "memory_limit_exceeded"
	StatusRuntimeError        Status = "runtime_error"
	StatusCompilationError    Status = "compilation_error"
	StatusInternalError       Status = "internal_error"
)

// IsTerminal reports whether the status is a final grading outcome.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusRuntimeError,
		StatusCompilationError, StatusInternalError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal:
// pending -> running or terminal, running -> terminal. A terminal
// status never transitions again; graded submissions are immutable.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// statusPriority orders terminal statuses for aggregation: the worst
// observed per-case status wins the overall verdict.
var statusPriority = map[Status]int{
	StatusInternalError:       7,
	StatusCompilationError:    6,
	StatusTimeLimitExceeded:   5,
	StatusMemoryLimitExceeded: 4,
	StatusRuntimeError:        3,
	StatusWrongAnswer:         2,
	StatusAccepted:            1,
}

// WorseOf returns the higher-priority of two terminal statuses.
func WorseOf(a, b Status) Status {
	if statusPriority[b] > statusPriority[a] {
		return b
	}
	return a
}

// Submission is one user's code attempt for a problem. It is created
// by the lab collaborator and mutated exclusively by the grading
// orchestrator until a terminal status is persisted.
type Submission struct {
	ID        string `json:"id" db:"id"`
	ProblemID string `json:"problem_id" db:"problem_id"`
	UserID    string `json:"user_id" db:"user_id"`

	// SourceKey locates the submitted source in object storage;
	// SourceHash is its expected sha256.
	SourceKey  string `json:"source_key" db:"source_key"`
	SourceHash string `json:"source_hash" db:"source_hash"`
	Language   string `json:"language" db:"language"`

	AttemptNumber     int  `json:"attempt_number" db:"attempt_number"`
	IsFinalSubmission bool `json:"is_final_submission" db:"is_final_submission"`

	Status   Status `json:"status" db:"status"`
	Score    int    `json:"score" db:"score"`
	MaxScore int    `json:"max_score" db:"max_score"`

	ExecutionTimeMs int64   `json:"execution_time_ms" db:"execution_time_ms"`
	MemoryUsedMB    float64 `json:"memory_used_mb" db:"memory_used_mb"`

	TestCasesPassed int `json:"test_cases_passed" db:"test_cases_passed"`
	TestCasesTotal  int `json:"test_cases_total" db:"test_cases_total"`

	ErrorMessage  string `json:"error_message,omitempty" db:"error_message"`
	CompileOutput string `json:"compile_output,omitempty" db:"compile_output"`
	RuntimeOutput string `json:"runtime_output,omitempty" db:"runtime_output"`

	SubmittedAt time.Time  `json:"submitted_at" db:"submitted_at"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty" db:"evaluated_at"`

	ExecutionResults []ExecutionResult `json:"execution_results,omitempty" db:"-"`
}

// IsGraded reports whether the submission already carries a terminal
// outcome. Graded submissions must not be regraded.
func (s *Submission) IsGraded() bool {
	return s.EvaluatedAt != nil || s.Status.IsTerminal()
}

// ExecutionResult records one attempted (submission, test case) run.
// Results are created during grading and never mutated afterward.
type ExecutionResult struct {
	ID           string `json:"id" db:"id"`
	SubmissionID string `json:"submission_id" db:"submission_id"`
	TestCaseID   string `json:"test_case_id" db:"test_case_id"`

	Passed bool   `json:"passed" db:"passed"`
	Status Status `json:"status" db:"status"`

	ActualOutput   string `json:"actual_output" db:"actual_output"`
	ExpectedOutput string `json:"expected_output" db:"expected_output"`
	ErrorMessage   string `json:"error_message,omitempty" db:"error_message"`

	ExecutionTimeMs int64   `json:"execution_time_ms" db:"execution_time_ms"`
	MemoryUsedMB    float64 `json:"memory_used_mb" db:"memory_used_mb"`

	// PointsEarned is either 0 or the case's full point value; there
	// is no partial credit within a single test case.
	PointsEarned int `json:"points_earned" db:"points_earned"`
}
