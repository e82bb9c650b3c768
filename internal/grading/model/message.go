package model

import "time"

// GradeTask is the queue payload that asks the grader to evaluate one
// submission. The lab collaborator validates deadlines and attempt
// limits before publishing it.
type GradeTask struct {
	SubmissionID string    `json:"submission_id"`
	ProblemID    string    `json:"problem_id"`
	UserID       string    `json:"user_id"`
	Language     string    `json:"language"`
	SourceKey    string    `json:"source_key"`
	SourceHash   string    `json:"source_hash"`
	AttemptNo    int       `json:"attempt_number"`
	IsFinal      bool      `json:"is_final"`
	SubmittedAt  time.Time `json:"submitted_at"`
}
