package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"codelab/internal/grading"
	"codelab/internal/grading/model"
	"codelab/internal/grading/repository"
	"codelab/pkg/errors"
)

// RunRequest asks for an ephemeral run of inline source against a
// problem's sample cases. Nothing is persisted and attempt counters
// are untouched.
type RunRequest struct {
	ProblemID  string `json:"problem_id" binding:"required"`
	Language   string `json:"language" binding:"required"`
	SourceCode string `json:"source_code" binding:"required"`
}

// RunCaseResult is one sample case outcome. Sample cases are public,
// so expected output is included.
type RunCaseResult struct {
	TestCaseID      string       `json:"test_case_id"`
	Passed          bool         `json:"passed"`
	Status          model.Status `json:"status"`
	ActualOutput    string       `json:"actual_output"`
	ExpectedOutput  string       `json:"expected_output"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	MemoryUsedMB    float64      `json:"memory_used_mb"`
}

// RunResponse is the full outcome of a sample run.
type RunResponse struct {
	RunID         string          `json:"run_id"`
	Status        model.Status    `json:"status"`
	CasesPassed   int             `json:"cases_passed"`
	CasesTotal    int             `json:"cases_total"`
	CompileOutput string          `json:"compile_output,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Results       []RunCaseResult `json:"results"`
}

// maxInlineSourceBytes caps inline source for the run endpoint.
const maxInlineSourceBytes = 256 * 1024

// RunService executes inline code against sample cases for quick
// feedback during problem solving.
type RunService struct {
	cases *repository.TestCaseRepository
	orch  *grading.Orchestrator
}

// NewRunService wires the sample run flow.
func NewRunService(cases *repository.TestCaseRepository, orch *grading.Orchestrator) (*RunService, error) {
	if cases == nil || orch == nil {
		return nil, errors.New(errors.InvalidParams).WithMessage("run service dependencies are incomplete")
	}
	return &RunService{cases: cases, orch: orch}, nil
}

// RunSamples compiles and runs the source against the problem's sample
// cases, synchronously.
func (s *RunService) RunSamples(ctx context.Context, req RunRequest) (RunResponse, error) {
	if len(req.SourceCode) > maxInlineSourceBytes {
		return RunResponse{}, errors.Newf(errors.CodeTooLarge,
			"inline source exceeds %d bytes", maxInlineSourceBytes)
	}

	problem, err := s.cases.GetSampleSpec(ctx, req.ProblemID)
	if err != nil {
		return RunResponse{}, err
	}
	if len(problem.Cases) == 0 {
		return RunResponse{}, errors.Newf(errors.TestCaseNotFound,
			"problem %s has no sample cases", req.ProblemID)
	}

	// An ephemeral submission carries the run through the orchestrator
	// without ever touching the database.
	sub := &model.Submission{
		ID:          "run-" + uuid.NewString(),
		ProblemID:   req.ProblemID,
		Language:    req.Language,
		Status:      model.StatusPending,
		SubmittedAt: time.Now(),
	}
	if err := s.orch.Grade(ctx, sub, []byte(req.SourceCode), problem); err != nil {
		return RunResponse{}, err
	}

	resp := RunResponse{
		RunID:         sub.ID,
		Status:        sub.Status,
		CasesPassed:   sub.TestCasesPassed,
		CasesTotal:    sub.TestCasesTotal,
		CompileOutput: sub.CompileOutput,
		ErrorMessage:  sub.ErrorMessage,
		Results:       make([]RunCaseResult, 0, len(sub.ExecutionResults)),
	}
	for _, er := range sub.ExecutionResults {
		resp.Results = append(resp.Results, RunCaseResult{
			TestCaseID:      er.TestCaseID,
			Passed:          er.Passed,
			Status:          er.Status,
			ActualOutput:    er.ActualOutput,
			ExpectedOutput:  er.ExpectedOutput,
			ErrorMessage:    er.ErrorMessage,
			ExecutionTimeMs: er.ExecutionTimeMs,
			MemoryUsedMB:    er.MemoryUsedMB,
		})
	}
	return resp, nil
}
