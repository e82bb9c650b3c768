// Package controller exposes the grader's HTTP surface: the sample
// run endpoint and submission status/result reads.
package controller

import (
	"github.com/gin-gonic/gin"

	"codelab/internal/grading/model"
	"codelab/internal/grading/repository"
	"codelab/internal/grading/service"
	"codelab/pkg/errors"
	"codelab/pkg/utils/response"
)

// GradeController handles run and status requests.
type GradeController struct {
	runs   *service.RunService
	subs   *repository.SubmissionRepository
	status *repository.StatusCache
}

// NewGradeController creates a new controller.
func NewGradeController(runs *service.RunService, subs *repository.SubmissionRepository, status *repository.StatusCache) *GradeController {
	return &GradeController{runs: runs, subs: subs, status: status}
}

// RegisterRoutes mounts the grader routes under the given group.
func (h *GradeController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/run", h.Run)
	rg.GET("/submissions/:id", h.GetSubmission)
	rg.GET("/submissions/:id/results", h.GetResults)
}

// Run executes inline source against a problem's sample cases and
// returns the outcome synchronously.
func (h *GradeController) Run(c *gin.Context) {
	var req service.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid run request: "+err.Error())
		return
	}
	resp, err := h.runs.RunSamples(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// submissionView is the status payload. While grading is in flight the
// live cache supplies progress; terminal submissions come from the
// database.
type submissionView struct {
	ID        string       `json:"id"`
	ProblemID string       `json:"problem_id"`
	Status    model.Status `json:"status"`

	Score    int `json:"score"`
	MaxScore int `json:"max_score"`

	TestCasesPassed int `json:"test_cases_passed"`
	TestCasesTotal  int `json:"test_cases_total"`

	ExecutionTimeMs int64   `json:"execution_time_ms"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`

	ErrorMessage  string `json:"error_message,omitempty"`
	CompileOutput string `json:"compile_output,omitempty"`

	CasesDone int `json:"cases_done,omitempty"`
}

// GetSubmission returns one submission's grading status.
func (h *GradeController) GetSubmission(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "submission id is required")
		return
	}
	sub, err := h.subs.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	view := submissionView{
		ID:              sub.ID,
		ProblemID:       sub.ProblemID,
		Status:          sub.Status,
		Score:           sub.Score,
		MaxScore:        sub.MaxScore,
		TestCasesPassed: sub.TestCasesPassed,
		TestCasesTotal:  sub.TestCasesTotal,
		ExecutionTimeMs: sub.ExecutionTimeMs,
		MemoryUsedMB:    sub.MemoryUsedMB,
		ErrorMessage:    sub.ErrorMessage,
		CompileOutput:   sub.CompileOutput,
	}
	if !sub.Status.IsTerminal() && h.status != nil {
		if live, ok := h.status.Get(c.Request.Context(), id); ok {
			view.Status = live.Status
			view.CasesDone = live.CasesDone
			if live.CasesAll > 0 {
				view.TestCasesTotal = live.CasesAll
			}
		}
	}
	response.Success(c, view)
}

// GetResults returns the per-case results of a graded submission.
// Results only exist once grading reached a terminal status.
func (h *GradeController) GetResults(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "submission id is required")
		return
	}
	sub, err := h.subs.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !sub.Status.IsTerminal() {
		response.ErrorWithCode(c, errors.NotFound, "submission is not graded yet")
		return
	}
	results, err := h.subs.GetResults(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, results)
}
