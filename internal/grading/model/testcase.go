package model

// Visibility controls whether a test case is shown to students.
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilityHidden Visibility = "hidden"
)

// TestCase is one (input, expected output) pair with a point value.
// Test cases are authored by the problem collaborator and read-only
// from the grading core's perspective.
type TestCase struct {
	ID         string     `json:"id" db:"id"`
	ProblemID  string     `json:"problem_id" db:"problem_id"`
	OrderIndex int        `json:"order_index" db:"order_index"`
	Visibility Visibility `json:"visibility" db:"visibility"`
	IsSample   bool       `json:"is_sample" db:"is_sample"`

	InputData      string `json:"input_data" db:"input_data"`
	ExpectedOutput string `json:"expected_output" db:"expected_output"`
	Points         int    `json:"points" db:"points"`

	// Per-case overrides; zero means use the problem limit. An
	// override can only tighten a limit, never loosen it.
	TimeLimitSecOverride  float64 `json:"time_limit_sec_override,omitempty" db:"time_limit_sec_override"`
	MemoryLimitMBOverride int64   `json:"memory_limit_mb_override,omitempty" db:"memory_limit_mb_override"`
}

// ProblemSpec bundles a problem's grading inputs: its nominal limits
// and the ordered test case set.
type ProblemSpec struct {
	ProblemID     string
	TimeLimitSec  float64
	MemoryLimitMB int64
	Cases         []TestCase
}

// MaxScore is the sum of all case points.
func (p ProblemSpec) MaxScore() int {
	total := 0
	for _, tc := range p.Cases {
		total += tc.Points
	}
	return total
}

// CaseTimeLimitSec resolves the effective time limit for one case:
// the tighter of the problem limit and the per-case override.
func (p ProblemSpec) CaseTimeLimitSec(tc TestCase) float64 {
	if tc.TimeLimitSecOverride > 0 && (p.TimeLimitSec <= 0 || tc.TimeLimitSecOverride < p.TimeLimitSec) {
		return tc.TimeLimitSecOverride
	}
	return p.TimeLimitSec
}

// CaseMemoryLimitMB resolves the effective memory limit for one case,
// again the tighter of the two.
func (p ProblemSpec) CaseMemoryLimitMB(tc TestCase) int64 {
	if tc.MemoryLimitMBOverride > 0 && (p.MemoryLimitMB <= 0 || tc.MemoryLimitMBOverride < p.MemoryLimitMB) {
		return tc.MemoryLimitMBOverride
	}
	return p.MemoryLimitMB
}
