package repository

import (
	"context"

	"codelab/internal/common/db"
	"codelab/internal/grading/model"
	"codelab/pkg/errors"
)

// TestCaseRepository loads the grading inputs for a problem: its
// nominal limits and the ordered test case set.
type TestCaseRepository struct {
	db db.Database
}

// NewTestCaseRepository creates the repository.
func NewTestCaseRepository(database db.Database) (*TestCaseRepository, error) {
	if database == nil {
		return nil, errors.New(errors.InvalidParams).WithMessage("database is required")
	}
	return &TestCaseRepository{db: database}, nil
}

// GetProblemSpec loads one problem's limits and its full test case set,
// ordered by order_index. A problem with zero cases is returned as-is;
// the orchestrator turns that into an internal_error verdict.
func (r *TestCaseRepository) GetProblemSpec(ctx context.Context, problemID string) (model.ProblemSpec, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, time_limit_sec, memory_limit_mb FROM problems WHERE id = ?`, problemID)

	var ps model.ProblemSpec
	if err := row.Scan(&ps.ProblemID, &ps.TimeLimitSec, &ps.MemoryLimitMB); err != nil {
		if db.IsNoRows(err) {
			return model.ProblemSpec{}, errors.Newf(errors.ProblemNotFound, "problem %s not found", problemID)
		}
		return model.ProblemSpec{}, errors.Wrapf(err, errors.DatabaseError, "load problem %s", problemID)
	}

	cases, err := r.loadCases(ctx, problemID)
	if err != nil {
		return model.ProblemSpec{}, err
	}
	ps.Cases = cases
	return ps, nil
}

// GetSampleSpec is GetProblemSpec restricted to sample cases, used by
// the interactive run endpoint so hidden cases never leave the server.
func (r *TestCaseRepository) GetSampleSpec(ctx context.Context, problemID string) (model.ProblemSpec, error) {
	ps, err := r.GetProblemSpec(ctx, problemID)
	if err != nil {
		return model.ProblemSpec{}, err
	}
	samples := ps.Cases[:0:0]
	for _, tc := range ps.Cases {
		if tc.IsSample || tc.Visibility == model.VisibilityPublic {
			samples = append(samples, tc)
		}
	}
	ps.Cases = samples
	return ps, nil
}

// GetTestCase loads a single case by id.
func (r *TestCaseRepository) GetTestCase(ctx context.Context, id string) (model.TestCase, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, problem_id, order_index, visibility, is_sample,
			input_data, expected_output, points,
			time_limit_sec_override, memory_limit_mb_override
		FROM test_cases WHERE id = ?`, id)

	var tc model.TestCase
	err := row.Scan(
		&tc.ID, &tc.ProblemID, &tc.OrderIndex, &tc.Visibility, &tc.IsSample,
		&tc.InputData, &tc.ExpectedOutput, &tc.Points,
		&tc.TimeLimitSecOverride, &tc.MemoryLimitMBOverride,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return model.TestCase{}, errors.Newf(errors.TestCaseNotFound, "test case %s not found", id)
		}
		return model.TestCase{}, errors.Wrapf(err, errors.DatabaseError, "load test case %s", id)
	}
	return tc, nil
}

func (r *TestCaseRepository) loadCases(ctx context.Context, problemID string) ([]model.TestCase, error) {
	query := `SELECT id, problem_id, order_index, visibility, is_sample,
			input_data, expected_output, points,
			time_limit_sec_override, memory_limit_mb_override
		FROM test_cases WHERE problem_id = ?
		ORDER BY order_index`

	rows, err := r.db.Query(ctx, query, problemID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "load test cases for problem %s", problemID)
	}
	defer rows.Close()

	var out []model.TestCase
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(
			&tc.ID, &tc.ProblemID, &tc.OrderIndex, &tc.Visibility, &tc.IsSample,
			&tc.InputData, &tc.ExpectedOutput, &tc.Points,
			&tc.TimeLimitSecOverride, &tc.MemoryLimitMBOverride,
		); err != nil {
			return nil, errors.Wrap(err, errors.DatabaseError)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	return out, nil
}
