// Package repository persists submissions, execution results, and
// problem test data, and maintains the live grading status cache.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"codelab/internal/common/db"
	"codelab/internal/common/storage"
	"codelab/internal/grading/model"
	"codelab/pkg/errors"
	"codelab/pkg/utils/logger"
)

// maxStoredOutputBytes caps per-case output stored in the relational
// row. Anything larger is archived to object storage as zstd-compressed
// JSON and truncated in the row.
const maxStoredOutputBytes = 64 * 1024

// SubmissionRepository stores submissions and their per-case results.
type SubmissionRepository struct {
	db      db.Database
	archive storage.ObjectStorage
	bucket  string
	encoder *zstd.Encoder
}

// NewSubmissionRepository creates the repository. archive may be nil,
// in which case oversized outputs are truncated without archival.
func NewSubmissionRepository(database db.Database, archive storage.ObjectStorage, bucket string) (*SubmissionRepository, error) {
	if database == nil {
		return nil, errors.New(errors.InvalidParams).WithMessage("database is required")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.InternalServerError)
	}
	return &SubmissionRepository{
		db:      database,
		archive: archive,
		bucket:  bucket,
		encoder: enc,
	}, nil
}

const submissionColumns = `id, problem_id, user_id, source_key, source_hash, language,
	attempt_number, is_final_submission, status, score, max_score,
	execution_time_ms, memory_used_mb, test_cases_passed, test_cases_total,
	error_message, compile_output, runtime_output, submitted_at, evaluated_at`

// GetByID loads one submission without its execution results.
func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)

	var sub model.Submission
	err := row.Scan(
		&sub.ID, &sub.ProblemID, &sub.UserID, &sub.SourceKey, &sub.SourceHash, &sub.Language,
		&sub.AttemptNumber, &sub.IsFinalSubmission, &sub.Status, &sub.Score, &sub.MaxScore,
		&sub.ExecutionTimeMs, &sub.MemoryUsedMB, &sub.TestCasesPassed, &sub.TestCasesTotal,
		&sub.ErrorMessage, &sub.CompileOutput, &sub.RuntimeOutput, &sub.SubmittedAt, &sub.EvaluatedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, errors.Newf(errors.SubmissionNotFound, "submission %s not found", id)
		}
		return nil, errors.Wrapf(err, errors.DatabaseError, "load submission %s", id)
	}
	return &sub, nil
}

// MarkRunning flips a pending submission to running. It reports
// SubmissionAlreadyFinal when the row is no longer pending, which
// makes redelivered queue messages harmless.
func (r *SubmissionRepository) MarkRunning(ctx context.Context, id string) error {
	res, err := r.db.Exec(ctx,
		`UPDATE submissions SET status = ? WHERE id = ? AND status = ?`,
		model.StatusRunning, id, model.StatusPending)
	if err != nil {
		return errors.Wrapf(err, errors.DatabaseError, "mark submission %s running", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.DatabaseError)
	}
	if affected == 0 {
		sub, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status == model.StatusRunning {
			// A previous attempt crashed mid-grade; take over.
			return nil
		}
		return errors.Newf(errors.SubmissionAlreadyFinal,
			"submission %s is already %s", id, sub.Status)
	}
	return nil
}

// SaveResult persists the terminal grading outcome and all execution
// results in one transaction. The submission must carry a terminal
// status; the row-level guard refuses to overwrite a graded row.
func (r *SubmissionRepository) SaveResult(ctx context.Context, sub *model.Submission) error {
	if !sub.Status.IsTerminal() {
		return errors.Newf(errors.GradeSystemError,
			"refusing to persist non-terminal status %q", sub.Status)
	}
	if sub.EvaluatedAt == nil {
		now := time.Now()
		sub.EvaluatedAt = &now
	}

	results := r.prepareResults(ctx, sub)

	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		res, err := tx.Exec(ctx,
			`UPDATE submissions SET
				status = ?, score = ?, max_score = ?,
				execution_time_ms = ?, memory_used_mb = ?,
				test_cases_passed = ?, test_cases_total = ?,
				error_message = ?, compile_output = ?, runtime_output = ?,
				evaluated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			sub.Status, sub.Score, sub.MaxScore,
			sub.ExecutionTimeMs, sub.MemoryUsedMB,
			sub.TestCasesPassed, sub.TestCasesTotal,
			sub.ErrorMessage, truncateOutput(sub.CompileOutput), sub.RuntimeOutput,
			sub.EvaluatedAt,
			sub.ID, model.StatusPending, model.StatusRunning)
		if err != nil {
			return fmt.Errorf("update submission: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.Newf(errors.SubmissionAlreadyFinal,
				"submission %s already carries a terminal status", sub.ID)
		}

		for _, er := range results {
			_, err := tx.Exec(ctx,
				`INSERT INTO execution_results
					(id, submission_id, test_case_id, passed, status,
					 actual_output, expected_output, error_message,
					 execution_time_ms, memory_used_mb, points_earned)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				er.ID, er.SubmissionID, er.TestCaseID, er.Passed, er.Status,
				er.ActualOutput, er.ExpectedOutput, er.ErrorMessage,
				er.ExecutionTimeMs, er.MemoryUsedMB, er.PointsEarned)
			if err != nil {
				return fmt.Errorf("insert execution result for case %s: %w", er.TestCaseID, err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.GetCode(err) == errors.SubmissionAlreadyFinal {
			return err
		}
		return errors.Wrapf(err, errors.DatabaseError, "persist grading result for %s", sub.ID)
	}
	return nil
}

// GetResults loads the per-case results for one submission, ordered by
// insertion.
func (r *SubmissionRepository) GetResults(ctx context.Context, submissionID string) ([]model.ExecutionResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, submission_id, test_case_id, passed, status,
			actual_output, expected_output, error_message,
			execution_time_ms, memory_used_mb, points_earned
		FROM execution_results WHERE submission_id = ? ORDER BY id`, submissionID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.DatabaseError, "load results for %s", submissionID)
	}
	defer rows.Close()

	var out []model.ExecutionResult
	for rows.Next() {
		var er model.ExecutionResult
		if err := rows.Scan(
			&er.ID, &er.SubmissionID, &er.TestCaseID, &er.Passed, &er.Status,
			&er.ActualOutput, &er.ExpectedOutput, &er.ErrorMessage,
			&er.ExecutionTimeMs, &er.MemoryUsedMB, &er.PointsEarned,
		); err != nil {
			return nil, errors.Wrap(err, errors.DatabaseError)
		}
		out = append(out, er)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.DatabaseError)
	}
	return out, nil
}

// prepareResults assigns result IDs and handles oversized outputs:
// the full result set is archived compressed, the stored rows keep a
// truncated copy.
func (r *SubmissionRepository) prepareResults(ctx context.Context, sub *model.Submission) []model.ExecutionResult {
	results := make([]model.ExecutionResult, len(sub.ExecutionResults))
	copy(results, sub.ExecutionResults)

	oversized := false
	for i := range results {
		if results[i].ID == "" {
			results[i].ID = uuid.NewString()
		}
		if len(results[i].ActualOutput) > maxStoredOutputBytes {
			oversized = true
		}
	}
	if oversized && r.archive != nil {
		if key, err := r.archiveResults(ctx, sub.ID, results); err != nil {
			logger.Warn(ctx, "archiving oversized outputs failed",
				zap.String("submission_id", sub.ID), zap.Error(err))
		} else {
			sub.RuntimeOutput = key
		}
	}
	for i := range results {
		results[i].ActualOutput = truncateOutput(results[i].ActualOutput)
		results[i].ExpectedOutput = truncateOutput(results[i].ExpectedOutput)
	}
	return results
}

// archiveResults stores the uncut result set as zstd-compressed JSON
// and returns the object key.
func (r *SubmissionRepository) archiveResults(ctx context.Context, submissionID string, results []model.ExecutionResult) (string, error) {
	raw, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	compressed := r.encoder.EncodeAll(raw, nil)
	key := fmt.Sprintf("results/%s.json.zst", submissionID)
	reader := io.NopCloser(bytes.NewReader(compressed))
	if err := r.archive.PutObject(ctx, r.bucket, key, reader, int64(len(compressed)), "application/zstd"); err != nil {
		return "", err
	}
	return key, nil
}

func truncateOutput(s string) string {
	if len(s) <= maxStoredOutputBytes {
		return s
	}
	return s[:maxStoredOutputBytes] + "\n... (truncated)"
}
