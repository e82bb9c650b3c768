package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"codelab/internal/common/db"
	"codelab/internal/common/storage"
	"codelab/internal/grading/model"
	pkgerrors "codelab/pkg/errors"
)

type fakeResult struct {
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeTx struct {
	execs          []string
	updateAffected int64
	committed      bool
	rolledBack     bool
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	t.execs = append(t.execs, query)
	if strings.HasPrefix(strings.TrimSpace(query), "UPDATE") {
		return fakeResult{affected: t.updateAffected}, nil
	}
	return fakeResult{affected: 1}, nil
}

func (t *fakeTx) Commit() error   { t.committed = true; return nil }
func (t *fakeTx) Rollback() error { t.rolledBack = true; return nil }

type fakeDB struct {
	tx fakeTx
}

func (d *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}

func (d *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (d *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return fakeResult{affected: 1}, nil
}

func (d *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	if err := fn(&d.tx); err != nil {
		d.tx.rolledBack = true
		return err
	}
	d.tx.committed = true
	return nil
}

func (d *fakeDB) Ping(ctx context.Context) error { return nil }
func (d *fakeDB) Close() error                   { return nil }

type fakeStorage struct {
	objects map[string][]byte
}

func (s *fakeStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	return io.NopCloser(bytes.NewReader(s.objects[key])), nil
}

func (s *fakeStorage) PutObject(ctx context.Context, bucket, key string, reader storage.ObjectReader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[key] = data
	return nil
}

func (s *fakeStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	return storage.ObjectStat{SizeBytes: int64(len(s.objects[key]))}, nil
}

func (s *fakeStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	for _, key := range keys {
		delete(s.objects, key)
	}
	return nil
}

func gradedSubmission() *model.Submission {
	now := time.Now()
	return &model.Submission{
		ID:          "sub-1",
		ProblemID:   "prob-1",
		Status:      model.StatusAccepted,
		Score:       100,
		MaxScore:    100,
		EvaluatedAt: &now,
		ExecutionResults: []model.ExecutionResult{
			{SubmissionID: "sub-1", TestCaseID: "t1", Passed: true, Status: model.StatusAccepted, ActualOutput: "1\n", PointsEarned: 100},
		},
	}
}

func TestSaveResultRefusesNonTerminal(t *testing.T) {
	database := &fakeDB{}
	repo, err := NewSubmissionRepository(database, nil, "")
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	sub := gradedSubmission()
	sub.Status = model.StatusRunning
	err = repo.SaveResult(context.Background(), sub)
	if err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if pkgerrors.GetCode(err) != pkgerrors.GradeSystemError {
		t.Fatalf("expected GradeSystemError, got code %d", pkgerrors.GetCode(err))
	}
	if len(database.tx.execs) != 0 {
		t.Fatal("no statements should run")
	}
}

func TestSaveResultPersistsInTransaction(t *testing.T) {
	database := &fakeDB{tx: fakeTx{updateAffected: 1}}
	repo, err := NewSubmissionRepository(database, nil, "")
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	sub := gradedSubmission()
	if err := repo.SaveResult(context.Background(), sub); err != nil {
		t.Fatalf("save: %v", err)
	}

	// One update plus one insert per case.
	if len(database.tx.execs) != 2 {
		t.Fatalf("executed %d statements, want 2", len(database.tx.execs))
	}
	if !database.tx.committed {
		t.Fatal("transaction not committed")
	}
}

func TestSaveResultAssignsResultIDs(t *testing.T) {
	database := &fakeDB{tx: fakeTx{updateAffected: 1}}
	repo, err := NewSubmissionRepository(database, nil, "")
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	sub := gradedSubmission()
	results := repo.prepareResults(context.Background(), sub)
	if results[0].ID == "" {
		t.Fatal("result id not assigned")
	}
}

func TestSaveResultGuardAgainstDoubleGrade(t *testing.T) {
	database := &fakeDB{tx: fakeTx{updateAffected: 0}}
	repo, err := NewSubmissionRepository(database, nil, "")
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	err = repo.SaveResult(context.Background(), gradedSubmission())
	if err == nil {
		t.Fatal("expected error when the row is already terminal")
	}
	if pkgerrors.GetCode(err) != pkgerrors.SubmissionAlreadyFinal {
		t.Fatalf("expected SubmissionAlreadyFinal, got code %d", pkgerrors.GetCode(err))
	}
	if !database.tx.rolledBack {
		t.Fatal("transaction should roll back")
	}
}

func TestOversizedOutputArchivedAndTruncated(t *testing.T) {
	database := &fakeDB{tx: fakeTx{updateAffected: 1}}
	store := &fakeStorage{}
	repo, err := NewSubmissionRepository(database, store, "grader")
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}

	huge := strings.Repeat("x", maxStoredOutputBytes+100)
	sub := gradedSubmission()
	sub.ExecutionResults[0].ActualOutput = huge

	results := repo.prepareResults(context.Background(), sub)

	if len(results[0].ActualOutput) > maxStoredOutputBytes+100 {
		t.Fatal("stored output not truncated")
	}
	if !strings.HasSuffix(results[0].ActualOutput, "(truncated)") {
		t.Fatal("truncation marker missing")
	}
	if sub.RuntimeOutput != "results/sub-1.json.zst" {
		t.Fatalf("archive key = %q", sub.RuntimeOutput)
	}

	// The archive holds the full output, zstd-compressed.
	raw, ok := store.objects["results/sub-1.json.zst"]
	if !ok {
		t.Fatal("archive object missing")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	decoded, err := dec.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	var archived []model.ExecutionResult
	if err := json.Unmarshal(decoded, &archived); err != nil {
		t.Fatalf("unmarshal archive: %v", err)
	}
	if archived[0].ActualOutput != huge {
		t.Fatal("archive does not hold the full output")
	}
}

func TestTruncateOutputShortStringsUntouched(t *testing.T) {
	if got := truncateOutput("hello"); got != "hello" {
		t.Fatalf("truncateOutput = %q", got)
	}
}
