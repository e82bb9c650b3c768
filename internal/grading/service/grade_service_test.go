package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"codelab/internal/common/cache"
	"codelab/internal/common/db"
	"codelab/internal/common/mq"
	"codelab/internal/common/storage"
	"codelab/internal/grading"
	"codelab/internal/grading/model"
	"codelab/internal/grading/repository"
	"codelab/internal/sandbox"
	"codelab/internal/sandbox/spec"
	"codelab/internal/toolchain"
)

type execResult struct {
	affected int64
}

func (r execResult) LastInsertId() (int64, error) { return 0, nil }
func (r execResult) RowsAffected() (int64, error) { return r.affected, nil }

type gradeDBTx struct {
	execs      []string
	args       [][]interface{}
	committed  bool
	rolledBack bool
}

func (t *gradeDBTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}

func (t *gradeDBTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (t *gradeDBTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	t.execs = append(t.execs, query)
	t.args = append(t.args, args)
	return execResult{affected: 1}, nil
}

func (t *gradeDBTx) Commit() error   { t.committed = true; return nil }
func (t *gradeDBTx) Rollback() error { t.rolledBack = true; return nil }

type subRow struct {
	sub *model.Submission
}

func (r subRow) Scan(dest ...interface{}) error {
	s := r.sub
	*(dest[0].(*string)) = s.ID
	*(dest[1].(*string)) = s.ProblemID
	*(dest[2].(*string)) = s.UserID
	*(dest[3].(*string)) = s.SourceKey
	*(dest[4].(*string)) = s.SourceHash
	*(dest[5].(*string)) = s.Language
	*(dest[6].(*int)) = s.AttemptNumber
	*(dest[7].(*bool)) = s.IsFinalSubmission
	*(dest[8].(*model.Status)) = s.Status
	*(dest[9].(*int)) = s.Score
	*(dest[10].(*int)) = s.MaxScore
	*(dest[11].(*int64)) = s.ExecutionTimeMs
	*(dest[12].(*float64)) = s.MemoryUsedMB
	*(dest[13].(*int)) = s.TestCasesPassed
	*(dest[14].(*int)) = s.TestCasesTotal
	*(dest[15].(*string)) = s.ErrorMessage
	*(dest[16].(*string)) = s.CompileOutput
	*(dest[17].(*string)) = s.RuntimeOutput
	*(dest[18].(*time.Time)) = s.SubmittedAt
	*(dest[19].(**time.Time)) = s.EvaluatedAt
	return nil
}

type problemRow struct {
	id      string
	timeSec float64
	memMB   int64
}

func (r problemRow) Scan(dest ...interface{}) error {
	*(dest[0].(*string)) = r.id
	*(dest[1].(*float64)) = r.timeSec
	*(dest[2].(*int64)) = r.memMB
	return nil
}

type caseRows struct {
	cases []model.TestCase
	idx   int
}

func (r *caseRows) Next() bool {
	r.idx++
	return r.idx <= len(r.cases)
}

func (r *caseRows) Scan(dest ...interface{}) error {
	tc := r.cases[r.idx-1]
	*(dest[0].(*string)) = tc.ID
	*(dest[1].(*string)) = tc.ProblemID
	*(dest[2].(*int)) = tc.OrderIndex
	*(dest[3].(*model.Visibility)) = tc.Visibility
	*(dest[4].(*bool)) = tc.IsSample
	*(dest[5].(*string)) = tc.InputData
	*(dest[6].(*string)) = tc.ExpectedOutput
	*(dest[7].(*int)) = tc.Points
	*(dest[8].(*float64)) = tc.TimeLimitSecOverride
	*(dest[9].(*int64)) = tc.MemoryLimitMBOverride
	return nil
}

func (r *caseRows) Close() error { return nil }
func (r *caseRows) Err() error   { return nil }

// gradeDB serves one submission, one problem, and its cases.
type gradeDB struct {
	sub     *model.Submission
	problem problemRow
	cases   []model.TestCase
	tx      gradeDBTx
}

func (d *gradeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return &caseRows{cases: d.cases}, nil
}

func (d *gradeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	if strings.Contains(query, "FROM problems") {
		return d.problem
	}
	return subRow{sub: d.sub}
}

func (d *gradeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return execResult{affected: 1}, nil
}

func (d *gradeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	if err := fn(&d.tx); err != nil {
		d.tx.rolledBack = true
		return err
	}
	d.tx.committed = true
	return nil
}

func (d *gradeDB) Ping(ctx context.Context) error { return nil }
func (d *gradeDB) Close() error                   { return nil }

type fakeObjectStore struct {
	objects map[string][]byte
}

func (s *fakeObjectStore) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	return io.NopCloser(bytes.NewReader(s.objects[key])), nil
}

func (s *fakeObjectStore) PutObject(ctx context.Context, bucket, key string, reader storage.ObjectReader, size int64, contentType string) error {
	return nil
}

func (s *fakeObjectStore) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	return storage.ObjectStat{SizeBytes: int64(len(s.objects[key]))}, nil
}

func (s *fakeObjectStore) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	return nil
}

type fakeQueue struct{}

func (fakeQueue) Publish(ctx context.Context, topic string, msg *mq.Message) error { return nil }
func (fakeQueue) PublishBatch(ctx context.Context, topic string, msgs []*mq.Message) error {
	return nil
}
func (fakeQueue) Subscribe(ctx context.Context, topic string, h mq.HandlerFunc) error { return nil }
func (fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, h mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}
func (fakeQueue) Start() error { return nil }
func (fakeQueue) Stop() error { return nil }
func (fakeQueue) Pause() error { return nil }
func (fakeQueue) Resume() error { return nil }
func (fakeQueue) Ping(ctx context.Context) error { return nil }
func (fakeQueue) Close() error { return nil }

// echoSession answers every case with its own input, so cases whose
// expected output equals their input pass.
type echoSession struct{}

func (echoSession) Compile(ctx context.Context, limits spec.ResourceLimit) (sandbox.CompileResult, error) {
	return sandbox.CompileResult{OK: true}, nil
}

func (echoSession) RunCase(ctx context.Context, caseID string, input []byte, limits spec.ResourceLimit) (sandbox.CaseResult, error) {
	return sandbox.CaseResult{Status: sandbox.RunOK, Stdout: string(input)}, nil
}

func (echoSession) Close() error { return nil }

type echoBackend struct{}

func (echoBackend) NewSession(submissionID string, prof toolchain.Profile, source []byte) (grading.ExecSession, error) {
	return echoSession{}, nil
}

func (echoBackend) Kill(ctx context.Context, submissionID string) error { return nil }

func newTestGradeService(t *testing.T, database *gradeDB, source []byte) (*GradeService, *repository.StatusCache) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	status := repository.NewStatusCache(c)

	subs, err := repository.NewSubmissionRepository(database, nil, "")
	if err != nil {
		t.Fatalf("new submission repository: %v", err)
	}
	cases, err := repository.NewTestCaseRepository(database)
	if err != nil {
		t.Fatalf("new test case repository: %v", err)
	}
	orch, err := grading.NewOrchestrator(toolchain.NewRegistry(), echoBackend{}, grading.Config{})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	store := &fakeObjectStore{objects: map[string][]byte{"src/sub-1.py": source}}

	svc, err := NewGradeService(subs, cases, status, orch, store, fakeQueue{}, GradeServiceConfig{
		SourceBucket: "grader",
	})
	if err != nil {
		t.Fatalf("new grade service: %v", err)
	}
	return svc, status
}

func pendingSubmission(sourceHash string) *model.Submission {
	return &model.Submission{
		ID:          "sub-1",
		ProblemID:   "prob-1",
		Language:    "python",
		SourceKey:   "src/sub-1.py",
		SourceHash:  sourceHash,
		Status:      model.StatusPending,
		SubmittedAt: time.Now(),
	}
}

func gradeTaskMessage(t *testing.T) *mq.Message {
	t.Helper()
	body, err := json.Marshal(model.GradeTask{SubmissionID: "sub-1", ProblemID: "prob-1"})
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return mq.NewMessage(body)
}

func TestHandleMessageGradesAndClearsLiveStatus(t *testing.T) {
	ctx := context.Background()
	source := []byte("print(input())\n")
	sum := sha256.Sum256(source)

	database := &gradeDB{
		sub:     pendingSubmission(hex.EncodeToString(sum[:])),
		problem: problemRow{id: "prob-1", timeSec: 1, memMB: 64},
		cases: []model.TestCase{
			{ID: "t1", ProblemID: "prob-1", InputData: "1\n", ExpectedOutput: "1\n", Points: 100},
		},
	}
	svc, status := newTestGradeService(t, database, source)

	if err := svc.HandleMessage(ctx, gradeTaskMessage(t)); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	if !database.tx.committed || len(database.tx.execs) == 0 {
		t.Fatal("terminal result not persisted")
	}
	if got := database.tx.args[0][0]; got != model.StatusAccepted {
		t.Fatalf("persisted status = %v, want accepted", got)
	}
	// Terminal submissions are served from the database; the live
	// record must be gone.
	if _, ok := status.Get(ctx, "sub-1"); ok {
		t.Fatal("live status should be cleared after the terminal result is persisted")
	}
}

func TestHandleMessageSourceHashMismatchFinalizes(t *testing.T) {
	ctx := context.Background()
	source := []byte("print(input())\n")

	database := &gradeDB{
		sub:     pendingSubmission("0000000000000000000000000000000000000000000000000000000000000000"),
		problem: problemRow{id: "prob-1", timeSec: 1, memMB: 64},
		cases: []model.TestCase{
			{ID: "t1", ProblemID: "prob-1", InputData: "1\n", ExpectedOutput: "1\n", Points: 100},
		},
	}
	svc, status := newTestGradeService(t, database, source)

	// Corrupted source is deterministic; the handler must finalize
	// instead of sending the task back for a queue retry.
	if err := svc.HandleMessage(ctx, gradeTaskMessage(t)); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	if got := database.tx.args[0][0]; got != model.StatusInternalError {
		t.Fatalf("persisted status = %v, want internal_error", got)
	}
	if _, ok := status.Get(ctx, "sub-1"); ok {
		t.Fatal("live status should be cleared after finalization")
	}
}
