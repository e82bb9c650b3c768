package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"codelab/internal/common/mq"
	"codelab/internal/common/storage"
	"codelab/internal/grading"
	"codelab/internal/grading/model"
	"codelab/internal/grading/repository"
	"codelab/pkg/errors"
	"codelab/pkg/utils/logger"
)

// GradeServiceConfig tunes the consumer side of grading.
type GradeServiceConfig struct {
	// Topic is the intake topic grading tasks arrive on.
	Topic string

	// DeadLetterTopic receives tasks that exhausted their retry or
	// pool bounce budget.
	DeadLetterTopic string

	// PoolSize bounds concurrent sandbox sessions on this worker.
	PoolSize int

	// MaxPoolBounces bounds how often a task may be requeued because
	// the pool was full.
	MaxPoolBounces int

	// AdmitTimeout is how long a task waits for a pool slot before it
	// is requeued.
	AdmitTimeout time.Duration

	// SourceBucket holds submitted sources.
	SourceBucket string

	// SourceMaxBytes caps how much source is read from storage.
	SourceMaxBytes int64
}

func (c *GradeServiceConfig) setDefaults() {
	if c.Topic == "" {
		c.Topic = "grade.submit"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxPoolBounces <= 0 {
		c.MaxPoolBounces = 10
	}
	if c.AdmitTimeout <= 0 {
		c.AdmitTimeout = 500 * time.Millisecond
	}
	if c.SourceMaxBytes <= 0 {
		c.SourceMaxBytes = 1 << 20
	}
}

// GradeService consumes grading tasks from the queue, fetches the
// submitted source, drives the orchestrator, and persists the outcome.
type GradeService struct {
	subs   *repository.SubmissionRepository
	cases  *repository.TestCaseRepository
	status *repository.StatusCache
	orch   *grading.Orchestrator
	store  storage.ObjectStorage
	queue  mq.MessageQueue
	cfg    GradeServiceConfig

	slots chan struct{}
}

// NewGradeService wires the grading consumer.
func NewGradeService(
	subs *repository.SubmissionRepository,
	cases *repository.TestCaseRepository,
	status *repository.StatusCache,
	orch *grading.Orchestrator,
	store storage.ObjectStorage,
	queue mq.MessageQueue,
	cfg GradeServiceConfig,
) (*GradeService, error) {
	if subs == nil || cases == nil || orch == nil || store == nil || queue == nil {
		return nil, errors.New(errors.InvalidParams).WithMessage("grade service dependencies are incomplete")
	}
	cfg.setDefaults()
	return &GradeService{
		subs:   subs,
		cases:  cases,
		status: status,
		orch:   orch,
		store:  store,
		queue:  queue,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.PoolSize),
	}, nil
}

// Subscribe attaches the service to its intake topic. The fetch
// limiter is sized to the pool so the consumer never pulls more tasks
// than it can grade.
func (s *GradeService) Subscribe(ctx context.Context) error {
	opts := &mq.SubscribeOptions{
		Concurrency:     s.cfg.PoolSize,
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		DeadLetterTopic: s.cfg.DeadLetterTopic,
		Limiter:         mq.NewTokenLimiter(s.cfg.PoolSize),
	}
	return s.queue.SubscribeWithOptions(ctx, s.cfg.Topic, s.HandleMessage, opts)
}

// HandleMessage processes one grading task. Returning an error hands
// the message back to the queue's retry machinery; nil acknowledges.
func (s *GradeService) HandleMessage(ctx context.Context, msg *mq.Message) error {
	var task model.GradeTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		logger.Error(ctx, "malformed grading task",
			zap.String("message_id", msg.ID), zap.Error(err))
		return errors.Wrap(err, errors.InvalidParams)
	}
	ctx = logger.WithSubmissionID(ctx, task.SubmissionID)

	if !s.acquireSlot(ctx) {
		return requeueForPoolFull(ctx, s.queue, s.cfg.Topic, s.cfg.DeadLetterTopic, msg, s.cfg.MaxPoolBounces)
	}
	defer s.releaseSlot()

	return s.grade(ctx, task)
}

func (s *GradeService) acquireSlot(ctx context.Context) bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.AdmitTimeout):
		return false
	}
}

func (s *GradeService) releaseSlot() {
	<-s.slots
}

func (s *GradeService) grade(ctx context.Context, task model.GradeTask) error {
	sub, err := s.subs.GetByID(ctx, task.SubmissionID)
	if err != nil {
		if errors.GetCode(err) == errors.SubmissionNotFound {
			logger.Warn(ctx, "grading task for unknown submission, dropping",
				zap.String("submission_id", task.SubmissionID))
			return nil
		}
		return err
	}
	if sub.IsGraded() {
		logger.Info(ctx, "submission already graded, dropping redelivery",
			zap.String("status", string(sub.Status)))
		return nil
	}

	if err := s.subs.MarkRunning(ctx, sub.ID); err != nil {
		if errors.GetCode(err) == errors.SubmissionAlreadyFinal {
			return nil
		}
		return err
	}
	sub.Status = model.StatusRunning
	if s.status != nil {
		s.status.SetStatus(ctx, sub.ID, model.StatusRunning)
	}

	source, err := s.downloadSource(ctx, sub)
	if err != nil {
		switch errors.GetCode(err) {
		case errors.SourceHashMismatch:
			// Deterministic corruption, not worth a queue retry.
			return s.finalizeFailure(ctx, sub, "stored source does not match its recorded hash")
		case errors.CodeTooLarge:
			return s.finalizeFailure(ctx, sub, "submitted source exceeds the size limit")
		}
		return err
	}

	problem, err := s.cases.GetProblemSpec(ctx, sub.ProblemID)
	if err != nil {
		if errors.GetCode(err) == errors.ProblemNotFound {
			return s.finalizeFailure(ctx, sub, "problem configuration is missing")
		}
		return err
	}

	gradeErr := s.orch.Grade(ctx, sub, source, problem)
	if gradeErr != nil {
		logger.Error(ctx, "grading finished with infrastructure error", zap.Error(gradeErr))
	}

	if err := s.subs.SaveResult(ctx, sub); err != nil {
		if errors.GetCode(err) == errors.SubmissionAlreadyFinal {
			return nil
		}
		return err
	}
	// Terminal results are served from the database; the live record
	// would only go stale.
	if s.status != nil {
		s.status.Clear(ctx, sub.ID)
	}
	logger.Info(ctx, "submission graded",
		zap.String("status", string(sub.Status)),
		zap.Int("score", sub.Score),
		zap.Int("passed", sub.TestCasesPassed),
		zap.Int("total", sub.TestCasesTotal))
	return nil
}

// downloadSource fetches the submitted source and verifies its sha256
// against the hash recorded at submission time.
func (s *GradeService) downloadSource(ctx context.Context, sub *model.Submission) ([]byte, error) {
	reader, err := s.store.GetObject(ctx, s.cfg.SourceBucket, sub.SourceKey)
	if err != nil {
		return nil, errors.Wrapf(err, errors.StorageError, "fetch source %s", sub.SourceKey)
	}
	defer reader.Close()

	hasher := sha256.New()
	limited := io.LimitReader(reader, s.cfg.SourceMaxBytes+1)
	source, err := io.ReadAll(io.TeeReader(limited, hasher))
	if err != nil {
		return nil, errors.Wrapf(err, errors.StorageError, "read source %s", sub.SourceKey)
	}
	if int64(len(source)) > s.cfg.SourceMaxBytes {
		return nil, errors.Newf(errors.CodeTooLarge,
			"source %s exceeds %d bytes", sub.SourceKey, s.cfg.SourceMaxBytes)
	}
	if sub.SourceHash != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if sum != sub.SourceHash {
			return nil, errors.Newf(errors.SourceHashMismatch,
				"source %s hash %s does not match recorded %s", sub.SourceKey, sum, sub.SourceHash)
		}
	}
	return source, nil
}

// finalizeFailure stamps a running submission with internal_error and
// persists it. Used for deterministic pre-grading failures.
func (s *GradeService) finalizeFailure(ctx context.Context, sub *model.Submission, reason string) error {
	sub.Status = model.StatusInternalError
	sub.ErrorMessage = reason
	now := time.Now()
	sub.EvaluatedAt = &now
	if err := s.subs.SaveResult(ctx, sub); err != nil && errors.GetCode(err) != errors.SubmissionAlreadyFinal {
		return err
	}
	if s.status != nil {
		s.status.Clear(ctx, sub.ID)
	}
	logger.Error(ctx, "submission failed before grading", zap.String("reason", reason))
	return nil
}
