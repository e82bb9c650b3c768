package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"codelab/internal/common/cache"
	"codelab/internal/grading/model"
	"codelab/pkg/utils/logger"
)

// statusTTL bounds how long a live status record outlives its
// submission. Terminal states are served from the database; the cache
// only covers the pending/running window plus a safety margin.
const statusTTL = time.Hour

// StatusCache publishes live grading progress so the lab frontend can
// poll without hitting the database. All operations are best effort;
// a cache outage never fails grading.
type StatusCache struct {
	cache cache.Cache
}

// LiveStatus is the cached progress snapshot for one submission.
type LiveStatus struct {
	Status    model.Status `json:"status"`
	CasesDone int          `json:"cases_done"`
	CasesAll  int          `json:"cases_total"`
}

// NewStatusCache wraps a cache client.
func NewStatusCache(c cache.Cache) *StatusCache {
	return &StatusCache{cache: c}
}

func statusKey(submissionID string) string {
	return fmt.Sprintf("grade:status:%s", submissionID)
}

// SetStatus records the submission's current lifecycle state.
func (s *StatusCache) SetStatus(ctx context.Context, submissionID string, status model.Status) {
	key := statusKey(submissionID)
	if err := s.cache.HSet(ctx, key, "status", string(status)); err != nil {
		logger.Warn(ctx, "status cache write failed",
			zap.String("submission_id", submissionID), zap.Error(err))
		return
	}
	_ = s.cache.Expire(ctx, key, statusTTL)
}

// SetProgress records how many cases have finished.
func (s *StatusCache) SetProgress(ctx context.Context, submissionID string, done, total int) {
	key := statusKey(submissionID)
	err := s.cache.HMSet(ctx, key, map[string]interface{}{
		"cases_done":  done,
		"cases_total": total,
	})
	if err != nil {
		logger.Warn(ctx, "progress cache write failed",
			zap.String("submission_id", submissionID), zap.Error(err))
		return
	}
	_ = s.cache.Expire(ctx, key, statusTTL)
}

// Get returns the live snapshot, or ok=false when nothing is cached.
func (s *StatusCache) Get(ctx context.Context, submissionID string) (LiveStatus, bool) {
	fields, err := s.cache.HGetAll(ctx, statusKey(submissionID))
	if err != nil || len(fields) == 0 {
		return LiveStatus{}, false
	}
	ls := LiveStatus{Status: model.Status(fields["status"])}
	ls.CasesDone, _ = strconv.Atoi(fields["cases_done"])
	ls.CasesAll, _ = strconv.Atoi(fields["cases_total"])
	return ls, true
}

// Clear drops the live record, typically after the terminal result is
// persisted.
func (s *StatusCache) Clear(ctx context.Context, submissionID string) {
	_ = s.cache.Del(ctx, statusKey(submissionID))
}
