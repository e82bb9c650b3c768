package repository

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"codelab/internal/common/cache"
	"codelab/internal/grading/model"
)

func newTestStatusCache(t *testing.T) *StatusCache {
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
	return NewStatusCache(c)
}

func TestStatusCacheLifecycle(t *testing.T) {
	sc := newTestStatusCache(t)
	ctx := context.Background()

	if _, ok := sc.Get(ctx, "sub-1"); ok {
		t.Fatal("empty cache should report no status")
	}

	sc.SetStatus(ctx, "sub-1", model.StatusRunning)
	sc.SetProgress(ctx, "sub-1", 2, 5)

	live, ok := sc.Get(ctx, "sub-1")
	if !ok {
		t.Fatal("expected cached status")
	}
	if live.Status != model.StatusRunning {
		t.Fatalf("status = %s, want running", live.Status)
	}
	if live.CasesDone != 2 || live.CasesAll != 5 {
		t.Fatalf("progress = %d/%d, want 2/5", live.CasesDone, live.CasesAll)
	}

	sc.SetStatus(ctx, "sub-1", model.StatusAccepted)
	live, ok = sc.Get(ctx, "sub-1")
	if !ok || live.Status != model.StatusAccepted {
		t.Fatalf("status = %s, want accepted", live.Status)
	}
	// Progress survives a status update within the same hash.
	if live.CasesDone != 2 {
		t.Fatalf("progress lost on status update: %d", live.CasesDone)
	}

	sc.Clear(ctx, "sub-1")
	if _, ok := sc.Get(ctx, "sub-1"); ok {
		t.Fatal("cleared record should be gone")
	}
}

func TestStatusCacheRecordsExpire(t *testing.T) {
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	sc := NewStatusCache(c)
	ctx := context.Background()

	sc.SetStatus(ctx, "sub-2", model.StatusRunning)
	mini.FastForward(statusTTL + 1)

	if _, ok := sc.Get(ctx, "sub-2"); ok {
		t.Fatal("record should have expired")
	}
}
