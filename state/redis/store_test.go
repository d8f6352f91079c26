package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/insight-runtime/state"
	"github.com/PipeOpsHQ/insight-runtime/state/statetest"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "insight-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		return newTestRedisStore(t)
	})
}

func TestRedisStore_SetsTTLOnJobKey(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	if _, err := s.CreateJob(ctx, statetest.SampleJob("job-ttl")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	ttl, err := s.client.TTL(ctx, s.jobKey("job-ttl")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("unexpected ttl: %s", ttl)
	}
}

func TestRedisStore_StatusIndexFollowsSaves(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	created, err := s.CreateJob(ctx, statetest.SampleJob("job-index"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	created.Status = state.StatusCompleted
	if _, err := s.SaveJob(ctx, created, created.Version); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	running, err := s.ListJobs(ctx, state.ListJobsQuery{Status: state.StatusRunning})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("job still indexed as running: %#v", running)
	}
	done, err := s.ListJobs(ctx, state.ListJobsQuery{Status: state.StatusCompleted})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("expected 1 completed job, got %d", len(done))
	}
}
