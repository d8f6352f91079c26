package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/insight-runtime/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 100
	defaultPrefix = "insight"
)

// statuses fixes the order of the per-status index keys passed to the scripts.
var statuses = []state.JobStatus{
	state.StatusPending,
	state.StatusRunning,
	state.StatusCompleted,
	state.StatusTimedOut,
	state.StatusFailed,
}

// createScript writes a job only if its key does not exist yet.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "doc", ARGV[2], "status", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
local idx = KEYS[1 + tonumber(ARGV[6])]
redis.call("ZADD", idx, ARGV[5], ARGV[7])
redis.call("PEXPIRE", idx, ARGV[4])
return 1
`)

// saveScript is a compare-version-and-set over the whole document. It returns
// the new version on success, -1 when the job is missing and -2 on a version
// mismatch.
var saveScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if not current then
  return -1
end
if tonumber(current) ~= tonumber(ARGV[1]) then
  return -2
end
local next = tonumber(ARGV[1]) + 1
redis.call("HSET", KEYS[1], "version", next, "doc", ARGV[2], "status", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
for i = 2, #KEYS do
  redis.call("ZREM", KEYS[i], ARGV[7])
end
local idx = KEYS[1 + tonumber(ARGV[6])]
redis.call("ZADD", idx, ARGV[5], ARGV[7])
redis.call("PEXPIRE", idx, ARGV[4])
return next
`)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) CreateJob(ctx context.Context, job state.Job) (state.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	job.Version = 1
	raw, err := json.Marshal(job)
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	res, err := createScript.Run(ctx, s.client, s.scriptKeys(job.ID), s.scriptArgs(job, raw, job.Version)...).Int64()
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to create job in redis: %w", err)
	}
	if res == 0 {
		return state.Job{}, fmt.Errorf("job %q: %w", job.ID, state.ErrConflict)
	}
	return job, nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (state.Job, error) {
	if jobID == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	raw, err := s.client.HGet(ctx, s.jobKey(jobID), "doc").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.Job{}, state.ErrNotFound
		}
		return state.Job{}, fmt.Errorf("failed to load job from redis: %w", err)
	}
	var job state.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return state.Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

func (s *Store) SaveJob(ctx context.Context, job state.Job, expectedVersion int64) (state.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	job.Version = expectedVersion + 1
	raw, err := json.Marshal(job)
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	res, err := saveScript.Run(ctx, s.client, s.scriptKeys(job.ID), s.scriptArgs(job, raw, expectedVersion)...).Int64()
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to save job in redis: %w", err)
	}
	switch res {
	case -1:
		return state.Job{}, state.ErrNotFound
	case -2:
		return state.Job{}, fmt.Errorf("job %q expected version %d: %w", job.ID, expectedVersion, state.ErrConflict)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, query state.ListJobsQuery) ([]state.Job, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	max := "+inf"
	if !query.UpdatedBefore.IsZero() {
		max = "(" + strconv.FormatInt(query.UpdatedBefore.UnixMilli(), 10)
	}

	targets := statuses
	if query.Status != "" {
		targets = []state.JobStatus{query.Status}
	}

	out := make([]state.Job, 0)
	for _, status := range targets {
		idx := s.statusIndexKey(status)
		// Lease filtering happens here, so keep paging until the status
		// yields limit matches or its index runs out.
		found := 0
		for offset := int64(0); found < limit; offset += int64(limit) {
			ids, err := s.client.ZRangeByScore(ctx, idx, &goredis.ZRangeBy{
				Min:    "-inf",
				Max:    max,
				Offset: offset,
				Count:  int64(limit),
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to list jobs from redis: %w", err)
			}
			for _, id := range ids {
				job, err := s.LoadJob(ctx, id)
				if errors.Is(err, state.ErrNotFound) {
					// Document expired before its index entry.
					_ = s.client.ZRem(ctx, idx, id).Err()
					continue
				}
				if err != nil {
					return nil, err
				}
				if !query.Matches(job) {
					continue
				}
				out = append(out, job)
				found++
			}
			if len(ids) < limit {
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) scriptKeys(jobID string) []string {
	keys := make([]string, 0, 1+len(statuses))
	keys = append(keys, s.jobKey(jobID))
	for _, status := range statuses {
		keys = append(keys, s.statusIndexKey(status))
	}
	return keys
}

func (s *Store) scriptArgs(job state.Job, raw []byte, version int64) []any {
	return []any{
		version,
		string(raw),
		string(job.Status),
		s.ttl.Milliseconds(),
		job.UpdatedAt.UnixMilli(),
		statusPosition(job.Status),
		job.ID,
	}
}

func statusPosition(status state.JobStatus) int {
	for i, st := range statuses {
		if st == status {
			return i + 1
		}
	}
	return 1
}

func (s *Store) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, jobID)
}

func (s *Store) statusIndexKey(status state.JobStatus) string {
	return fmt.Sprintf("%s:jobs:status:%s", s.prefix, status)
}
