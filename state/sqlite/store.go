package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/insight-runtime/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 100
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, job state.Job) (state.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	job.Version = 1
	doc, err := json.Marshal(job)
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	const q = `
INSERT INTO jobs (job_id, status, version, attempt_count, created_at, updated_at, lease_expires_at, document)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		job.ID,
		string(job.Status),
		job.Version,
		job.AttemptCount,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		toNullableTime(job.LeaseExpiresAt),
		string(doc),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.Job{}, fmt.Errorf("job %q: %w", job.ID, state.ErrConflict)
		}
		return state.Job{}, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (state.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM jobs WHERE job_id = ?;`, jobID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Job{}, state.ErrNotFound
		}
		return state.Job{}, fmt.Errorf("failed to load job: %w", err)
	}
	return decodeJob(doc)
}

func (s *Store) SaveJob(ctx context.Context, job state.Job, expectedVersion int64) (state.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	job.Version = expectedVersion + 1
	doc, err := json.Marshal(job)
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	const q = `
UPDATE jobs SET
  status = ?,
  version = ?,
  attempt_count = ?,
  updated_at = ?,
  lease_expires_at = ?,
  document = ?
WHERE job_id = ? AND version = ?;
`
	res, err := s.db.ExecContext(ctx, q,
		string(job.Status),
		job.Version,
		job.AttemptCount,
		formatTime(job.UpdatedAt),
		toNullableTime(job.LeaseExpiresAt),
		string(doc),
		job.ID,
		expectedVersion,
	)
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to save job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return state.Job{}, fmt.Errorf("failed to read save result: %w", err)
	}
	if n == 0 {
		var current int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM jobs WHERE job_id = ?;`, job.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return state.Job{}, state.ErrNotFound
		}
		if err != nil {
			return state.Job{}, fmt.Errorf("failed to read job version: %w", err)
		}
		return state.Job{}, fmt.Errorf("job %q at version %d, expected %d: %w", job.ID, current, expectedVersion, state.ErrConflict)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, query state.ListJobsQuery) ([]state.Job, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var (
		where []string
		args  []any
	)
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}
	if !query.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(query.UpdatedBefore))
	}
	if !query.LeaseExpiredBefore.IsZero() {
		where = append(where, "(lease_expires_at IS NULL OR lease_expires_at < ?)")
		args = append(args, formatTime(query.LeaseExpiredBefore))
	}

	sqlText := `SELECT document FROM jobs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY updated_at ASC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]state.Job, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		job, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeJob(doc string) (state.Job, error) {
	var job state.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return state.Job{}, fmt.Errorf("failed to decode job document: %w", err)
	}
	return job, nil
}

// formatTime uses a fixed-width layout so that text comparison in SQL orders
// timestamps correctly.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
