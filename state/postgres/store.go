// Package postgres stores job documents in a jsonb column behind a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PipeOpsHQ/insight-runtime/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultLimit    = 100
	uniqueViolation = "23505"
)

type Config struct {
	DSN string

	MaxConns int32
	MinConns int32
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) CreateJob(ctx context.Context, job state.Job) (state.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return state.Job{}, fmt.Errorf("job id is required")
	}
	job.Version = 1
	doc, err := json.Marshal(job)
	if err != nil {
		return state.Job{}, fmt.Errorf("marshaling job: %w", err)
	}

	const q = `
INSERT INTO insight_jobs (job_id, status, version, attempt_count, created_at, updated_at, lease_expires_at, document)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, q,
		job.ID, string(job.Status), job.Version, job.AttemptCount,
		job.CreatedAt, job.UpdatedAt, job.LeaseExpiresAt, doc,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return state.Job{}, fmt.Errorf("job %q: %w", job.ID, state.ErrConflict)
		}
		return state.Job{}, fmt.Errorf("inserting job: %w", err)
	}
	return job, nil
}

func (s *Store) LoadJob(ctx context.Context, jobID string) (state.Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM insight_jobs WHERE job_id = $1`, jobID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state.Job{}, state.ErrNotFound
		}
		return state.Job{}, fmt.Errorf("loading job: %w", err)
	}
	return decodeJob(doc)
}

func (s *Store) SaveJob(ctx context.Context, job state.Job, expectedVersion int64) (state.Job, error) {
	job.Version = expectedVersion + 1
	doc, err := json.Marshal(job)
	if err != nil {
		return state.Job{}, fmt.Errorf("marshaling job: %w", err)
	}

	const q = `
UPDATE insight_jobs
SET status = $1, version = $2, attempt_count = $3, updated_at = $4, lease_expires_at = $5, document = $6
WHERE job_id = $7 AND version = $8`
	tag, err := s.pool.Exec(ctx, q,
		string(job.Status), job.Version, job.AttemptCount, job.UpdatedAt, job.LeaseExpiresAt, doc,
		job.ID, expectedVersion,
	)
	if err != nil {
		return state.Job{}, fmt.Errorf("updating job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := s.pool.QueryRow(ctx, `SELECT version FROM insight_jobs WHERE job_id = $1`, job.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return state.Job{}, state.ErrNotFound
		}
		if err != nil {
			return state.Job{}, fmt.Errorf("reading job version: %w", err)
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
		args = append(args, string(query.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !query.UpdatedBefore.IsZero() {
		args = append(args, query.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	if !query.LeaseExpiredBefore.IsZero() {
		args = append(args, query.LeaseExpiredBefore)
		where = append(where, fmt.Sprintf("(lease_expires_at IS NULL OR lease_expires_at < $%d)", len(args)))
	}
	sqlText := `SELECT document FROM insight_jobs`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sqlText += fmt.Sprintf(" ORDER BY updated_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	out := make([]state.Job, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		job, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func decodeJob(doc []byte) (state.Job, error) {
	var job state.Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return state.Job{}, fmt.Errorf("decoding job document: %w", err)
	}
	return job, nil
}
