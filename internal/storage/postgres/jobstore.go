// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crawlcore/internal/job"
)

// JobStoreConfig controls the Postgres connection pool used for job records.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// JobStore implements job.Store on Postgres. The expected schema:
//
//	CREATE TABLE jobs (
//	    id              TEXT PRIMARY KEY,
//	    targets         JSONB NOT NULL,
//	    config          JSONB NOT NULL,
//	    parent_job_id   TEXT,
//	    submitted_at    TIMESTAMPTZ NOT NULL,
//	    state           TEXT NOT NULL,
//	    error           TEXT NOT NULL DEFAULT '',
//	    urls_crawled    BIGINT NOT NULL DEFAULT 0,
//	    urls_failed     BIGINT NOT NULL DEFAULT 0,
//	    documents_found BIGINT NOT NULL DEFAULT 0
//	);
type JobStore struct {
	pool pgxPool
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job record in the QUEUED state.
func (s *JobStore) CreateJob(ctx context.Context, j job.Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	targetsJSON, err := json.Marshal(j.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	configJSON, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	query := `
		INSERT INTO jobs (id, targets, config, parent_job_id, submitted_at, state)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err = s.pool.Exec(ctx, query,
		j.ID,
		targetsJSON,
		configJSON,
		j.ParentJobID,
		j.Submitted,
		string(job.StateQueued),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateState persists the latest lifecycle state and counters for a job.
func (s *JobStore) UpdateState(
	ctx context.Context,
	jobID string,
	state job.State,
	errText string,
	counters job.Counters,
) error {
	query := `
		UPDATE jobs
		SET state = $1, error = $2, urls_crawled = $3, urls_failed = $4, documents_found = $5
		WHERE id = $6;
	`
	tag, err := s.pool.Exec(ctx, query,
		string(state),
		errText,
		counters.URLsCrawled,
		counters.URLsFailed,
		counters.DocumentsFound,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

// GetJob loads a single job record or returns job.ErrNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	query := `
		SELECT id, targets, config, parent_job_id, submitted_at
		FROM jobs
		WHERE id = $1;
	`
	var (
		j           job.Job
		targetsJSON []byte
		configJSON  []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&j.ID,
		&targetsJSON,
		&configJSON,
		&j.ParentJobID,
		&j.Submitted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("get job: %w", err)
	}
	if err := json.Unmarshal(targetsJSON, &j.Targets); err != nil {
		return job.Job{}, fmt.Errorf("unmarshal targets: %w", err)
	}
	if err := json.Unmarshal(configJSON, &j.Config); err != nil {
		return job.Job{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return j, nil
}

// ListJobs returns all job records ordered by submission time.
func (s *JobStore) ListJobs(ctx context.Context) ([]job.Job, error) {
	query := `
		SELECT id, targets, config, parent_job_id, submitted_at
		FROM jobs
		ORDER BY submitted_at ASC;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		var (
			j           job.Job
			targetsJSON []byte
			configJSON  []byte
		)
		if err := rows.Scan(&j.ID, &targetsJSON, &configJSON, &j.ParentJobID, &j.Submitted); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		if err := json.Unmarshal(targetsJSON, &j.Targets); err != nil {
			return nil, fmt.Errorf("unmarshal targets: %w", err)
		}
		if err := json.Unmarshal(configJSON, &j.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job record.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1;`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}
