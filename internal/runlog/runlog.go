// Package runlog records job runs in address_job_runs.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/db"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Entry is a row of address_job_runs.
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	Job         string         `json:"job"`
	Scope       string         `json:"scope"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Rows        int64          `json:"rows"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Log reads and writes address_job_runs.
type Log struct {
	pool db.Pool
}

// New creates a Log on pool.
func New(pool db.Pool) *Log {
	return &Log{pool: pool}
}

// Start records a running job and returns its id.
func (l *Log) Start(ctx context.Context, job, scope string) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := l.pool.Exec(ctx,
		`INSERT INTO address_job_runs (id, job, scope, status, started_at)
		 VALUES ($1, $2, $3, 'running', now())`,
		id, job, scope,
	); err != nil {
		return uuid.Nil, eris.Wrapf(err, "runlog: start %s/%s", job, scope)
	}
	return id, nil
}

// Complete marks a run complete with its row count and metadata.
func (l *Log) Complete(ctx context.Context, id uuid.UUID, rows int64, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return eris.Wrap(err, "runlog: marshal metadata")
		}
	}
	if _, err := l.pool.Exec(ctx,
		`UPDATE address_job_runs
		 SET status = 'complete', completed_at = now(), rows = $1, metadata = $2
		 WHERE id = $3`,
		rows, meta, id,
	); err != nil {
		return eris.Wrapf(err, "runlog: complete %s", id)
	}
	return nil
}

// Fail marks a run failed.
func (l *Log) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := l.pool.Exec(ctx,
		`UPDATE address_job_runs
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	); err != nil {
		return eris.Wrapf(err, "runlog: fail %s", id)
	}
	return nil
}

// LastSuccess returns the start of the latest complete run of job/scope, or
// nil when there is none.
func (l *Log) LastSuccess(ctx context.Context, job, scope string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM address_job_runs
		 WHERE job = $1 AND scope = $2 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		job, scope,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: last success for %s/%s", job, scope)
	}
	return &t, nil
}
