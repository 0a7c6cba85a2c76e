package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"taskminder/internal/domain"
)

var ErrEmpty = errors.New("no jobs due")

// leaseWindow is how long a claimed job stays invisible to other workers
// before RecoverStale hands it back.
const leaseWindow = 60 * time.Second

// EnsureSchema creates the jobs table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  task_id TEXT NOT NULL,
  payload BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('waiting','delayed','active','completed','failed')) DEFAULT 'waiting',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  backoff_base_ms INTEGER NOT NULL DEFAULT 5000,
  run_at_ms INTEGER NOT NULL,
  lease_until_ms INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at_ms INTEGER NOT NULL,
  updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(state, run_at_ms);
CREATE INDEX IF NOT EXISTS idx_jobs_task ON jobs(task_id, state);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, j domain.Job, delay time.Duration) (string, error)
	CancelByTask(ctx context.Context, taskID string) (bool, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Job, Lease, error)
	Retry(ctx context.Context, id, errStr string, delay time.Duration) error
	Fail(ctx context.Context, id, errStr string) error
	Succeed(ctx context.Context, id string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	PendingForTask(ctx context.Context, taskID string) ([]domain.Job, error)
	CountByState(ctx context.Context) (map[string]int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

// Timestamps are stored as integer epoch milliseconds so sub-second delays
// compare exactly.
func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(m int64) time.Time { return time.UnixMilli(m).UTC() }

func (r *sqliteRepo) Enqueue(ctx context.Context, j domain.Job, delay time.Duration) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.BackoffBase == 0 {
		j.BackoffBase = 5 * time.Second
	}
	state := domain.JobWaiting
	if delay > 0 {
		state = domain.JobDelayed
	}
	now := time.Now()

	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id,kind,task_id,payload,state,attempts,max_attempts,backoff_base_ms,run_at_ms,created_at_ms,updated_at_ms)
VALUES (?,?,?,?,?,0,?,?,?,?,?)
`, id, j.Kind, j.TaskID, j.Payload, state, j.MaxAttempts, j.BackoffBase.Milliseconds(), ms(now.Add(delay)), ms(now), ms(now))
	return id, err
}

// CancelByTask removes the first not-yet-due job for the task. Removing
// nothing is not an error: cancellation is idempotent.
func (r *sqliteRepo) CancelByTask(ctx context.Context, taskID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM jobs WHERE id = (
  SELECT id FROM jobs
  WHERE task_id = ? AND state IN ('waiting','delayed')
  ORDER BY created_at_ms ASC
  LIMIT 1
)`, taskID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Job, Lease, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,kind,task_id,payload,state,attempts,max_attempts,backoff_base_ms,run_at_ms,lease_until_ms,last_error,created_at_ms,updated_at_ms
FROM jobs
WHERE state IN ('waiting','delayed') AND run_at_ms <= ?
ORDER BY run_at_ms ASC
LIMIT 1
`, ms(now))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.Job{}, Lease{}, rbErr
		}
		return domain.Job{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, Lease{}, err
	}

	leaseUntil := now.Add(leaseWindow)
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET state='active', lease_until_ms=?, updated_at_ms=? WHERE id=?`,
		ms(leaseUntil), ms(now), j.ID)
	if err != nil {
		return domain.Job{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, Lease{}, err
	}
	j.State = domain.JobActive
	return j, Lease{Until: leaseUntil}, nil
}

// Retry puts the job back in line after a transient failure.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET attempts = attempts + 1, state = 'delayed', run_at_ms = ?, last_error = ?, updated_at_ms = ?
WHERE id = ?`, ms(now.Add(delay)), errStr, ms(now), id)
	return err
}

// Fail marks the job terminally failed. It will not be picked up again.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET attempts = attempts + 1, state = 'failed', last_error = ?, updated_at_ms = ? WHERE id = ?`,
		errStr, ms(time.Now()), id)
	return err
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET attempts = attempts + 1, state = 'completed', updated_at_ms = ? WHERE id = ?`,
		ms(time.Now()), id)
	return err
}

// RecoverStale returns active jobs whose lease expired (worker crash) to the
// queue, due immediately.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='delayed', run_at_ms=?, updated_at_ms=? WHERE state='active' AND lease_until_ms < ?`,
		ms(now), ms(now), ms(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,kind,task_id,payload,state,attempts,max_attempts,backoff_base_ms,run_at_ms,lease_until_ms,last_error,created_at_ms,updated_at_ms
FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

func (r *sqliteRepo) PendingForTask(ctx context.Context, taskID string) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,kind,task_id,payload,state,attempts,max_attempts,backoff_base_ms,run_at_ms,lease_until_ms,last_error,created_at_ms,updated_at_ms
FROM jobs WHERE task_id=? AND state IN ('waiting','delayed') ORDER BY run_at_ms ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteRepo) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var backoffMS, runAt, leaseUntil, createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.Kind, &j.TaskID, &j.Payload, &j.State, &j.Attempts, &j.MaxAttempts,
		&backoffMS, &runAt, &leaseUntil, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	j.RunAt = fromMS(runAt)
	j.LeaseUntil = fromMS(leaseUntil)
	j.CreatedAt = fromMS(createdAt)
	j.UpdatedAt = fromMS(updatedAt)
	return j, nil
}
