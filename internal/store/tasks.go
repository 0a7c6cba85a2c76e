package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"taskminder/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// EnsureSchema creates the task and reminder tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id INTEGER NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  priority TEXT NOT NULL CHECK(priority IN ('LOW','MEDIUM','HIGH')) DEFAULT 'MEDIUM',
  deadline_ms INTEGER,
  status TEXT NOT NULL CHECK(status IN ('PENDING','DONE')) DEFAULT 'PENDING',
  created_at_ms INTEGER NOT NULL,
  updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, status, deadline_ms);
CREATE TABLE IF NOT EXISTS reminders (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  remind_at_ms INTEGER NOT NULL,
  is_sent INTEGER NOT NULL DEFAULT 0,
  created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_task ON reminders(task_id);
`
	_, err := db.Exec(schema)
	return err
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(m int64) time.Time { return time.UnixMilli(m).UTC() }

type TaskRepo struct{ db *sql.DB }

func NewTaskRepo(db *sql.DB) *TaskRepo { return &TaskRepo{db: db} }

func (r *TaskRepo) Create(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	now := time.Now()

	var deadline any
	if t.Deadline != nil {
		deadline = ms(*t.Deadline)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,owner_id,title,description,priority,deadline_ms,status,created_at_ms,updated_at_ms)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, t.OwnerID, t.Title, t.Description, t.Priority, deadline, t.Status, ms(now), ms(now))
	return id, err
}

func (r *TaskRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,owner_id,title,description,priority,deadline_ms,status,created_at_ms,updated_at_ms
FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *TaskRepo) ListByOwner(ctx context.Context, ownerID int64) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,owner_id,title,description,priority,deadline_ms,status,created_at_ms,updated_at_ms
FROM tasks WHERE owner_id=?
ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'MEDIUM' THEN 1 ELSE 2 END,
         deadline_ms IS NULL, deadline_ms ASC, created_at_ms DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// Upcoming lists the owner's pending tasks whose deadline has not passed,
// soonest first.
func (r *TaskRepo) Upcoming(ctx context.Context, ownerID int64, now time.Time) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,owner_id,title,description,priority,deadline_ms,status,created_at_ms,updated_at_ms
FROM tasks WHERE owner_id=? AND status='PENDING' AND deadline_ms >= ?
ORDER BY deadline_ms ASC`, ownerID, ms(now))
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// UpdateDeadline sets or clears (nil) the task's deadline.
func (r *TaskRepo) UpdateDeadline(ctx context.Context, id string, deadline *time.Time) error {
	var v any
	if deadline != nil {
		v = ms(*deadline)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET deadline_ms=?, updated_at_ms=? WHERE id=?`,
		v, ms(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *TaskRepo) SetStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at_ms=? WHERE id=?`,
		status, ms(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var deadline sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &t.Priority, &deadline, &t.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if deadline.Valid {
		d := fromMS(deadline.Int64)
		t.Deadline = &d
	}
	t.CreatedAt = fromMS(createdAt)
	t.UpdatedAt = fromMS(updatedAt)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
