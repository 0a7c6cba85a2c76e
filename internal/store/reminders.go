package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"taskminder/internal/domain"
)

type ReminderRepo struct{ db *sql.DB }

func NewReminderRepo(db *sql.DB) *ReminderRepo { return &ReminderRepo{db: db} }

func (r *ReminderRepo) Create(ctx context.Context, rem domain.Reminder) (string, error) {
	id := rem.ID
	if id == "" {
		id = "rem_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO reminders (id,task_id,remind_at_ms,is_sent,created_at_ms) VALUES (?,?,?,0,?)
`, id, rem.TaskID, ms(rem.RemindAt), ms(time.Now()))
	return id, err
}

func (r *ReminderRepo) Get(ctx context.Context, id string) (domain.Reminder, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,task_id,remind_at_ms,is_sent,created_at_ms FROM reminders WHERE id=?`, id)
	return scanReminder(row)
}

func (r *ReminderRepo) List(ctx context.Context) ([]domain.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,remind_at_ms,is_sent,created_at_ms FROM reminders ORDER BY remind_at_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rems []domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		rems = append(rems, rem)
	}
	return rems, rows.Err()
}

func (r *ReminderRepo) UnsentByTask(ctx context.Context, taskID string) ([]domain.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,remind_at_ms,is_sent,created_at_ms FROM reminders WHERE task_id=? AND is_sent=0`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rems []domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		rems = append(rems, rem)
	}
	return rems, rows.Err()
}

// MarkSent flips the task's unsent reminder to sent. Reminders are always
// addressed by their task reference, never by guessing the reminder's own id.
// Returns false when no unsent reminder matched.
func (r *ReminderRepo) MarkSent(ctx context.Context, taskID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE reminders SET is_sent=1 WHERE task_id=? AND is_sent=0`, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *ReminderRepo) DeleteByTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reminders WHERE task_id=?`, taskID)
	return err
}

// DeleteUnsentByTask drops pending reminders, keeping delivered ones for audit.
func (r *ReminderRepo) DeleteUnsentByTask(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reminders WHERE task_id=? AND is_sent=0`, taskID)
	return err
}

func (r *ReminderRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reminders WHERE id=?`, id)
	return err
}

func scanReminder(row rowScanner) (domain.Reminder, error) {
	var rem domain.Reminder
	var sent int
	var remindAt, createdAt int64
	err := row.Scan(&rem.ID, &rem.TaskID, &remindAt, &sent, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, ErrNotFound
	}
	if err != nil {
		return domain.Reminder{}, err
	}
	rem.RemindAt = fromMS(remindAt)
	rem.IsSent = sent != 0
	rem.CreatedAt = fromMS(createdAt)
	return rem, nil
}
