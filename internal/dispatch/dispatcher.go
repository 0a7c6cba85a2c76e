// Package dispatch consumes due sendReminder jobs. The dispatcher never
// trusts the job payload alone: it re-reads the task at dispatch time, which
// is what makes at-least-once delivery safe to run from many workers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"taskminder/internal/domain"
	"taskminder/internal/notify"
	"taskminder/internal/store"
)

type TaskStore interface {
	Get(ctx context.Context, id string) (domain.Task, error)
}

type ReminderStore interface {
	MarkSent(ctx context.Context, taskID string) (bool, error)
}

type Dispatcher struct {
	tasks     TaskStore
	reminders ReminderStore
	notifier  notify.Notifier
}

func New(tasks TaskStore, reminders ReminderStore, notifier notify.Notifier) *Dispatcher {
	return &Dispatcher{tasks: tasks, reminders: reminders, notifier: notifier}
}

// Handle runs one due reminder job. A returned error means "retry me": only
// genuinely transient conditions (store read failures, delivery failures)
// surface as errors. A vanished or completed task resolves the job quietly.
func (d *Dispatcher) Handle(ctx context.Context, payload json.RawMessage) error {
	var p domain.ReminderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid reminder payload: %w", err)
	}

	t, err := d.tasks.Get(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted after the job was created, or cancellation raced with
		// dispatch. Already resolved either way.
		log.Warn().Str("task_id", p.TaskID).Msg("task gone before reminder fired")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch task: %w", err)
	}

	if t.Status == domain.StatusDone {
		log.Info().Str("task_id", t.ID).Msg("task already done, skipping reminder")
		return nil
	}

	dest := t.OwnerID
	if dest == 0 {
		dest = p.OwnerID
	}
	if err := d.notifier.Deliver(ctx, dest, ComposeMessage(t)); err != nil {
		return fmt.Errorf("deliver reminder: %w", err)
	}

	marked, err := d.reminders.MarkSent(ctx, t.ID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("reminder delivered but bookkeeping update failed")
	} else if !marked {
		log.Warn().Str("task_id", t.ID).Msg("reminder delivered but no unsent reminder record matched")
	}

	log.Info().Str("task_id", t.ID).Int64("chat_id", dest).Msg("reminder sent")
	return nil
}

// ComposeMessage renders the reminder text from the task's current fields.
func ComposeMessage(t domain.Task) string {
	lines := []string{
		"⏰ Reminder!",
		"Task: " + t.Title,
	}
	if t.Description != "" {
		lines = append(lines, "Details: "+t.Description)
	}
	if t.Priority != "" {
		lines = append(lines, "Priority: "+t.Priority)
	}
	if t.Deadline != nil {
		lines = append(lines, "Due: "+t.Deadline.Local().Format("2006-01-02 15:04"))
	}
	lines = append(lines, "", "Reply with /done to mark as completed")
	return strings.Join(lines, "\n")
}
