// Package scheduler is the write side of the reminder pipeline: it turns a
// task's deadline into exactly one queued job and keeps that job consistent
// as the task is edited or deleted.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"taskminder/internal/domain"
	"taskminder/internal/queue"
	"taskminder/internal/store"
)

type Service struct {
	queue     queue.Repository
	reminders *store.ReminderRepo
}

func New(q queue.Repository, reminders *store.ReminderRepo) *Service {
	return &Service{queue: q, reminders: reminders}
}

// Schedule enqueues a sendReminder job due at deadline and records the
// matching reminder. A deadline already in the past is a no-op, not an
// error. Queue failures propagate: a deadline with no job behind it would
// never remind anyone.
func (s *Service) Schedule(ctx context.Context, deadline time.Time, p domain.ReminderPayload) error {
	delay := time.Until(deadline)
	if delay <= 0 {
		log.Warn().
			Str("task_id", p.TaskID).
			Time("deadline", deadline).
			Msg("refusing to schedule reminder in the past")
		return nil
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal reminder payload: %w", err)
	}

	jobID, err := s.queue.Enqueue(ctx, domain.Job{
		Kind:        domain.KindSendReminder,
		TaskID:      p.TaskID,
		Payload:     payload,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
	}, delay)
	if err != nil {
		return fmt.Errorf("enqueue reminder: %w", err)
	}

	if _, err := s.reminders.Create(ctx, domain.Reminder{TaskID: p.TaskID, RemindAt: deadline}); err != nil {
		return fmt.Errorf("record reminder: %w", err)
	}

	log.Info().
		Str("task_id", p.TaskID).
		Str("job_id", jobID).
		Time("remind_at", deadline).
		Msg("reminder scheduled")
	return nil
}

// Cancel removes the task's pending job, if any. Safe to call when nothing
// is scheduled.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	removed, err := s.queue.CancelByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	if removed {
		log.Info().Str("task_id", taskID).Msg("reminder cancelled")
	}
	return nil
}

// OnTaskCreated schedules a reminder for a freshly created task with a
// deadline.
func (s *Service) OnTaskCreated(ctx context.Context, t domain.Task) error {
	if t.Deadline == nil {
		return nil
	}
	return s.Schedule(ctx, *t.Deadline, domain.ReminderPayload{TaskID: t.ID, OwnerID: t.OwnerID})
}

// OnDeadlineChanged replaces the task's reminder after its deadline moved or
// was cleared. Queued jobs are never mutated in place: cancel, then schedule.
func (s *Service) OnDeadlineChanged(ctx context.Context, t domain.Task) error {
	if err := s.Cancel(ctx, t.ID); err != nil {
		return err
	}
	if err := s.reminders.DeleteUnsentByTask(ctx, t.ID); err != nil {
		return fmt.Errorf("drop superseded reminder: %w", err)
	}
	if t.Deadline == nil {
		return nil
	}
	return s.Schedule(ctx, *t.Deadline, domain.ReminderPayload{TaskID: t.ID, OwnerID: t.OwnerID})
}

// OnTaskDeleted cancels the pending job and removes the task's reminders.
func (s *Service) OnTaskDeleted(ctx context.Context, taskID string) error {
	if err := s.Cancel(ctx, taskID); err != nil {
		return err
	}
	if err := s.reminders.DeleteByTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}
	return nil
}
