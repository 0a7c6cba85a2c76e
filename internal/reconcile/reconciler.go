// Package reconcile sweeps up reminder records whose task is gone. A crash
// between a task deletion and its cancel call can leave a dangling reminder;
// the sweep recovers it without the cancel path having to be transactional.
package reconcile

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"taskminder/internal/domain"
	"taskminder/internal/store"
)

type TaskStore interface {
	Get(ctx context.Context, id string) (domain.Task, error)
}

type ReminderStore interface {
	List(ctx context.Context) ([]domain.Reminder, error)
	Delete(ctx context.Context, id string) error
}

type Sweeper struct {
	tasks     TaskStore
	reminders ReminderStore
}

func NewSweeper(tasks TaskStore, reminders ReminderStore) *Sweeper {
	return &Sweeper{tasks: tasks, reminders: reminders}
}

// Sweep deletes every reminder whose task reference no longer resolves and
// returns how many were removed. One record failing does not stop the rest.
func (s *Sweeper) Sweep(ctx context.Context) int {
	rems, err := s.reminders.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: list reminders")
		return 0
	}

	removed := 0
	for _, rem := range rems {
		_, err := s.tasks.Get(ctx, rem.TaskID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("reminder_id", rem.ID).Msg("reconciler: resolve task, skipping")
			continue
		}
		if err := s.reminders.Delete(ctx, rem.ID); err != nil {
			log.Error().Err(err).Str("reminder_id", rem.ID).Msg("reconciler: delete orphan, skipping")
			continue
		}
		removed++
		log.Info().Str("reminder_id", rem.ID).Str("task_id", rem.TaskID).Msg("orphaned reminder removed")
	}
	return removed
}

// Start runs the sweep on the given cron schedule (e.g. "@every 10m") until
// the returned cron is stopped.
func (s *Sweeper) Start(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return nil, err
	}
	c.Start()
	log.Info().Str("schedule", schedule).Msg("orphan reminder sweep started")
	return c, nil
}
