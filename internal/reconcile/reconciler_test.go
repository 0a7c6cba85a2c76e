package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskminder/internal/domain"
	"taskminder/internal/store"
)

func newTestStores(t *testing.T) (*store.TaskRepo, *store.ReminderRepo) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconcile.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.NewTaskRepo(db), store.NewReminderRepo(db)
}

func TestSweepRemovesOrphans(t *testing.T) {
	tasks, reminders := newTestStores(t)
	ctx := context.Background()

	liveID, err := tasks.Create(ctx, domain.Task{OwnerID: 1, Title: "still here"})
	require.NoError(t, err)
	_, err = reminders.Create(ctx, domain.Reminder{TaskID: liveID, RemindAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	// Reminder left behind by a task deleted out-of-band, bypassing cancel.
	_, err = reminders.Create(ctx, domain.Reminder{TaskID: "tsk_ghost", RemindAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	sweeper := NewSweeper(tasks, reminders)
	removed := sweeper.Sweep(ctx)
	assert.Equal(t, 1, removed)

	rems, err := reminders.List(ctx)
	require.NoError(t, err)
	require.Len(t, rems, 1)
	assert.Equal(t, liveID, rems[0].TaskID)

	// Steady state: nothing left to clean.
	assert.Zero(t, sweeper.Sweep(ctx))
}

type flakyReminders struct {
	rems    []domain.Reminder
	failID  string
	deleted []string
}

func (f *flakyReminders) List(context.Context) ([]domain.Reminder, error) { return f.rems, nil }

func (f *flakyReminders) Delete(_ context.Context, id string) error {
	if id == f.failID {
		return errors.New("delete failed")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type emptyTasks struct{}

func (emptyTasks) Get(context.Context, string) (domain.Task, error) {
	return domain.Task{}, store.ErrNotFound
}

func TestSweepContinuesPastFailures(t *testing.T) {
	reminders := &flakyReminders{
		rems: []domain.Reminder{
			{ID: "rem_1", TaskID: "tsk_a"},
			{ID: "rem_2", TaskID: "tsk_b"},
			{ID: "rem_3", TaskID: "tsk_c"},
		},
		failID: "rem_2",
	}

	sweeper := NewSweeper(emptyTasks{}, reminders)
	removed := sweeper.Sweep(context.Background())

	assert.Equal(t, 2, removed, "one failed deletion must not abort the sweep")
	assert.Equal(t, []string{"rem_1", "rem_3"}, reminders.deleted)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	sweeper := NewSweeper(emptyTasks{}, &flakyReminders{})
	_, err := sweeper.Start("not a schedule")
	assert.Error(t, err)

	c, err := sweeper.Start("@every 1h")
	require.NoError(t, err)
	c.Stop()
}
