package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskminder/internal/queue"
	"taskminder/internal/scheduler"
	"taskminder/internal/store"
)

type env struct {
	srv  *httptest.Server
	jobs queue.Repository
}

func newTestServer(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	require.NoError(t, store.EnsureSchema(db))

	jobs := queue.NewSQLiteRepo(db)
	tasks := store.NewTaskRepo(db)
	reminders := store.NewReminderRepo(db)
	sched := scheduler.New(jobs, reminders)

	srv := httptest.NewServer(NewServer(tasks, reminders, jobs, sched))
	t.Cleanup(srv.Close)
	return &env{srv: srv, jobs: jobs}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *env) createTask(t *testing.T, deadline string) taskResp {
	t.Helper()
	body := map[string]any{
		"owner_id": 42,
		"title":    "write report",
		"priority": "HIGH",
	}
	if deadline != "" {
		body["deadline"] = deadline
	}
	resp := e.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[taskResp](t, resp)
}

func TestCreateTaskSchedulesReminder(t *testing.T) {
	e := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	task := e.createTask(t, deadline)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "PENDING", task.Status)
	assert.Equal(t, deadline, task.Deadline)

	pending, err := e.jobs.PendingForTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCreateTaskPastDeadlineStillSucceeds(t *testing.T) {
	e := newTestServer(t)
	deadline := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	task := e.createTask(t, deadline)

	pending, err := e.jobs.PendingForTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "a past deadline schedules nothing but is not an error")
}

func TestCreateTaskValidation(t *testing.T) {
	e := newTestServer(t)

	resp := e.do(t, http.MethodPost, "/api/tasks", map[string]any{"owner_id": 42})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/tasks", map[string]any{"title": "no owner"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"owner_id": 42, "title": "bad date", "deadline": "tomorrow",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUpdateDeadlineReplacesJob(t *testing.T) {
	e := newTestServer(t)
	d1 := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	task := e.createTask(t, d1)

	d2 := time.Now().Add(3 * time.Hour).UTC().Format(time.RFC3339)
	resp := e.do(t, http.MethodPatch, "/api/tasks/"+task.ID+"/deadline", map[string]any{"deadline": d2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[taskResp](t, resp)
	assert.Equal(t, d2, updated.Deadline)

	pending, err := e.jobs.PendingForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1, "reschedule leaves exactly one job")

	// Clearing the deadline cancels outright.
	resp = e.do(t, http.MethodPatch, "/api/tasks/"+task.ID+"/deadline", map[string]any{"deadline": nil})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	pending, err = e.jobs.PendingForTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkDone(t *testing.T) {
	e := newTestServer(t)
	task := e.createTask(t, "")

	resp := e.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/done", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[taskResp](t, resp)
	assert.Equal(t, "DONE", done.Status)
}

func TestDeleteTaskCancelsJob(t *testing.T) {
	e := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	task := e.createTask(t, deadline)

	resp := e.do(t, http.MethodDelete, "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	pending, err := e.jobs.PendingForTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	resp = e.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListAndUpcoming(t *testing.T) {
	e := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	e.createTask(t, deadline)
	e.createTask(t, "")

	resp := e.do(t, http.MethodGet, "/api/tasks?owner=42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[[]taskResp](t, resp)
	assert.Len(t, all, 2)

	resp = e.do(t, http.MethodGet, "/api/tasks/upcoming?owner=42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	upcoming := decode[[]taskResp](t, resp)
	assert.Len(t, upcoming, 1)

	resp = e.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListReminders(t *testing.T) {
	e := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	task := e.createTask(t, deadline)

	resp := e.do(t, http.MethodGet, "/api/reminders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rems := decode[[]reminderResp](t, resp)
	require.Len(t, rems, 1)
	assert.Equal(t, task.ID, rems[0].TaskID)
	assert.False(t, rems[0].IsSent)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestServer(t)
	e.createTask(t, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))

	resp := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "taskminder_up 1")
	assert.Contains(t, buf.String(), `taskminder_jobs{state="delayed"} 1`)
}
