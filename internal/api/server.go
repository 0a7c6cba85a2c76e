package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"taskminder/internal/domain"
	"taskminder/internal/queue"
	"taskminder/internal/scheduler"
	"taskminder/internal/store"
)

type Server struct {
	r         *chi.Mux
	tasks     *store.TaskRepo
	reminders *store.ReminderRepo
	jobs      queue.Repository
	sched     *scheduler.Service
}

func NewServer(tasks *store.TaskRepo, reminders *store.ReminderRepo, jobs queue.Repository, sched *scheduler.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, tasks: tasks, reminders: reminders, jobs: jobs, sched: sched}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/upcoming", s.upcomingTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Patch("/api/tasks/{id}/deadline", s.updateDeadline)
	r.Post("/api/tasks/{id}/done", s.markDone)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Get("/api/reminders", s.listReminders)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.CountByState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "taskminder_up 1")
	for _, state := range []string{domain.JobWaiting, domain.JobDelayed, domain.JobActive, domain.JobCompleted, domain.JobFailed} {
		fmt.Fprintf(w, "taskminder_jobs{state=%q} %d\n", state, counts[state])
	}
}

type createTaskReq struct {
	OwnerID     int64  `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Deadline    string `json:"deadline"` // RFC3339, optional
}

type taskResp struct {
	ID          string `json:"id"`
	OwnerID     int64  `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority"`
	Deadline    string `json:"deadline,omitempty"`
	Status      string `json:"status"`
}

func toTaskResp(t domain.Task) taskResp {
	resp := taskResp{
		ID: t.ID, OwnerID: t.OwnerID, Title: t.Title,
		Description: t.Description, Priority: t.Priority, Status: t.Status,
	}
	if t.Deadline != nil {
		resp.Deadline = t.Deadline.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", 400)
		return
	}
	if req.OwnerID == 0 {
		http.Error(w, "owner_id is required", 400)
		return
	}

	t := domain.Task{
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	}
	if req.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, req.Deadline)
		if err != nil {
			http.Error(w, "deadline must be RFC3339: "+err.Error(), 400)
			return
		}
		t.Deadline = &deadline
	}

	id, err := s.tasks.Create(r.Context(), t)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	t.ID = id

	// A deadline that exists without a job behind it would never remind its
	// owner, so a scheduling failure fails the whole creation.
	if err := s.sched.OnTaskCreated(r.Context(), t); err != nil {
		if delErr := s.tasks.Delete(r.Context(), id); delErr != nil {
			log.Error().Err(delErr).Str("task_id", id).Msg("rollback of unscheduled task failed")
		}
		http.Error(w, "could not schedule reminder: "+err.Error(), 500)
		return
	}

	created, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResp(created))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toTaskResp(t))
}

func ownerParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get("owner"), 10, 64)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		http.Error(w, "owner query parameter is required", 400)
		return
	}
	tasks, err := s.tasks.ListByOwner(r.Context(), owner)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, toTaskResp(t))
	}
	writeJSON(w, 200, resp)
}

func (s *Server) upcomingTasks(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		http.Error(w, "owner query parameter is required", 400)
		return
	}
	tasks, err := s.tasks.Upcoming(r.Context(), owner, time.Now())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, toTaskResp(t))
	}
	writeJSON(w, 200, resp)
}

type updateDeadlineReq struct {
	Deadline *string `json:"deadline"` // RFC3339, null clears
}

func (s *Server) updateDeadline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateDeadlineReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	var deadline *time.Time
	if req.Deadline != nil {
		d, err := time.Parse(time.RFC3339, *req.Deadline)
		if err != nil {
			http.Error(w, "deadline must be RFC3339: "+err.Error(), 400)
			return
		}
		deadline = &d
	}

	err := s.tasks.UpdateDeadline(r.Context(), id, deadline)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if err := s.sched.OnDeadlineChanged(r.Context(), t); err != nil {
		http.Error(w, "could not reschedule reminder: "+err.Error(), 500)
		return
	}
	writeJSON(w, 200, toTaskResp(t))
}

func (s *Server) markDone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.tasks.SetStatus(r.Context(), id, domain.StatusDone)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toTaskResp(t))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Cancel first so the job can't fire for a task mid-deletion.
	if err := s.sched.OnTaskDeleted(r.Context(), id); err != nil {
		http.Error(w, "could not cancel reminder: "+err.Error(), 500)
		return
	}
	err := s.tasks.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reminderResp struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	RemindAt string `json:"remind_at"`
	IsSent   bool   `json:"is_sent"`
}

func (s *Server) listReminders(w http.ResponseWriter, r *http.Request) {
	rems, err := s.reminders.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := make([]reminderResp, 0, len(rems))
	for _, rem := range rems {
		resp = append(resp, reminderResp{
			ID:       rem.ID,
			TaskID:   rem.TaskID,
			RemindAt: rem.RemindAt.UTC().Format(time.RFC3339),
			IsSent:   rem.IsSent,
		})
	}
	writeJSON(w, 200, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
