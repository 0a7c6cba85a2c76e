package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"taskminder/internal/domain"
	"taskminder/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration) *Pool {
	return &Pool{repo: repo, handlers: handlers, sem: make(chan struct{}, size), pollEvery: pollEvery}
}

// Run polls for due jobs until ctx is cancelled. Each claimed job runs on its
// own goroutine, bounded by the pool size.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for {
				job, lease, err := p.repo.LeaseNext(ctx, now)
				if err != nil {
					if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
						log.Error().Err(err).Msg("lease next job")
					}
					break
				}
				p.sem <- struct{}{}
				go func(jb domain.Job, until time.Time) {
					defer func() { <-p.sem }()
					p.process(ctx, jb, until)
				}(job, lease.Until)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, jb domain.Job, leaseUntil time.Time) {
	h, ok := p.handlers[jb.Kind]
	if !ok {
		log.Error().Str("job_id", jb.ID).Str("kind", jb.Kind).Msg("no handler for job kind")
		_ = p.repo.Fail(ctx, jb.ID, "no handler for kind "+jb.Kind)
		return
	}

	c, cancel := context.WithDeadline(ctx, leaseUntil)
	defer cancel()

	if err := h.Handle(c, jb.Payload); err != nil {
		attempt := jb.Attempts + 1
		if attempt >= jb.MaxAttempts {
			// Terminal. Surfaced as an operational alert, never retried.
			log.Error().Err(err).
				Str("job_id", jb.ID).
				Str("task_id", jb.TaskID).
				Int("attempts", attempt).
				Msg("job permanently failed")
			_ = p.repo.Fail(ctx, jb.ID, err.Error())
			return
		}
		next := backoffExp(jb.BackoffBase, jb.Attempts)
		log.Warn().Err(err).
			Str("job_id", jb.ID).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("job failed, will retry")
		_ = p.repo.Retry(ctx, jb.ID, err.Error(), next)
		return
	}
	_ = p.repo.Succeed(ctx, jb.ID)
}

// backoffExp doubles the job's base delay per completed attempt: 5s, 10s,
// 20s with the default base.
func backoffExp(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempts > 6 {
		attempts = 6
	}
	d := base << attempts
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
