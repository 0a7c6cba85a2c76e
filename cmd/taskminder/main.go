package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskminder/internal/api"
	"taskminder/internal/config"
	"taskminder/internal/dispatch"
	"taskminder/internal/domain"
	"taskminder/internal/notify"
	"taskminder/internal/queue"
	"taskminder/internal/reconcile"
	"taskminder/internal/scheduler"
	"taskminder/internal/store"
	"taskminder/internal/worker"
)

func main() {
	var (
		addr    = flag.String("addr", ":8080", "HTTP bind address")
		dbPath  = flag.String("db", "taskminder.db", "SQLite DB path")
		cfgPath = flag.String("config", "config.yaml", "YAML config path")
		poll    = flag.Duration("poll", 250*time.Millisecond, "poll interval for the job queue")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}

	jobs := queue.NewSQLiteRepo(db)
	tasks := store.NewTaskRepo(db)
	reminders := store.NewReminderRepo(db)

	if n, err := jobs.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale active jobs")
	}

	var notifier notify.Notifier
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram notifier")
		}
		notifier = tg
	} else {
		log.Warn().Msg("no telegram token configured, reminders will only be logged")
		notifier = notify.LogOnly{}
	}

	sched := scheduler.New(jobs, reminders)
	dispatcher := dispatch.New(tasks, reminders, notifier)

	handlers := map[string]worker.Handler{
		domain.KindSendReminder: dispatcher,
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(jobs, handlers, cfg.Workers, *poll)
	go pool.Run(ctx)

	sweeper := reconcile.NewSweeper(tasks, reminders)
	cronJobs, err := sweeper.Start(cfg.Sweep.Schedule)
	if err != nil {
		log.Fatal().Err(err).Msg("start orphan sweep")
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(tasks, reminders, jobs, sched)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	cronJobs.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
