// Package scheduler runs ChatPipe's periodic maintenance on cron schedules.
//
// Jobs are plain functions or context-aware Tasks. Each job is wrapped so a panic is
// recovered and an overlapping run is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTaskTimeout bounds a single Task run.
const DefaultTaskTimeout = 2 * time.Minute

// Task is a named maintenance job.
type Task struct {
	Name    string
	Spec    string // cron expression or descriptor such as "@every 1m"
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser plus "@every"/"@hourly" descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogCronLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, stop: cancel}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddTask schedules t. Each run gets a context that is cancelled on Stop or after t.Timeout.
func (s *Scheduler) AddTask(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no run function", t.Name)
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	err := s.AddJob(t.Spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			slog.Error("Scheduler.task: run failed", "task", t.Name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Debug("Scheduler.task: run complete", "task", t.Name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("scheduling task %q with %q: %w", t.Name, t.Spec, err)
	}
	slog.Info("Scheduler.AddTask: scheduled", "task", t.Name, "spec", t.Spec)
	return nil
}

// Len reports the number of scheduled entries.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler, cancels running tasks and waits for them to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.stop()
	<-done.Done()
}

// slogCronLogger routes cron's internal logging through slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
