package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default maintenance cadence.
const (
	StaleSweepSpec     = "@every 1m"
	SessionCleanupSpec = "@every 5m"
	PurgeSpec          = "@hourly"
)

// QueueMaintainer is the queue surface maintenance needs.
type QueueMaintainer interface {
	RecoverStale(ctx context.Context) (int, error)
	PurgeCompleted(ctx context.Context, retention time.Duration) (int, error)
}

// SessionMaintainer closes sessions whose TTL has passed.
type SessionMaintainer interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// InboundPurger forgets old inbound dedup records.
type InboundPurger interface {
	PurgeInbound(ctx context.Context, before time.Time) (int, error)
}

// MaintenanceConfig wires the maintenance tasks.
type MaintenanceConfig struct {
	Queue     QueueMaintainer
	Sessions  SessionMaintainer
	Inbound   InboundPurger // optional
	Retention time.Duration
	Now       func() time.Time
}

// MaintenanceTasks returns the stale sweep, session cleanup and purge tasks.
func MaintenanceTasks(cfg MaintenanceConfig) []Task {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	tasks := []Task{
		{
			Name: "queue-stale-sweep",
			Spec: StaleSweepSpec,
			Run: func(ctx context.Context) error {
				n, err := cfg.Queue.RecoverStale(ctx)
				if n > 0 {
					slog.Info("maintenance: requeued stale entries", "count", n)
				}
				return err
			},
		},
		{
			Name: "session-cleanup",
			Spec: SessionCleanupSpec,
			Run: func(ctx context.Context) error {
				n, err := cfg.Sessions.CleanupExpiredSessions(ctx)
				if n > 0 {
					slog.Info("maintenance: closed expired sessions", "count", n)
				}
				return err
			},
		},
	}
	if cfg.Retention > 0 {
		tasks = append(tasks, Task{
			Name: "purge",
			Spec: PurgeSpec,
			Run: func(ctx context.Context) error {
				n, err := cfg.Queue.PurgeCompleted(ctx, cfg.Retention)
				if err != nil {
					return fmt.Errorf("purging completed entries: %w", err)
				}
				slog.Info("maintenance: purged completed entries", "count", n, "retention", cfg.Retention)
				if cfg.Inbound == nil {
					return nil
				}
				n, err = cfg.Inbound.PurgeInbound(ctx, now().Add(-cfg.Retention))
				if err != nil {
					return fmt.Errorf("purging inbound records: %w", err)
				}
				slog.Info("maintenance: purged inbound records", "count", n)
				return nil
			},
		})
	}
	return tasks
}

// ScheduleMaintenance registers every maintenance task on s.
func ScheduleMaintenance(s *Scheduler, cfg MaintenanceConfig) error {
	for _, t := range MaintenanceTasks(cfg) {
		if err := s.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}
