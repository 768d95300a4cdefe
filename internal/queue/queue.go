// Package queue implements the durable message queue state machine on top of
// store.QueueRepo: enqueue, atomic claim, completion, retry with exponential
// backoff and dead-lettering.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
	"github.com/BTreeMap/ChatPipe/internal/util"
)

// Default configuration values
const (
	DefaultMaxRetryCount     = 3
	DefaultBaseRetryDelay    = 30 * time.Second
	DefaultMaxRetryDelay     = time.Hour
	DefaultVisibilityTimeout = 5 * time.Minute
)

// Opts holds configuration options for the message queue.
type Opts struct {
	MaxRetryCount     int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	VisibilityTimeout time.Duration // processing entries older than this are reclaimed
	Clock             func() time.Time
}

// Option defines a configuration option for the message queue.
type Option func(*Opts)

// WithMaxRetryCount sets how many failures an entry survives before dead-lettering.
func WithMaxRetryCount(n int) Option {
	return func(o *Opts) { o.MaxRetryCount = n }
}

// WithBaseRetryDelay sets the delay before the first retry.
func WithBaseRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.BaseRetryDelay = d }
}

// WithMaxRetryDelay caps computed and hinted retry delays.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.MaxRetryDelay = d }
}

// WithVisibilityTimeout sets how long an entry may stay in processing before it is reclaimed.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *Opts) { o.VisibilityTimeout = d }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// MessageQueue is the transactional queue used by webhooks, the worker and operators.
type MessageQueue struct {
	repo              store.QueueRepo
	policy            RetryPolicy
	visibilityTimeout time.Duration
	now               func() time.Time
}

// NewMessageQueue creates a queue over repo.
func NewMessageQueue(repo store.QueueRepo, opts ...Option) *MessageQueue {
	cfg := Opts{
		MaxRetryCount:     DefaultMaxRetryCount,
		BaseRetryDelay:    DefaultBaseRetryDelay,
		MaxRetryDelay:     DefaultMaxRetryDelay,
		VisibilityTimeout: DefaultVisibilityTimeout,
		Clock:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxRetryDelay > 0 && cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	slog.Debug("MessageQueue created", "maxRetryCount", cfg.MaxRetryCount, "baseRetryDelay", cfg.BaseRetryDelay,
		"maxRetryDelay", cfg.MaxRetryDelay, "visibilityTimeout", cfg.VisibilityTimeout)
	return &MessageQueue{
		repo: repo,
		policy: RetryPolicy{
			MaxRetryCount: cfg.MaxRetryCount,
			BaseDelay:     cfg.BaseRetryDelay,
			MaxDelay:      cfg.MaxRetryDelay,
		},
		visibilityTimeout: cfg.VisibilityTimeout,
		now:               cfg.Clock,
	}
}

// Policy returns the retry policy in effect.
func (q *MessageQueue) Policy() RetryPolicy {
	return q.policy
}

// Enqueue validates msg, fills in defaults and inserts it as a pending entry.
// It returns the entry id without waiting for processing.
func (q *MessageQueue) Enqueue(ctx context.Context, msg models.QueuedMessage) (string, error) {
	if err := msg.Message.Validate(); err != nil {
		return "", err
	}
	now := q.now()
	if msg.Type == "" {
		msg.Type = models.QueueTypeIncoming
	}
	if !models.IsValidQueueType(msg.Type) {
		return "", fmt.Errorf("%w: %s", models.ErrInvalidQueueType, msg.Type)
	}
	if msg.ID == "" {
		msg.ID = util.NewQueueIDAt(now)
	}
	if msg.TargetUserID == "" {
		msg.TargetUserID = msg.Message.ReplyTarget()
	}
	if msg.Message.MessageType == "" {
		msg.Message.MessageType = models.MessageTypeText
	}
	if msg.Message.MessageID == "" {
		msg.Message.MessageID = util.NewMessageID()
	}
	if msg.Message.Timestamp.IsZero() {
		msg.Message.Timestamp = now
	}
	msg.Status = models.QueueStatusPending
	msg.RetryCount = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now

	if err := q.repo.EnqueueQueued(ctx, msg); err != nil {
		slog.Error("MessageQueue.Enqueue: insert failed", "error", err, "platform", msg.Message.Platform)
		return "", err
	}
	slog.Debug("MessageQueue.Enqueue: message queued", "id", msg.ID, "type", msg.Type, "platform", msg.Message.Platform)
	return msg.ID, nil
}

// Dequeue claims the oldest eligible pending entry. It returns nil when the queue has nothing to do.
func (q *MessageQueue) Dequeue(ctx context.Context) (*models.QueuedMessage, error) {
	msg, err := q.repo.ClaimNextQueued(ctx, q.now())
	if err != nil {
		return nil, err
	}
	if msg != nil {
		slog.Debug("MessageQueue.Dequeue: claimed", "id", msg.ID, "type", msg.Type, "retryCount", msg.RetryCount)
	}
	return msg, nil
}

// Get returns an active entry by id.
func (q *MessageQueue) Get(ctx context.Context, id string) (*models.QueuedMessage, error) {
	msg, err := q.repo.GetQueued(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, models.ErrMessageNotFound
	}
	return msg, nil
}

// ExtendClaim restarts the visibility timeout of an entry this process claimed.
// It returns false when the claim was lost, e.g. to the stale sweep.
func (q *MessageQueue) ExtendClaim(ctx context.Context, msg *models.QueuedMessage) (bool, error) {
	if msg.LockedAt == nil {
		return true, nil
	}
	now := q.now()
	ok, err := q.repo.ExtendClaimQueued(ctx, msg.ID, *msg.LockedAt, now)
	if err != nil || !ok {
		return ok, err
	}
	msg.LockedAt = &now
	return true, nil
}

// Complete marks an entry completed. Completing twice is not an error.
func (q *MessageQueue) Complete(ctx context.Context, id string) error {
	if err := q.repo.CompleteQueued(ctx, id, q.now()); err != nil {
		return err
	}
	slog.Debug("MessageQueue.Complete", "id", id)
	return nil
}

// Fail records a failure. The entry is retried after the backoff delay while its
// retry count stays below MaxRetryCount and is dead-lettered otherwise.
func (q *MessageQueue) Fail(ctx context.Context, id, reason string) (models.FailOutcome, error) {
	return q.FailAfter(ctx, id, reason, 0)
}

// FailAfter is Fail with a retry-after hint from the transport, which replaces
// the computed backoff when positive.
func (q *MessageQueue) FailAfter(ctx context.Context, id, reason string, retryAfter time.Duration) (models.FailOutcome, error) {
	now := q.now()
	outcome, err := q.repo.FailQueued(ctx, id, reason, now, func(retryCount int) (bool, time.Time) {
		if !q.policy.ShouldRetry(retryCount) {
			return false, time.Time{}
		}
		return true, now.Add(q.policy.Delay(retryCount, retryAfter))
	})
	if err != nil {
		return outcome, err
	}
	if outcome.DeadLettered {
		slog.Warn("MessageQueue.Fail: retries exhausted, moved to dead letter", "id", id, "retryCount", outcome.RetryCount, "reason", reason)
	} else {
		slog.Info("MessageQueue.Fail: scheduled retry", "id", id, "retryCount", outcome.RetryCount, "nextAttemptAt", outcome.NextAttemptAt, "reason", reason)
	}
	return outcome, nil
}

// Retry puts an entry back to pending after delay and increments its retry count.
// It does not consult MaxRetryCount; callers make that decision.
func (q *MessageQueue) Retry(ctx context.Context, id string, delay time.Duration, reason string) (int, error) {
	now := q.now()
	if delay < 0 {
		delay = 0
	}
	n, err := q.repo.RescheduleQueued(ctx, id, reason, now.Add(delay), now)
	if err != nil {
		return 0, err
	}
	slog.Info("MessageQueue.Retry: rescheduled", "id", id, "retryCount", n, "delay", delay, "reason", reason)
	return n, nil
}

// MoveToDeadLetter moves an entry to the dead-letter store without consulting the retry count.
func (q *MessageQueue) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	if err := q.repo.DeadLetterQueued(ctx, id, reason, q.now()); err != nil {
		return err
	}
	slog.Warn("MessageQueue.MoveToDeadLetter", "id", id, "reason", reason)
	return nil
}

// QueueLength counts entries that are pending or being processed.
func (q *MessageQueue) QueueLength(ctx context.Context) (int, error) {
	return q.repo.CountQueued(ctx)
}

// DeadLetterCount counts dead-lettered entries.
func (q *MessageQueue) DeadLetterCount(ctx context.Context) (int, error) {
	return q.repo.CountDeadLetters(ctx)
}

// DeadLetters lists dead letters, most recent failure first.
func (q *MessageQueue) DeadLetters(ctx context.Context, skip, take int) ([]models.DeadLetterMessage, error) {
	if skip < 0 || take < 0 {
		return nil, models.ErrInvalidPageArgument
	}
	if take == 0 {
		return []models.DeadLetterMessage{}, nil
	}
	return q.repo.ListDeadLetters(ctx, skip, take)
}

// GetDeadLetter returns one dead letter.
func (q *MessageQueue) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterMessage, error) {
	d, err := q.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, models.ErrDeadLetterNotFound
	}
	return d, nil
}

// ReprocessDeadLetter moves a dead letter back to the queue as a fresh pending
// entry. It returns false if id is not dead-lettered.
func (q *MessageQueue) ReprocessDeadLetter(ctx context.Context, id string) (bool, error) {
	ok, err := q.repo.ReprocessDeadLetter(ctx, id, q.now())
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("MessageQueue.ReprocessDeadLetter: requeued", "id", id)
	}
	return ok, nil
}

// DeleteDeadLetter permanently removes a dead letter.
func (q *MessageQueue) DeleteDeadLetter(ctx context.Context, id string) (bool, error) {
	return q.repo.DeleteDeadLetter(ctx, id)
}

// ClearDeadLetters removes every dead letter and returns how many were removed.
func (q *MessageQueue) ClearDeadLetters(ctx context.Context) (int, error) {
	n, err := q.repo.ClearDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("MessageQueue.ClearDeadLetters", "removed", n)
	return n, nil
}

// Stats returns the current queue and dead-letter counts.
func (q *MessageQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	length, err := q.QueueLength(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	dead, err := q.DeadLetterCount(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	return models.QueueStats{QueueLength: length, DeadLetters: dead}, nil
}

// RecoverStale returns entries stuck in processing longer than the visibility
// timeout to pending.
func (q *MessageQueue) RecoverStale(ctx context.Context) (int, error) {
	if q.visibilityTimeout <= 0 {
		return 0, nil
	}
	now := q.now()
	n, err := q.repo.RequeueStaleProcessing(ctx, now.Add(-q.visibilityTimeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("MessageQueue.RecoverStale: reclaimed stuck messages", "count", n, "visibilityTimeout", q.visibilityTimeout)
	}
	return n, nil
}

// RecoverState reclaims stuck entries at startup.
func (q *MessageQueue) RecoverState(ctx context.Context) error {
	_, err := q.RecoverStale(ctx)
	return err
}

// PurgeCompleted deletes completed entries older than retention.
func (q *MessageQueue) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	n, err := q.repo.PurgeCompleted(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("MessageQueue.PurgeCompleted", "removed", n)
	}
	return n, nil
}

// IsNotFound reports whether err means the queue entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrMessageNotFound) || errors.Is(err, models.ErrDeadLetterNotFound)
}
