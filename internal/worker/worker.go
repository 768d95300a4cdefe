// Package worker runs the queue processing loop: it claims queue entries with
// bounded concurrency, runs them through the session, agent and delivery
// pipeline and reports the outcome back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/ChatPipe/internal/agent"
	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/queue"
)

// Default configuration values
const (
	DefaultMaxConcurrency  = 5
	DefaultPollingInterval = time.Second
	DefaultErrorDelay      = 5 * time.Second
	DefaultDrainTimeout    = 30 * time.Second

	// finalizeTimeout bounds queue updates made after a pipeline ends.
	finalizeTimeout = 10 * time.Second
)

// MessageCallback delivers a message to target on its platform.
type MessageCallback func(ctx context.Context, msg models.ChatMessage, target string) models.SendResult

// Queue is the queue surface used by the worker.
type Queue interface {
	Enqueue(ctx context.Context, msg models.QueuedMessage) (string, error)
	Dequeue(ctx context.Context) (*models.QueuedMessage, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) (models.FailOutcome, error)
	Retry(ctx context.Context, id string, delay time.Duration, reason string) (int, error)
	MoveToDeadLetter(ctx context.Context, id, reason string) error
	ExtendClaim(ctx context.Context, msg *models.QueuedMessage) (bool, error)
	Policy() queue.RetryPolicy
}

// Sessions is the session manager surface used by the worker.
type Sessions interface {
	GetOrCreateSession(ctx context.Context, userID, platform string) (*models.ChatSession, error)
	GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error)
	UpdateSession(ctx context.Context, s *models.ChatSession) error
	MaxHistoryCount() int
}

// Executor runs the agent for one incoming message.
type Executor interface {
	Execute(ctx context.Context, current models.ChatMessage, session *models.ChatSession) models.AgentResponse
}

// Opts holds configuration options for the worker.
type Opts struct {
	MaxConcurrency    int
	PollingInterval   time.Duration
	ErrorDelay        time.Duration
	DrainTimeout      time.Duration
	SerializeSessions bool
	Clock             func() time.Time
}

// Option defines a configuration option for the worker.
type Option func(*Opts)

// WithMaxConcurrency sets how many pipelines may run at once.
func WithMaxConcurrency(n int) Option {
	return func(o *Opts) { o.MaxConcurrency = n }
}

// WithPollingInterval sets the sleep after finding the queue empty.
func WithPollingInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollingInterval = d }
}

// WithErrorDelay sets the sleep after a dequeue error.
func WithErrorDelay(d time.Duration) Option {
	return func(o *Opts) { o.ErrorDelay = d }
}

// WithDrainTimeout sets how long shutdown waits for in-flight pipelines before cancelling them.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DrainTimeout = d }
}

// WithSerializeSessions toggles one-pipeline-at-a-time processing per (platform, user).
func WithSerializeSessions(enabled bool) Option {
	return func(o *Opts) { o.SerializeSessions = enabled }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Worker is the bounded-concurrency queue consumer.
type Worker struct {
	queue    Queue
	sessions Sessions
	executor Executor
	deliver  MessageCallback
	cfg      Opts

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	keys     *keyedMutex
	inFlight atomic.Int64
	running  atomic.Bool
}

// New creates a worker. deliver is usually messaging.Router.Deliver.
func New(q Queue, sessions Sessions, executor Executor, deliver MessageCallback, opts ...Option) *Worker {
	cfg := Opts{
		MaxConcurrency:    DefaultMaxConcurrency,
		PollingInterval:   DefaultPollingInterval,
		ErrorDelay:        DefaultErrorDelay,
		DrainTimeout:      DefaultDrainTimeout,
		SerializeSessions: true,
		Clock:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Worker{
		queue:    q,
		sessions: sessions,
		executor: executor,
		deliver:  deliver,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		keys:     newKeyedMutex(),
	}
}

// InFlight returns the number of pipelines currently running.
func (w *Worker) InFlight() int {
	return int(w.inFlight.Load())
}

// Running reports whether Run is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Run claims and processes entries until ctx is cancelled, then stops claiming
// and drains in-flight pipelines. Pipelines still running after the drain
// timeout are cancelled; their entries are failed with a "cancelled" reason.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker is already running")
	}
	defer w.running.Store(false)

	// Pipelines outlive ctx so they can finish during the drain.
	pipeCtx, cancelPipelines := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPipelines()

	slog.Info("Worker.Run: started", "maxConcurrency", w.cfg.MaxConcurrency, "pollingInterval", w.cfg.PollingInterval,
		"serializeSessions", w.cfg.SerializeSessions)
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			slog.Error("Worker.Run: dequeue failed", "error", err, "retryIn", w.cfg.ErrorDelay)
			if !sleep(ctx, w.cfg.ErrorDelay) {
				break
			}
			continue
		}
		if msg == nil {
			w.sem.Release(1)
			if !sleep(ctx, w.cfg.PollingInterval) {
				break
			}
			continue
		}

		w.wg.Add(1)
		w.inFlight.Add(1)
		go func(msg *models.QueuedMessage) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			defer w.inFlight.Add(-1)
			w.process(pipeCtx, msg)
		}(msg)
	}

	slog.Info("Worker.Run: stopping, draining in-flight pipelines", "inFlight", w.InFlight(), "drainTimeout", w.cfg.DrainTimeout)
	w.drain(cancelPipelines)
	slog.Info("Worker.Run: stopped")
	return nil
}

func (w *Worker) drain(cancelPipelines context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
		slog.Warn("Worker.drain: drain timeout reached, cancelling pipelines", "inFlight", w.InFlight())
		cancelPipelines()
		<-done
	}
}

// sleep waits for d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// process runs one entry's pipeline and records the outcome.
func (w *Worker) process(ctx context.Context, msg *models.QueuedMessage) {
	if w.cfg.SerializeSessions {
		unlock := w.keys.Lock(sessionKey(msg))
		defer unlock()
		// Time spent waiting for the session must not count against the visibility timeout.
		ok, err := w.queue.ExtendClaim(ctx, msg)
		if err != nil {
			slog.Warn("Worker.process: failed to extend claim", "id", msg.ID, "error", err)
		} else if !ok {
			slog.Warn("Worker.process: claim lost while waiting for session, skipping", "id", msg.ID)
			return
		}
	}
	start := w.cfg.Clock()

	var err error
	switch msg.Type {
	case models.QueueTypeIncoming:
		err = w.processIncoming(ctx, msg)
	case models.QueueTypeOutgoing, models.QueueTypeRetry:
		err = w.processOutgoing(ctx, msg)
	default:
		err = models.PermanentError(fmt.Sprintf("unknown queue message type %q", msg.Type), nil)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err == nil {
		if cerr := w.queue.Complete(fctx, msg.ID); cerr != nil {
			slog.Error("Worker.process: failed to complete entry", "id", msg.ID, "error", cerr)
			return
		}
		slog.Debug("Worker.process: completed", "id", msg.ID, "type", msg.Type, "elapsed", w.cfg.Clock().Sub(start))
		return
	}
	w.handleFailure(ctx, fctx, msg, err)
}

func sessionKey(msg *models.QueuedMessage) string {
	if msg.Type == models.QueueTypeIncoming {
		return models.SessionKey(msg.Message.Platform, msg.Message.SenderID)
	}
	return models.SessionKey(msg.Message.Platform, msg.TargetUserID)
}

// handleFailure routes a failed entry: cancelled pipelines are failed through
// the normal retry policy, permanent failures are dead-lettered and retryable
// ones are rescheduled with backoff until the retry budget is spent.
func (w *Worker) handleFailure(ctx, fctx context.Context, msg *models.QueuedMessage, err error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		reason := "cancelled: " + err.Error()
		if _, ferr := w.queue.Fail(fctx, msg.ID, reason); ferr != nil {
			slog.Error("Worker.handleFailure: failed to record cancellation", "id", msg.ID, "error", ferr)
		}
		return
	}

	pe := models.AsProcessingError(err)
	policy := w.queue.Policy()
	attempt := msg.RetryCount + 1
	if pe.Retryable && policy.ShouldRetry(attempt) {
		delay := policy.Delay(attempt, pe.RetryAfter)
		slog.Warn("Worker.handleFailure: pipeline failed, retrying", "id", msg.ID, "attempt", attempt, "delay", delay, "error", err)
		if _, rerr := w.queue.Retry(fctx, msg.ID, delay, err.Error()); rerr != nil {
			slog.Error("Worker.handleFailure: failed to reschedule entry", "id", msg.ID, "error", rerr)
		}
		return
	}

	reason := err.Error()
	if pe.Retryable {
		reason = fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, reason)
	}
	slog.Error("Worker.handleFailure: moving entry to dead letter", "id", msg.ID, "type", msg.Type, "retryable", pe.Retryable, "error", err)
	if derr := w.queue.MoveToDeadLetter(fctx, msg.ID, reason); derr != nil {
		slog.Error("Worker.handleFailure: failed to dead-letter entry", "id", msg.ID, "error", derr)
	}
}

// processIncoming runs session, agent, delivery and persistence for a user message.
func (w *Worker) processIncoming(ctx context.Context, qm *models.QueuedMessage) error {
	msg := qm.Message
	sess, err := w.sessions.GetOrCreateSession(ctx, msg.SenderID, msg.Platform)
	if err != nil {
		if errors.Is(err, models.ErrEmptySender) || errors.Is(err, models.ErrEmptyPlatform) {
			return models.PermanentError("invalid message", err)
		}
		return models.RetryableError("failed to load session", err)
	}
	if sess.HasMessage(msg.MessageID) {
		slog.Info("Worker.processIncoming: message already in session history, skipping", "id", qm.ID,
			"messageID", msg.MessageID, "sessionID", sess.SessionID)
		return nil
	}

	sess.UpdateState(models.SessionStateProcessing, w.cfg.Clock())
	resp := w.executor.Execute(ctx, msg, sess)
	if err := ctx.Err(); err != nil {
		return err
	}

	maxHistory := w.sessions.MaxHistoryCount()
	target := qm.TargetUserID
	if target == "" {
		target = msg.ReplyTarget()
	}
	sess.AddMessage(msg, maxHistory)
	if resp.Success {
		for _, reply := range resp.Messages {
			delivered, err := w.sendOrDefer(ctx, reply, target, sess.SessionID)
			if err != nil {
				return err
			}
			// Deferred replies are recorded by their retry entry once delivered.
			if delivered {
				sess.AddMessage(reply, maxHistory)
			}
		}
	} else {
		// The error notice goes to the user only, never into history.
		notice := agent.ErrorReply(msg, resp, w.cfg.Clock())
		if _, err := w.sendOrDefer(ctx, notice, target, ""); err != nil {
			return err
		}
	}

	sess.UpdateState(models.SessionStateActive, w.cfg.Clock())
	if err := w.sessions.UpdateSession(ctx, sess); err != nil {
		return models.RetryableError("failed to persist session", err)
	}
	slog.Debug("Worker.processIncoming: done", "id", qm.ID, "sessionID", sess.SessionID, "agentSuccess", resp.Success,
		"replies", len(resp.Messages))
	return nil
}

// sendOrDefer delivers msg and reports whether it reached the user. A failed
// delivery is queued as a retry entry so the agent does not run again;
// non-retryable failures go straight to the dead letter.
func (w *Worker) sendOrDefer(ctx context.Context, msg models.ChatMessage, target, sessionID string) (bool, error) {
	res := w.deliver(ctx, msg, target)
	if res.Success {
		return true, nil
	}
	now := w.cfg.Clock()
	entry := models.QueuedMessage{
		Message:      msg,
		SessionID:    sessionID,
		TargetUserID: target,
		Type:         models.QueueTypeRetry,
	}
	if res.Retryable {
		next := now.Add(w.queue.Policy().Delay(1, res.RetryAfter))
		entry.NextAttemptAt = &next
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	id, err := w.queue.Enqueue(fctx, entry)
	if err != nil {
		return false, models.RetryableError("failed to queue undelivered reply", err)
	}
	reason := res.Err().Error()
	if !res.Retryable {
		if err := w.queue.MoveToDeadLetter(fctx, id, reason); err != nil {
			slog.Error("Worker.sendOrDefer: failed to dead-letter undeliverable reply", "id", id, "error", err)
		}
		return false, nil
	}
	slog.Warn("Worker.sendOrDefer: delivery failed, queued for retry", "retryID", id, "target", target, "reason", reason)
	return false, nil
}

// processOutgoing delivers a stored message and records it in its session.
func (w *Worker) processOutgoing(ctx context.Context, qm *models.QueuedMessage) error {
	res := w.deliver(ctx, qm.Message, qm.TargetUserID)
	if err := res.Err(); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
	if qm.SessionID == "" {
		return nil
	}

	sess, err := w.sessions.GetSession(ctx, qm.SessionID)
	if err != nil || sess == nil {
		if err != nil {
			slog.Warn("Worker.processOutgoing: delivered but could not load session", "id", qm.ID, "sessionID", qm.SessionID, "error", err)
		}
		return nil
	}
	if sess.HasMessage(qm.Message.MessageID) {
		return nil
	}
	sess.AddMessage(qm.Message, w.sessions.MaxHistoryCount())
	if err := w.sessions.UpdateSession(ctx, sess); err != nil {
		slog.Warn("Worker.processOutgoing: delivered but could not record in session", "id", qm.ID, "sessionID", qm.SessionID, "error", err)
	}
	return nil
}
