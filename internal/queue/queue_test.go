package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts ...Option) (*MessageQueue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewMessageQueue(store.NewInMemoryStore(), opts...), clock
}

func textMessage(sender, content string) models.QueuedMessage {
	return models.QueuedMessage{
		Message: models.ChatMessage{
			SenderID:   sender,
			ReceiverID: "bot",
			Content:    content,
			Platform:   "telegram",
		},
	}
}

func TestEnqueue_FillsDefaults(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, textMessage("u1", "hello"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.QueueStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.Type != models.QueueTypeIncoming {
		t.Errorf("expected incoming type, got %s", got.Type)
	}
	if got.TargetUserID != "u1" {
		t.Errorf("expected target u1, got %q", got.TargetUserID)
	}
	if got.Message.MessageType != models.MessageTypeText {
		t.Errorf("expected Text message type, got %s", got.Message.MessageType)
	}
	if got.Message.MessageID == "" {
		t.Error("expected generated message id")
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Errorf("expected CreatedAt %v, got %v", clock.Now(), got.CreatedAt)
	}
}

func TestEnqueue_UsesReplyTarget(t *testing.T) {
	q, _ := newTestQueue(t)
	msg := textMessage("u1", "hi")
	msg.Message.SetMeta(models.MetaReplyTarget, "C123")
	id, err := q.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	got, _ := q.Get(context.Background(), id)
	if got.TargetUserID != "C123" {
		t.Errorf("expected reply target C123, got %q", got.TargetUserID)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	noPlatform := textMessage("u1", "x")
	noPlatform.Message.Platform = ""
	if _, err := q.Enqueue(ctx, noPlatform); !errors.Is(err, models.ErrEmptyPlatform) {
		t.Errorf("expected ErrEmptyPlatform, got %v", err)
	}

	badType := textMessage("u1", "x")
	badType.Type = "sideways"
	if _, err := q.Enqueue(ctx, badType); !errors.Is(err, models.ErrInvalidQueueType) {
		t.Errorf("expected ErrInvalidQueueType, got %v", err)
	}

	if n, _ := q.QueueLength(ctx); n != 0 {
		t.Errorf("rejected messages must not be queued, length %d", n)
	}
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	msg, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil from empty queue, got %+v", msg)
	}
}

func TestDequeue_FIFO(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		id, err := q.Enqueue(ctx, textMessage("u1", c))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
		clock.Advance(time.Millisecond)
	}

	for i, want := range ids {
		msg, err := q.Dequeue(ctx)
		if err != nil || msg == nil {
			t.Fatalf("Dequeue %d: msg=%v err=%v", i, msg, err)
		}
		if msg.ID != want {
			t.Errorf("Dequeue %d: expected %s, got %s", i, want, msg.ID)
		}
		if msg.Status != models.QueueStatusProcessing {
			t.Errorf("expected processing, got %s", msg.Status)
		}
	}
	if msg, _ := q.Dequeue(ctx); msg != nil {
		t.Errorf("expected no further messages, got %s", msg.ID)
	}
}

func TestFail_BackoffDelaysRedelivery(t *testing.T) {
	q, clock := newTestQueue(t, WithBaseRetryDelay(30*time.Second))
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, textMessage("u1", "x"))
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	outcome, err := q.Fail(ctx, id, "boom")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if outcome.DeadLettered || outcome.RetryCount != 1 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.NextAttemptAt == nil || !outcome.NextAttemptAt.Equal(clock.Now().Add(30*time.Second)) {
		t.Fatalf("expected next attempt in 30s, got %v", outcome.NextAttemptAt)
	}

	if msg, _ := q.Dequeue(ctx); msg != nil {
		t.Fatal("message must not be redelivered before its backoff elapses")
	}
	clock.Advance(30 * time.Second)
	msg, _ := q.Dequeue(ctx)
	if msg == nil || msg.ID != id {
		t.Fatalf("expected redelivery of %s, got %v", id, msg)
	}
	if msg.RetryCount != 1 || msg.LastError != "boom" {
		t.Errorf("unexpected retry state: count=%d lastError=%q", msg.RetryCount, msg.LastError)
	}

	outcome, _ = q.Fail(ctx, id, "boom again")
	if want := clock.Now().Add(60 * time.Second); !outcome.NextAttemptAt.Equal(want) {
		t.Errorf("second retry should double the delay: want %v, got %v", want, outcome.NextAttemptAt)
	}
}

func TestFailAfter_HintClampedToMax(t *testing.T) {
	q, clock := newTestQueue(t, WithMaxRetryDelay(time.Minute), WithBaseRetryDelay(time.Second))
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, textMessage("u1", "x"))
	q.Dequeue(ctx)
	outcome, err := q.FailAfter(ctx, id, "rate limited", 10*time.Minute)
	if err != nil {
		t.Fatalf("FailAfter failed: %v", err)
	}
	if want := clock.Now().Add(time.Minute); !outcome.NextAttemptAt.Equal(want) {
		t.Errorf("expected hint clamped to %v, got %v", want, outcome.NextAttemptAt)
	}
}

// Three messages: the first completes, the second fails twice with two retries
// allowed and lands in the dead-letter store, the third stays queued.
func TestQueue_CompleteFailDeadLetterScenario(t *testing.T) {
	q, clock := newTestQueue(t, WithMaxRetryCount(2), WithBaseRetryDelay(0))
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"one", "two", "three"} {
		id, err := q.Enqueue(ctx, textMessage("u1", c))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
		clock.Advance(time.Millisecond)
	}

	first, _ := q.Dequeue(ctx)
	if first == nil || first.ID != ids[0] {
		t.Fatalf("expected first message, got %v", first)
	}
	if err := q.Complete(ctx, first.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	second, _ := q.Dequeue(ctx)
	if second == nil || second.ID != ids[1] {
		t.Fatalf("expected second message, got %v", second)
	}
	outcome, err := q.Fail(ctx, second.ID, "first failure")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if outcome.DeadLettered {
		t.Fatal("first failure should be retried")
	}

	again, _ := q.Dequeue(ctx)
	if again == nil || again.ID != ids[1] {
		t.Fatalf("expected retried second message first, got %v", again)
	}
	outcome, err = q.Fail(ctx, again.ID, "second failure")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if !outcome.DeadLettered || outcome.RetryCount != 2 {
		t.Fatalf("expected dead letter after two failures, got %+v", outcome)
	}

	dead, err := q.DeadLetters(ctx, 0, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != ids[1] {
		t.Fatalf("expected second message in dead letters, got %+v", dead)
	}
	if dead[0].ErrorMessage != "second failure" || dead[0].RetryCount != 2 {
		t.Errorf("unexpected dead letter %+v", dead[0])
	}

	length, err := q.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength failed: %v", err)
	}
	if length != 1 {
		t.Errorf("expected queue length 1, got %d", length)
	}
	if n, _ := q.DeadLetterCount(ctx); n != 1 {
		t.Errorf("expected dead letter count 1, got %d", n)
	}
}

func TestComplete_Idempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, textMessage("u1", "x"))
	q.Dequeue(ctx)
	if err := q.Complete(ctx, id); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := q.Complete(ctx, id); err != nil {
		t.Errorf("second Complete should succeed, got %v", err)
	}
	if err := q.Complete(ctx, "missing"); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
	if n, _ := q.QueueLength(ctx); n != 0 {
		t.Errorf("completed messages are not queued, length %d", n)
	}
}

func TestRetry_IgnoresMaxRetryCount(t *testing.T) {
	q, clock := newTestQueue(t, WithMaxRetryCount(1))
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, textMessage("u1", "x"))

	for i := 1; i <= 3; i++ {
		q.Dequeue(ctx)
		n, err := q.Retry(ctx, id, time.Second, "again")
		if err != nil {
			t.Fatalf("Retry failed: %v", err)
		}
		if n != i {
			t.Errorf("expected retry count %d, got %d", i, n)
		}
		clock.Advance(time.Second)
	}
	if n, _ := q.DeadLetterCount(ctx); n != 0 {
		t.Errorf("Retry must not dead-letter, count %d", n)
	}
}

func TestMoveToDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	msg := textMessage("u1", "x")
	msg.Type = models.QueueTypeOutgoing
	id, _ := q.Enqueue(ctx, msg)

	if err := q.MoveToDeadLetter(ctx, id, "operator"); err != nil {
		t.Fatalf("MoveToDeadLetter failed: %v", err)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("expected message removed from queue, got %v", err)
	}
	d, err := q.GetDeadLetter(ctx, id)
	if err != nil {
		t.Fatalf("GetDeadLetter failed: %v", err)
	}
	if d.OriginalType != models.QueueTypeOutgoing || d.ErrorMessage != "operator" {
		t.Errorf("unexpected dead letter %+v", d)
	}
}

func TestReprocessDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxRetryCount(0))
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, textMessage("u1", "x"))
	q.Dequeue(ctx)
	if outcome, _ := q.Fail(ctx, id, "fatal"); !outcome.DeadLettered {
		t.Fatal("expected immediate dead letter with MaxRetryCount 0")
	}

	ok, err := q.ReprocessDeadLetter(ctx, id)
	if err != nil || !ok {
		t.Fatalf("ReprocessDeadLetter: ok=%v err=%v", ok, err)
	}
	got, err := q.Dequeue(ctx)
	if err != nil || got == nil || got.ID != id {
		t.Fatalf("expected reprocessed message, got %v err=%v", got, err)
	}
	if got.RetryCount != 0 {
		t.Errorf("reprocessed message should start fresh, retry count %d", got.RetryCount)
	}

	ok, _ = q.ReprocessDeadLetter(ctx, id)
	if ok {
		t.Error("reprocessing a message that is no longer dead-lettered should report false")
	}
}

func TestRecoverStale(t *testing.T) {
	q, clock := newTestQueue(t, WithVisibilityTimeout(time.Minute))
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, textMessage("u1", "x"))
	q.Dequeue(ctx)

	if n, _ := q.RecoverStale(ctx); n != 0 {
		t.Fatalf("fresh claims must not be reclaimed, got %d", n)
	}
	clock.Advance(2 * time.Minute)
	n, err := q.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	msg, _ := q.Dequeue(ctx)
	if msg == nil || msg.ID != id {
		t.Fatalf("expected reclaimed message, got %v", msg)
	}
}

func TestPurgeCompleted(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, textMessage("u1", "x"))
	q.Dequeue(ctx)
	q.Complete(ctx, id)

	if n, _ := q.PurgeCompleted(ctx, time.Hour); n != 0 {
		t.Fatalf("recent completions must be kept, purged %d", n)
	}
	clock.Advance(2 * time.Hour)
	if n, _ := q.PurgeCompleted(ctx, time.Hour); n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Enqueue(ctx, textMessage("u1", "a"))
	id, _ := q.Enqueue(ctx, textMessage("u1", "b"))
	q.MoveToDeadLetter(ctx, id, "x")

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.QueueLength != 1 || stats.DeadLetters != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestDeadLetters_InvalidPage(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.DeadLetters(context.Background(), -1, 10); !errors.Is(err, models.ErrInvalidPageArgument) {
		t.Errorf("expected ErrInvalidPageArgument, got %v", err)
	}
	items, err := q.DeadLetters(context.Background(), 0, 0)
	if err != nil || len(items) != 0 {
		t.Errorf("take 0 should return an empty page, got %v err=%v", items, err)
	}
}

func TestEnqueue_DoesNotWaitForBusyConsumers(t *testing.T) {
	backends := []struct {
		name  string
		open  func(t *testing.T) store.QueueRepo
		limit time.Duration
	}{
		{"memory", func(t *testing.T) store.QueueRepo { return store.NewInMemoryStore() }, 100 * time.Millisecond},
		{"sqlite", func(t *testing.T) store.QueueRepo {
			st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "queue.db")))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		}, time.Second},
	}
	for _, tc := range backends {
		t.Run(tc.name, func(t *testing.T) {
			q := NewMessageQueue(tc.open(t))
			ctx, cancel := context.WithCancel(context.Background())
			for i := 0; i < 5; i++ {
				if _, err := q.Enqueue(ctx, textMessage("busy", "backlog")); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
			}

			// Consumers hold their claims the way long-running pipelines do.
			release := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for ctx.Err() == nil {
						msg, err := q.Dequeue(ctx)
						if err != nil || msg == nil {
							time.Sleep(time.Millisecond)
							continue
						}
						select {
						case <-release:
						case <-ctx.Done():
						}
					}
				}()
			}

			for i := 0; i < 20; i++ {
				start := time.Now()
				if _, err := q.Enqueue(ctx, textMessage("u1", "hello")); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
				if elapsed := time.Since(start); elapsed > tc.limit {
					t.Errorf("Enqueue took %v while consumers were busy, limit %v", elapsed, tc.limit)
				}
			}
			if n, err := q.QueueLength(context.Background()); err != nil || n != 25 {
				t.Errorf("QueueLength = %d, %v; want 25", n, err)
			}

			close(release)
			cancel()
			wg.Wait()
		})
	}
}
