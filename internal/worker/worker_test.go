package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/queue"
	"github.com/BTreeMap/ChatPipe/internal/session"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExecutor echoes the current message unless resp is set.
type fakeExecutor struct {
	mu       sync.Mutex
	resp     *models.AgentResponse
	contexts [][]models.ChatMessage
	before   func() // runs before each execution when set
}

func (e *fakeExecutor) Execute(ctx context.Context, current models.ChatMessage, s *models.ChatSession) models.AgentResponse {
	if e.before != nil {
		e.before()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := append(append([]models.ChatMessage{}, s.History...), current)
	e.contexts = append(e.contexts, conv)
	if e.resp != nil {
		return *e.resp
	}
	return models.AgentResponse{Success: true, Messages: []models.ChatMessage{{
		MessageID: "reply-" + current.MessageID,
		SenderID:  models.AssistantSenderID,
		Content:   "echo: " + current.Content,
		Platform:  current.Platform,
		Timestamp: current.Timestamp,
	}}}
}

// fakeDelivery records sends and returns scripted results.
type fakeDelivery struct {
	mu      sync.Mutex
	sent    []models.ChatMessage
	targets []string
	results []models.SendResult // consumed in order; success once empty
	block   chan struct{}       // when set, sends wait for it or ctx
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (d *fakeDelivery) Deliver(ctx context.Context, msg models.ChatMessage, target string) models.SendResult {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return models.SendFailed(models.SendErrorTransport, ctx.Err().Error(), true)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.results) > 0 {
		r := d.results[0]
		d.results = d.results[1:]
		if !r.Success {
			return r
		}
	}
	d.sent = append(d.sent, msg)
	d.targets = append(d.targets, target)
	return models.SendOK("p-" + msg.MessageID)
}

func (d *fakeDelivery) Sent() []models.ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.ChatMessage(nil), d.sent...)
}

type harness struct {
	queue    *queue.MessageQueue
	sessions *session.Manager
	exec     *fakeExecutor
	delivery *fakeDelivery
	clock    *testClock
	worker   *Worker
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st := store.NewInMemoryStore()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		queue:    queue.NewMessageQueue(st, queue.WithClock(clock.Now)),
		sessions: session.NewManager(st, session.WithClock(clock.Now)),
		exec:     &fakeExecutor{},
		delivery: &fakeDelivery{},
		clock:    clock,
	}
	opts = append([]Option{WithPollingInterval(5 * time.Millisecond), WithErrorDelay(5 * time.Millisecond), WithClock(clock.Now)}, opts...)
	h.worker = New(h.queue, h.sessions, h.exec, h.delivery.Deliver, opts...)
	return h
}

func (h *harness) enqueue(t *testing.T, msg models.QueuedMessage) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

// processNext claims the next entry and runs its pipeline synchronously.
func (h *harness) processNext(t *testing.T, ctx context.Context) *models.QueuedMessage {
	t.Helper()
	msg, err := h.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a claimable entry")
	}
	h.worker.process(ctx, msg)
	return msg
}

func incoming(id, sender, content string) models.QueuedMessage {
	return models.QueuedMessage{
		Message: models.ChatMessage{MessageID: id, SenderID: sender, Content: content, Platform: "telegram"},
		Type:    models.QueueTypeIncoming,
	}
}

func outgoing(id, target, content string) models.QueuedMessage {
	return models.QueuedMessage{
		Message:      models.ChatMessage{MessageID: id, SenderID: models.AssistantSenderID, Content: content, Platform: "telegram"},
		TargetUserID: target,
		Type:         models.QueueTypeOutgoing,
	}
}

func TestIncoming_SessionAgentDeliveryPersist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.enqueue(t, incoming("m1", "u1", "hello"))
	h.processNext(t, ctx)
	h.enqueue(t, incoming("m2", "u1", "again"))
	h.processNext(t, ctx)

	sent := h.delivery.Sent()
	if len(sent) != 2 || sent[0].Content != "echo: hello" || h.delivery.targets[0] != "u1" {
		t.Fatalf("unexpected deliveries %+v targets=%v", sent, h.delivery.targets)
	}
	// Second execution sees the first exchange plus the new message.
	conv := h.exec.contexts[1]
	if len(conv) != 3 || conv[0].MessageID != "m1" || conv[1].MessageID != "reply-m1" || conv[2].MessageID != "m2" {
		t.Errorf("unexpected agent context %+v", conv)
	}

	got, err := h.queue.Get(ctx, first)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.QueueStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	sess, err := h.sessions.GetOrCreateSession(ctx, "u1", "telegram")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	if len(sess.History) != 4 || sess.State != models.SessionStateActive {
		t.Errorf("expected 4 history entries in an active session, got %d (%s)", len(sess.History), sess.State)
	}
}

func TestIncoming_AgentFailureSendsSystemMessage(t *testing.T) {
	h := newHarness(t)
	h.exec.resp = &models.AgentResponse{ErrorMessage: "Sorry, try again later. (error code: rate_limited)", ErrorCode: "rate_limited"}
	ctx := context.Background()

	id := h.enqueue(t, incoming("m1", "u1", "hello"))
	h.processNext(t, ctx)

	sent := h.delivery.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one error notice, got %+v", sent)
	}
	if sent[0].SenderID != models.SystemSenderID || !strings.Contains(sent[0].Content, "rate_limited") {
		t.Errorf("unexpected notice %+v", sent[0])
	}
	if got, _ := h.queue.Get(ctx, id); got.Status != models.QueueStatusCompleted {
		t.Errorf("agent failures complete the entry, got %s", got.Status)
	}
	sess, _ := h.sessions.GetOrCreateSession(ctx, "u1", "telegram")
	for _, m := range sess.History {
		if m.SenderID == models.SystemSenderID {
			t.Error("error notices must not be stored in history")
		}
	}
}

func TestIncoming_AlreadyProcessedIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, incoming("m1", "u1", "hello"))
	h.processNext(t, ctx)
	h.enqueue(t, incoming("m1", "u1", "hello"))
	h.processNext(t, ctx)

	if n := len(h.exec.contexts); n != 1 {
		t.Errorf("agent should run once for a message id, ran %d times", n)
	}
}

func TestIncoming_UndeliveredReplyQueuedForRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	failed := models.SendFailed(models.SendErrorTransport, "timeout", true)
	h.delivery.results = []models.SendResult{failed}

	id := h.enqueue(t, incoming("m1", "u1", "hello"))
	h.processNext(t, ctx)

	if got, _ := h.queue.Get(ctx, id); got.Status != models.QueueStatusCompleted {
		t.Fatalf("incoming entry should complete, got %s", got.Status)
	}
	if n, _ := h.queue.QueueLength(ctx); n != 1 {
		t.Fatalf("expected one retry entry, queue length %d", n)
	}
	// Not eligible before the backoff delay.
	if msg, _ := h.queue.Dequeue(ctx); msg != nil {
		t.Fatal("retry entry claimed before its delay")
	}
	sess, _ := h.sessions.GetOrCreateSession(ctx, "u1", "telegram")
	if sess.HasMessage("reply-m1") {
		t.Error("reply recorded in history before it was delivered")
	}
	h.clock.Advance(h.queue.Policy().BaseDelay)
	retry := h.processNext(t, ctx)
	if retry.Type != models.QueueTypeRetry || retry.Message.MessageID != "reply-m1" {
		t.Errorf("unexpected retry entry %+v", retry)
	}
	if sent := h.delivery.Sent(); len(sent) != 1 || sent[0].MessageID != "reply-m1" {
		t.Errorf("reply should be delivered by the retry entry, got %+v", sent)
	}
	if n := len(h.exec.contexts); n != 1 {
		t.Errorf("agent must not run again, ran %d times", n)
	}
	sess, _ = h.sessions.GetSession(ctx, sess.SessionID)
	if sess == nil || !sess.HasMessage("reply-m1") {
		t.Error("reply should be recorded once the retry entry delivers it")
	}
}

func TestIncoming_UndeliverableReplyDeadLettered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.delivery.results = []models.SendResult{models.SendFailed(models.SendErrorInvalidTarget, "no such chat", false)}

	h.enqueue(t, incoming("m1", "u1", "hello"))
	h.processNext(t, ctx)

	if n, _ := h.queue.DeadLetterCount(ctx); n != 1 {
		t.Fatalf("expected the reply in the dead letter, count %d", n)
	}
	if n, _ := h.queue.QueueLength(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	if sent := h.delivery.Sent(); len(sent) != 0 {
		t.Errorf("nothing should reach the user, got %+v", sent)
	}
	sess, _ := h.sessions.GetOrCreateSession(ctx, "u1", "telegram")
	if len(sess.History) != 1 || sess.History[0].MessageID != "m1" {
		t.Errorf("undelivered reply must stay out of history, got %+v", sess.History)
	}
}

func TestOutgoing_RetryThenDeadLetter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transient := models.SendFailed(models.SendErrorTransport, "503", true)
	h.delivery.results = []models.SendResult{transient, transient, transient}

	id := h.enqueue(t, outgoing("o1", "u1", "hi"))
	h.processNext(t, ctx)
	got, _ := h.queue.Get(ctx, id)
	if got.Status != models.QueueStatusPending || got.RetryCount != 1 {
		t.Fatalf("expected pending with retry count 1, got %s/%d", got.Status, got.RetryCount)
	}

	h.clock.Advance(time.Hour)
	h.processNext(t, ctx)
	h.clock.Advance(time.Hour)
	h.processNext(t, ctx)

	dl, err := h.queue.GetDeadLetter(ctx, id)
	if err != nil {
		t.Fatalf("expected dead letter after exhausting retries: %v", err)
	}
	if !strings.Contains(dl.ErrorMessage, "retries exhausted") || dl.Message.Content != "hi" {
		t.Errorf("unexpected dead letter %+v", dl)
	}
}

func TestOutgoing_PermanentFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.delivery.results = []models.SendResult{models.SendFailed(models.SendErrorProviderDisabled, "provider telegram is disabled", false)}

	id := h.enqueue(t, outgoing("o1", "u1", "hi"))
	h.processNext(t, ctx)

	dl, err := h.queue.GetDeadLetter(ctx, id)
	if err != nil {
		t.Fatalf("expected dead letter: %v", err)
	}
	if !strings.Contains(dl.ErrorMessage, models.SendErrorProviderDisabled) {
		t.Errorf("dead letter should carry the send error, got %q", dl.ErrorMessage)
	}
}

func TestOutgoing_RecordedInSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.sessions.GetOrCreateSession(ctx, "u1", "telegram")
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	msg := outgoing("o1", "u1", "reminder")
	msg.SessionID = sess.SessionID
	h.enqueue(t, msg)
	h.processNext(t, ctx)

	got, _ := h.sessions.GetSession(ctx, sess.SessionID)
	if !got.HasMessage("o1") {
		t.Error("delivered outgoing message should be recorded in its session")
	}
}

func TestProcess_SessionWaitExtendsClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enqueue(t, incoming("m1", "u1", "hello"))
	msg, err := h.queue.Dequeue(ctx)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue returned %+v, %v", msg, err)
	}

	// The entry waited four minutes for its session before running.
	h.clock.Advance(4 * time.Minute)
	requeued := -1
	h.exec.before = func() {
		h.clock.Advance(2 * time.Minute)
		requeued, _ = h.queue.RecoverStale(ctx)
	}
	h.worker.process(ctx, msg)

	if requeued != 0 {
		t.Errorf("stale sweep requeued %d entries while the pipeline ran", requeued)
	}
	if got, _ := h.queue.Get(ctx, msg.ID); got.Status != models.QueueStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestProcess_LostClaimIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.enqueue(t, incoming("m1", "u1", "hello"))
	msg, err := h.queue.Dequeue(ctx)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue returned %+v, %v", msg, err)
	}
	h.clock.Advance(10 * time.Minute)
	if n, _ := h.queue.RecoverStale(ctx); n != 1 {
		t.Fatalf("expected the claim to be swept, got %d", n)
	}

	h.worker.process(ctx, msg)
	if n := len(h.exec.contexts); n != 0 {
		t.Fatalf("pipeline ran on a lost claim %d times", n)
	}
	if got, _ := h.queue.Get(ctx, id); got.Status != models.QueueStatusPending {
		t.Errorf("swept entry should stay pending, got %s", got.Status)
	}

	h.processNext(t, ctx)
	if n := len(h.exec.contexts); n != 1 {
		t.Errorf("reclaimed entry should run once, ran %d times", n)
	}
}

func TestCancelledPipelineIsFailed(t *testing.T) {
	h := newHarness(t)
	h.delivery.block = make(chan struct{})
	id := h.enqueue(t, outgoing("o1", "u1", "hi"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.processNext(t, ctx)

	got, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.QueueStatusPending || !strings.HasPrefix(got.LastError, "cancelled") {
		t.Errorf("expected pending entry with cancelled reason, got %s %q", got.Status, got.LastError)
	}
}

func TestRun_ProcessesAndStops(t *testing.T) {
	h := newHarness(t)
	for _, c := range []string{"a", "b", "c"} {
		h.enqueue(t, incoming("m"+c, "user-"+c, c))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.delivery.Sent()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if n := len(h.delivery.Sent()); n != 3 {
		t.Errorf("expected 3 deliveries, got %d", n)
	}
	if n, _ := h.queue.QueueLength(context.Background()); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestRun_RespectsMaxConcurrencyAndDrains(t *testing.T) {
	h := newHarness(t, WithMaxConcurrency(2), WithDrainTimeout(5*time.Second))
	h.delivery.block = make(chan struct{})
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
		h.enqueue(t, outgoing("o-"+u, u, "hi"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.worker.InFlight() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if n := h.worker.InFlight(); n != 2 {
		t.Fatalf("expected 2 in-flight pipelines, got %d", n)
	}

	// Shutdown waits for in-flight work, which finishes once unblocked.
	cancel()
	time.Sleep(20 * time.Millisecond)
	if !h.worker.Running() {
		t.Fatal("Run returned before in-flight pipelines finished")
	}
	close(h.delivery.block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not drain")
	}
	if max := h.delivery.maxSeen.Load(); max > 2 {
		t.Errorf("observed %d concurrent deliveries, limit is 2", max)
	}
	if n := len(h.delivery.Sent()); n != 2 {
		t.Errorf("no new entries should be claimed after shutdown, delivered %d", n)
	}
}

func TestRun_DrainTimeoutCancelsPipelines(t *testing.T) {
	h := newHarness(t, WithDrainTimeout(20*time.Millisecond))
	h.delivery.block = make(chan struct{})
	id := h.enqueue(t, outgoing("o1", "u1", "hi"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.worker.InFlight() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after drain timeout")
	}
	got, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.QueueStatusPending || !strings.HasPrefix(got.LastError, "cancelled") {
		t.Errorf("expected cancelled entry back in pending, got %s %q", got.Status, got.LastError)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("telegram:u1")
			defer unlock()
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Error("two holders of the same key ran concurrently")
	}
	if k.Len() != 0 {
		t.Errorf("expected no leftover keys, got %d", k.Len())
	}

	unlockA := k.Lock("a")
	unlockB := k.Lock("b") // different keys do not block
	unlockA()
	unlockB()
}
