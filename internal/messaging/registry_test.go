package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeProvider("b"))
	r.Register(newFakeProvider("a"))

	if _, err := r.Get("missing"); !errors.Is(err, models.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].PlatformID() != "a" || list[1].PlatformID() != "b" {
		t.Errorf("unexpected provider order %v", list)
	}
	if err := r.SetEnabled("a", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if p, _ := r.Get("a"); p.IsEnabled() {
		t.Error("provider should be disabled")
	}
}

func TestRegistry_InitializeAll(t *testing.T) {
	r := NewRegistry()
	r.SetInitRetry(3, 0)

	flaky := newFakeProvider("flaky")
	flaky.initErrs = []error{errors.New("boom")}
	broken := newFakeProvider("broken")
	broken.initErrs = []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}
	off := newFakeProvider("off")
	off.SetEnabled(false)
	r.Register(flaky)
	r.Register(broken)
	r.Register(off)

	err := r.InitializeAll(context.Background())
	if err == nil {
		t.Fatal("expected error from broken provider")
	}
	if !flaky.IsEnabled() || flaky.initCalls != 2 {
		t.Errorf("flaky provider should succeed on retry, calls=%d enabled=%v", flaky.initCalls, flaky.IsEnabled())
	}
	if broken.IsEnabled() || broken.initCalls != 3 {
		t.Errorf("broken provider should be disabled after 3 attempts, calls=%d", broken.initCalls)
	}
	if off.initCalls != 0 {
		t.Error("disabled providers must not be initialized")
	}

	if err := r.ShutdownAll(context.Background()); err != nil {
		t.Errorf("ShutdownAll failed: %v", err)
	}
	if !flaky.shutdown || !broken.shutdown {
		t.Error("all providers should be shut down")
	}
}

func TestRouter_Deliver(t *testing.T) {
	r := NewRegistry()
	p := newFakeProvider("fake")
	r.Register(p)
	router := NewRouter(r)
	ctx := context.Background()

	res := router.Deliver(ctx, models.ChatMessage{Platform: "nowhere", Content: "x"}, "u")
	if res.ErrorCode != models.SendErrorProviderNotFound || res.Retryable {
		t.Errorf("expected PROVIDER_NOT_FOUND, got %+v", res)
	}

	msg := models.ChatMessage{MessageID: "1", Platform: "fake", SenderID: "u1", Content: "x"}
	msg.SetMeta(models.MetaReplyTarget, "chat-9")
	if res := router.Deliver(ctx, msg, ""); !res.Success || p.targets[0] != "chat-9" {
		t.Errorf("expected delivery to reply target, got %+v targets=%v", res, p.targets)
	}
	if res := router.Deliver(ctx, models.ChatMessage{Platform: "fake"}, ""); res.ErrorCode != models.SendErrorInvalidTarget {
		t.Errorf("expected INVALID_TARGET, got %+v", res)
	}

	failed := models.SendFailed(models.SendErrorTransport, "down", true)
	p.result = &failed
	results := router.DeliverAll(ctx, []models.ChatMessage{msg, msg}, "u1")
	if len(results) != 1 || results[0].Success {
		t.Errorf("DeliverAll should stop at first failure, got %+v", results)
	}
}

type failingEnqueuer struct{ err error }

func (f failingEnqueuer) Enqueue(ctx context.Context, msg models.QueuedMessage) (string, error) {
	return "", f.err
}

type recordingEnqueuer struct{ msgs []models.QueuedMessage }

func (r *recordingEnqueuer) Enqueue(ctx context.Context, msg models.QueuedMessage) (string, error) {
	r.msgs = append(r.msgs, msg)
	return "q1", nil
}

func TestIngestor(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	q := &recordingEnqueuer{}
	in := NewIngestor(q, st)
	p := newFakeProvider("fake")

	res, err := in.Ingest(ctx, p, []byte("hello"))
	if err != nil || res.QueueID != "q1" {
		t.Fatalf("Ingest returned %+v, %v", res, err)
	}
	if q.msgs[0].Type != models.QueueTypeIncoming || q.msgs[0].Message.Content != "hello" {
		t.Errorf("unexpected queued entry %+v", q.msgs[0])
	}

	res, err = in.Ingest(ctx, p, []byte("hello"))
	if err != nil || !res.Duplicate {
		t.Errorf("expected duplicate, got %+v, %v", res, err)
	}
	if res, _ := in.Ingest(ctx, p, nil); !res.Ignored {
		t.Error("empty payload should be ignored")
	}
	if _, err := in.Ingest(ctx, p, []byte("bad")); !IsClientError(err) {
		t.Errorf("expected client error, got %v", err)
	}

	// A failed enqueue must not leave the dedup record behind.
	failing := NewIngestor(failingEnqueuer{err: errors.New("db down")}, st)
	if _, err := failing.Ingest(ctx, p, []byte("again")); err == nil {
		t.Fatal("expected enqueue error")
	}
	if res, err := in.Ingest(ctx, p, []byte("again")); err != nil || res.Duplicate {
		t.Errorf("redelivery after failed enqueue should be accepted, got %+v, %v", res, err)
	}
}
