package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/models"
)

func TestRecordingProvider_ParseAndValidate(t *testing.T) {
	p := NewRecordingProvider("test")
	p.Token = "tok"
	ctx := context.Background()

	msg, err := p.ParseMessage(ctx, []byte(`{"id":"1","sender":"u1","text":"hi"}`))
	if err != nil || msg == nil || msg.SenderID != "u1" || msg.Platform != "test" {
		t.Fatalf("ParseMessage returned %+v, %v", msg, err)
	}
	if _, err := p.ParseMessage(ctx, []byte(`{"text":"hi"}`)); !errors.Is(err, models.ErrUnparseablePayload) {
		t.Errorf("expected ErrUnparseablePayload, got %v", err)
	}
	if msg, _ := p.ParseMessage(ctx, []byte(`{"sender":"u1","text":"  "}`)); msg != nil {
		t.Error("blank text should be ignored")
	}

	h := http.Header{}
	if p.ValidateWebhook(ctx, messaging.WebhookRequest{Headers: h}).Valid {
		t.Error("missing token accepted")
	}
	h.Set(TestTokenHeader, "tok")
	if !p.ValidateWebhook(ctx, messaging.WebhookRequest{Headers: h}).Valid {
		t.Error("valid token rejected")
	}
}

func TestRecordingProvider_Send(t *testing.T) {
	p := NewRecordingProvider("test")
	ctx := context.Background()
	p.QueueResults(models.SendFailed(models.SendErrorTransport, "down", true))

	if res := p.SendMessage(ctx, models.ChatMessage{Content: "a"}, "u1"); res.Success {
		t.Error("scripted failure not returned")
	}
	res := p.SendMessages(ctx, []models.ChatMessage{{Content: "b"}, {Content: "c", MessageType: models.MessageTypeCard}}, "u1")
	if len(res) != 2 || !res[1].Success {
		t.Fatalf("unexpected results %+v", res)
	}
	sent := p.Sent()
	if len(sent) != 2 || sent[1].Message.Content != "[Card] c" {
		t.Errorf("unexpected sends %+v", sent)
	}
}

func TestFakeAgent(t *testing.T) {
	a := &FakeAgent{Prefix: "echo: "}
	out, err := a.Complete(context.Background(), []models.ChatMessage{{Content: "hello"}})
	if err != nil || len(out) != 1 || out[0].Content != "echo: hello" || a.Calls() != 1 {
		t.Errorf("unexpected completion %+v, %v", out, err)
	}
	a.Err = errors.New("model down")
	if _, err := a.Complete(context.Background(), nil); err == nil {
		t.Error("expected scripted error")
	}
}

func TestNewStack_IngestAndDeliver(t *testing.T) {
	s := NewStack(t, "test")
	ctx := context.Background()
	res, err := s.Ingestor.Ingest(ctx, s.Provider, []byte(`{"id":"m1","sender":"u1","text":"hi"}`))
	if err != nil || res.QueueID == "" {
		t.Fatalf("Ingest returned %+v, %v", res, err)
	}
	stats, err := s.Queue.Stats(ctx)
	if err != nil || stats.QueueLength != 1 {
		t.Errorf("expected one queued entry, got %+v, %v", stats, err)
	}
	if r := s.Router.Deliver(ctx, models.ChatMessage{Platform: "test", Content: "yo"}, "u1"); !r.Success {
		t.Errorf("delivery failed: %+v", r)
	}
}

func TestAssertHelpers(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteHeader(http.StatusOK)
	rr.Body.WriteString(`{"status":"ok"}`)
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "recorder")
	AssertJSONResponse(t, rr, "ok")

	req := CreateHTTPRequest(t, http.MethodPost, "/x", map[string]string{"a": "b"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("JSON content type not set")
	}
}
