package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/slack-go/slack"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/whatsapp"
)

func TestWhatsAppProvider_InboundAndSend(t *testing.T) {
	ctx := context.Background()
	mock := whatsapp.NewMockClient()
	p := NewWhatsAppProvider(mock)

	var (
		mu  sync.Mutex
		got []models.ChatMessage
	)
	p.SetInboundHandler(func(ctx context.Context, msg models.ChatMessage) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	})
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	mock.Deliver(whatsapp.Envelope{ID: "W1", Sender: "15551230000", Chat: "15551230000@s.whatsapp.net", Type: "text", Text: "hi", Timestamp: time.Now()})
	mock.Deliver(whatsapp.Envelope{ID: "W2", Sender: "15551230000", Type: "text"})
	mock.Deliver(whatsapp.Envelope{ID: "W3", Sender: "15551230000", Chat: "1203@g.us", IsGroup: true, Type: "image", Text: "look"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 inbound messages, got %d: %+v", len(got), got)
	}
	if got[0].MessageID != "W1" || got[0].Platform != PlatformWhatsApp || got[0].Content != "hi" {
		t.Errorf("unexpected first message %+v", got[0])
	}
	if got[1].MessageType != models.MessageTypeImage || got[1].ReplyTarget() != "1203@g.us" {
		t.Errorf("group image message not parsed: %+v", got[1])
	}

	res := p.SendMessage(ctx, models.ChatMessage{Content: "card", MessageType: models.MessageTypeCard}, "+15551230000")
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if len(mock.Sent) != 1 || mock.Sent[0].Body != "[Card] card" {
		t.Errorf("unexpected sends %+v", mock.Sent)
	}

	if v := p.ValidateWebhook(ctx, WebhookRequest{}); v.Valid {
		t.Error("whatsapp provider must not accept webhooks")
	}

	_ = p.Shutdown(ctx)
	if res := p.SendMessage(ctx, models.ChatMessage{Content: "x"}, "+1555"); res.Success || !res.Retryable {
		t.Errorf("send after disconnect should be a retryable failure, got %+v", res)
	}
}

func TestWhatsAppProvider_ParseMessageErrors(t *testing.T) {
	p := NewWhatsAppProvider(whatsapp.NewMockClient())
	ctx := context.Background()
	if _, err := p.ParseMessage(ctx, []byte("{not json")); !errors.Is(err, models.ErrUnparseablePayload) {
		t.Errorf("expected ErrUnparseablePayload, got %v", err)
	}
	if _, err := p.ParseMessage(ctx, []byte(`{"id":"x","type":"text","text":"hi"}`)); !errors.Is(err, models.ErrUnparseablePayload) {
		t.Errorf("expected error for missing sender, got %v", err)
	}
}

type fakeTelegramBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (b *fakeTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: 100 + len(b.sent)}, nil
}

func TestTelegramProvider_ParseMessage(t *testing.T) {
	p := NewTelegramProvider("", WithTelegramBot(&fakeTelegramBot{}))
	ctx := context.Background()

	update := []byte(`{"update_id":1,"message":{"message_id":7,"date":1700000000,
		"from":{"id":42,"is_bot":false,"username":"ada"},"chat":{"id":-1001,"type":"group"},"text":"hello"}}`)
	msg, err := p.ParseMessage(ctx, update)
	if err != nil || msg == nil {
		t.Fatalf("ParseMessage returned %v, %v", msg, err)
	}
	if msg.MessageID != "7" || msg.SenderID != "42" || msg.ReplyTarget() != "-1001" || msg.Content != "hello" {
		t.Errorf("unexpected message %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}

	photo := []byte(`{"message":{"message_id":8,"date":1700000000,"from":{"id":42},"chat":{"id":42},
		"photo":[{"file_id":"small"},{"file_id":"large"}],"caption":"look"}}`)
	msg, err = p.ParseMessage(ctx, photo)
	if err != nil || msg == nil {
		t.Fatalf("ParseMessage (photo) returned %v, %v", msg, err)
	}
	if msg.MessageType != models.MessageTypeImage || msg.Content != "look" || msg.Metadata["file_id"] != "large" {
		t.Errorf("unexpected photo message %+v", msg)
	}

	if msg, err := p.ParseMessage(ctx, []byte(`{"update_id":2,"edited_message":{}}`)); msg != nil || err != nil {
		t.Errorf("updates without message should be ignored, got %v, %v", msg, err)
	}
	if msg, err := p.ParseMessage(ctx, []byte(`{"message":{"message_id":9,"from":{"id":5,"is_bot":true},"chat":{"id":5},"text":"x"}}`)); msg != nil || err != nil {
		t.Errorf("bot messages should be ignored, got %v, %v", msg, err)
	}
	if _, err := p.ParseMessage(ctx, []byte(`{"message":{"text":"x"}}`)); !errors.Is(err, models.ErrUnparseablePayload) {
		t.Errorf("expected ErrUnparseablePayload, got %v", err)
	}
}

func TestTelegramProvider_Send(t *testing.T) {
	bot := &fakeTelegramBot{}
	p := NewTelegramProvider("", WithTelegramBot(bot))
	ctx := context.Background()

	res := p.SendMessage(ctx, models.ChatMessage{Content: "hi"}, "42")
	if !res.Success || res.MessageID != "101" {
		t.Fatalf("unexpected result %+v", res)
	}
	if m, ok := bot.sent[0].(tgbotapi.MessageConfig); !ok || m.Text != "hi" || m.ChatID != 42 {
		t.Errorf("unexpected chattable %#v", bot.sent[0])
	}

	img := models.ChatMessage{Content: "cap", MessageType: models.MessageTypeImage}
	img.SetMeta(models.MetaMediaURL, "https://example.com/p.png")
	if res := p.SendMessage(ctx, img, "42"); !res.Success {
		t.Fatalf("photo send failed: %+v", res)
	}
	if ph, ok := bot.sent[1].(tgbotapi.PhotoConfig); !ok || ph.Caption != "cap" {
		t.Errorf("expected photo config, got %#v", bot.sent[1])
	}

	if res := p.SendMessage(ctx, models.ChatMessage{Content: "x"}, "not-a-chat"); res.ErrorCode != models.SendErrorInvalidTarget {
		t.Errorf("expected INVALID_TARGET, got %+v", res)
	}

	bot.err = &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}}
	res = p.SendMessage(ctx, models.ChatMessage{Content: "x"}, "42")
	if res.ErrorCode != models.SendErrorRateLimited || !res.Retryable || res.RetryAfter != 7*time.Second {
		t.Errorf("expected rate limit with hint, got %+v", res)
	}
	bot.err = &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	if res := p.SendMessage(ctx, models.ChatMessage{Content: "x"}, "42"); res.Retryable {
		t.Errorf("blocked bot should not be retryable, got %+v", res)
	}
	bot.err = errors.New("connection reset")
	if res := p.SendMessage(ctx, models.ChatMessage{Content: "x"}, "42"); !res.Retryable {
		t.Errorf("network errors should be retryable, got %+v", res)
	}
}

func TestTelegramProvider_ValidateWebhook(t *testing.T) {
	p := NewTelegramProvider("", WithTelegramBot(&fakeTelegramBot{}), WithTelegramSecretToken("s3cret"))
	ctx := context.Background()
	req := WebhookRequest{Method: http.MethodPost, Headers: http.Header{}}
	if v := p.ValidateWebhook(ctx, req); v.Valid {
		t.Error("missing secret must be rejected")
	}
	req.Headers.Set(TelegramSecretHeader, "s3cret")
	if v := p.ValidateWebhook(ctx, req); !v.Valid {
		t.Errorf("valid secret rejected: %s", v.Reason)
	}
}

type fakeSlackAPI struct {
	channel string
	err     error
	posts   int
}

func (f *fakeSlackAPI) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.posts++
	f.channel = channelID
	return channelID, fmt.Sprintf("1700000000.%06d", f.posts), nil
}

func (f *fakeSlackAPI) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT", Team: "team", User: "bot"}, nil
}

const slackMessageEvent = `{"token":"t","team_id":"T1","api_app_id":"A1","type":"event_callback",
"event_id":"Ev1","event_time":1700000000,
"event":{"type":"message","user":"%s","text":"hello","ts":"1700000000.000100","channel":"C1","thread_ts":"%s","client_msg_id":"cm-1"}}`

func TestSlackProvider_ParseMessage(t *testing.T) {
	p := NewSlackProvider("", WithSlackAPI(&fakeSlackAPI{}))
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	msg, err := p.ParseMessage(ctx, []byte(fmt.Sprintf(slackMessageEvent, "U1", "1699999999.000001")))
	if err != nil || msg == nil {
		t.Fatalf("ParseMessage returned %v, %v", msg, err)
	}
	if msg.MessageID != "cm-1" || msg.SenderID != "U1" || msg.ReplyTarget() != "C1" || msg.Metadata[models.MetaThreadID] != "1699999999.000001" {
		t.Errorf("unexpected message %+v", msg)
	}

	if msg, err := p.ParseMessage(ctx, []byte(fmt.Sprintf(slackMessageEvent, "UBOT", ""))); msg != nil || err != nil {
		t.Errorf("bot's own messages should be ignored, got %v, %v", msg, err)
	}
}

func TestSlackProvider_SendAndErrors(t *testing.T) {
	api := &fakeSlackAPI{}
	p := NewSlackProvider("", WithSlackAPI(api))
	ctx := context.Background()

	reply := models.ChatMessage{Content: "hi", MessageType: models.MessageTypeRichText}
	reply.SetMeta(models.MetaThreadID, "1.2")
	res := p.SendMessage(ctx, reply, "C1")
	if !res.Success || api.channel != "C1" {
		t.Fatalf("unexpected result %+v", res)
	}

	api.err = &slack.RateLimitedError{RetryAfter: 3 * time.Second}
	res = p.SendMessage(ctx, reply, "C1")
	if res.ErrorCode != models.SendErrorRateLimited || res.RetryAfter != 3*time.Second {
		t.Errorf("expected rate limit, got %+v", res)
	}
	api.err = slack.SlackErrorResponse{Err: "channel_not_found"}
	if res := p.SendMessage(ctx, reply, "C1"); res.ErrorCode != models.SendErrorInvalidTarget || res.Retryable {
		t.Errorf("expected INVALID_TARGET, got %+v", res)
	}
}

func TestSlackProvider_ValidateWebhook(t *testing.T) {
	const secret = "signing-secret"
	p := NewSlackProvider("", WithSlackAPI(&fakeSlackAPI{}), WithSlackSigningSecret(secret))
	ctx := context.Background()

	body := []byte(`{"token":"t","challenge":"abc123","type":"url_verification"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + string(body)))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", sig)
	v := p.ValidateWebhook(ctx, WebhookRequest{Method: http.MethodPost, Headers: h, Body: body})
	if !v.Valid || v.Challenge != "abc123" {
		t.Fatalf("expected valid challenge, got %+v", v)
	}

	h.Set("X-Slack-Signature", "v0=deadbeef")
	if v := p.ValidateWebhook(ctx, WebhookRequest{Method: http.MethodPost, Headers: h, Body: body}); v.Valid {
		t.Error("bad signature accepted")
	}
}
