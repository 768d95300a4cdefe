package testutil

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/models"
)

// TestTokenHeader authenticates webhooks sent to a RecordingProvider.
const TestTokenHeader = "X-Test-Token"

// RecordingProvider is an in-memory messaging.Provider. Inbound payloads are JSON
// objects {"id", "sender", "text", "type"}; sends are recorded.
type RecordingProvider struct {
	*messaging.BaseProvider
	Token string // when set, webhooks must carry it in TestTokenHeader

	mu      sync.Mutex
	sent    []SentMessage
	results []models.SendResult
	inbound messaging.InboundHandler
}

// SentMessage is one recorded delivery.
type SentMessage struct {
	Target  string
	Message models.ChatMessage
}

// NewRecordingProvider returns an enabled provider for platform that supports text only.
func NewRecordingProvider(platform string) *RecordingProvider {
	return &RecordingProvider{BaseProvider: messaging.NewBaseProvider(platform, "Test "+platform, models.MessageTypeText)}
}

// QueueResults scripts the results of the next sends; afterwards sends succeed.
func (p *RecordingProvider) QueueResults(results ...models.SendResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, results...)
}

// Sent returns a copy of the recorded deliveries.
func (p *RecordingProvider) Sent() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SentMessage(nil), p.sent...)
}

// SetInboundHandler makes the provider an InboundSource.
func (p *RecordingProvider) SetInboundHandler(h messaging.InboundHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = h
}

// Push delivers msg through the inbound handler as a socket provider would.
func (p *RecordingProvider) Push(ctx context.Context, msg models.ChatMessage) error {
	p.mu.Lock()
	h := p.inbound
	p.mu.Unlock()
	if h == nil {
		return errors.New("no inbound handler")
	}
	msg.Platform = p.PlatformID()
	return h(ctx, msg)
}

func (p *RecordingProvider) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	if !p.IsEnabled() || len(raw) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", models.ErrUnparseablePayload)
	}
	body := gjson.ParseBytes(raw)
	sender := body.Get("sender").String()
	if sender == "" {
		return nil, fmt.Errorf("%w: missing sender", models.ErrUnparseablePayload)
	}
	text := body.Get("text").String()
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	mt := models.MessageType(body.Get("type").String())
	if mt == "" {
		mt = models.MessageTypeText
	}
	return &models.ChatMessage{
		MessageID:   body.Get("id").String(),
		SenderID:    sender,
		Content:     text,
		MessageType: mt,
		Platform:    p.PlatformID(),
		Timestamp:   time.Now(),
	}, nil
}

func (p *RecordingProvider) SendMessage(ctx context.Context, msg models.ChatMessage, target string) models.SendResult {
	if !p.IsEnabled() {
		return p.DisabledResult()
	}
	msg = p.Degrade(msg)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) > 0 {
		res := p.results[0]
		p.results = p.results[1:]
		if !res.Success {
			return res
		}
	}
	p.sent = append(p.sent, SentMessage{Target: target, Message: msg})
	return models.SendOK(fmt.Sprintf("%s-%d", p.PlatformID(), len(p.sent)))
}

func (p *RecordingProvider) SendMessages(ctx context.Context, msgs []models.ChatMessage, target string) []models.SendResult {
	out := make([]models.SendResult, 0, len(msgs))
	for _, m := range msgs {
		res := p.SendMessage(ctx, m, target)
		out = append(out, res)
		if !res.Success {
			break
		}
	}
	return out
}

func (p *RecordingProvider) ValidateWebhook(ctx context.Context, req messaging.WebhookRequest) messaging.WebhookValidation {
	if !p.IsEnabled() {
		return messaging.Invalid("provider disabled")
	}
	if p.Token == "" {
		return messaging.WebhookValidation{Valid: true}
	}
	got := req.Headers.Get(TestTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(p.Token)) != 1 {
		return messaging.Invalid("bad token")
	}
	return messaging.WebhookValidation{Valid: true}
}

// FakeAgent answers every conversation with Prefix plus the last message content.
type FakeAgent struct {
	Prefix string
	Err    error

	mu    sync.Mutex
	calls int
	last  []models.ChatMessage
}

// Complete implements agent.Agent.
func (a *FakeAgent) Complete(ctx context.Context, conversation []models.ChatMessage) ([]models.ChatMessage, error) {
	a.mu.Lock()
	a.calls++
	a.last = conversation
	err := a.Err
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(conversation) == 0 {
		return nil, errors.New("empty conversation")
	}
	current := conversation[len(conversation)-1]
	return []models.ChatMessage{{Content: a.Prefix + current.Content, MessageType: models.MessageTypeText}}, nil
}

// Calls returns how many times Complete ran.
func (a *FakeAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// LastConversation returns the conversation passed to the most recent call.
func (a *FakeAgent) LastConversation() []models.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
