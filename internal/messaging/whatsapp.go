package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.mau.fi/whatsmeow"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/whatsapp"
)

// PlatformWhatsApp is the platform id of messages received through a linked WhatsApp device.
const PlatformWhatsApp = "whatsapp"

// WhatsAppProvider connects a linked WhatsApp device. Messages arrive over the
// device socket, so ValidateWebhook always rejects.
type WhatsAppProvider struct {
	*BaseProvider
	client whatsapp.WhatsAppSender

	mu      sync.RWMutex
	inbound InboundHandler
}

// NewWhatsAppProvider creates a WhatsApp provider using client (real or mock).
func NewWhatsAppProvider(client whatsapp.WhatsAppSender) *WhatsAppProvider {
	return &WhatsAppProvider{
		BaseProvider: NewBaseProvider(PlatformWhatsApp, "WhatsApp", models.MessageTypeText),
		client:       client,
	}
}

func (p *WhatsAppProvider) SetInboundHandler(h InboundHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = h
}

// Initialize registers the envelope handler and connects the device.
func (p *WhatsAppProvider) Initialize(ctx context.Context) error {
	p.client.OnMessage(p.onEnvelope)
	if err := p.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect WhatsApp: %w", err)
	}
	return nil
}

func (p *WhatsAppProvider) Shutdown(ctx context.Context) error {
	p.client.Disconnect()
	return nil
}

func (p *WhatsAppProvider) onEnvelope(raw []byte) {
	ctx := context.Background()
	msg, err := p.ParseMessage(ctx, raw)
	if err != nil {
		slog.Error("WhatsAppProvider.onEnvelope: parse failed", "error", err)
		return
	}
	if msg == nil {
		return
	}
	p.mu.RLock()
	h := p.inbound
	p.mu.RUnlock()
	if h == nil {
		slog.Warn("WhatsAppProvider.onEnvelope: no inbound handler, dropping message", "messageID", msg.MessageID)
		return
	}
	if err := h(ctx, *msg); err != nil {
		slog.Error("WhatsAppProvider.onEnvelope: inbound handler failed", "error", err, "messageID", msg.MessageID)
	}
}

// ParseMessage parses a JSON envelope produced by the WhatsApp client.
func (p *WhatsAppProvider) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	if !p.IsEnabled() {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", models.ErrUnparseablePayload)
	}
	env := gjson.ParseBytes(raw)
	sender := env.Get("sender").String()
	if sender == "" {
		return nil, fmt.Errorf("%w: missing sender", models.ErrUnparseablePayload)
	}
	if !p.IsAllowed(sender) {
		slog.Warn("WhatsAppProvider.ParseMessage: message from disallowed sender", "sender", sender)
		return nil, nil
	}

	msg := &models.ChatMessage{
		MessageID:   env.Get("id").String(),
		SenderID:    sender,
		Content:     env.Get("text").String(),
		MessageType: envelopeType(env.Get("type").String()),
		Platform:    PlatformWhatsApp,
		Timestamp:   env.Get("timestamp").Time(),
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.MessageType == models.MessageTypeText && msg.Content == "" {
		return nil, nil
	}
	// Group replies go to the group, not the member.
	if env.Get("is_group").Bool() {
		msg.SetMeta(models.MetaReplyTarget, env.Get("chat").String())
	}
	if name := env.Get("push_name").String(); name != "" {
		msg.SetMeta("push_name", name)
	}
	if fn := env.Get("file_name").String(); fn != "" {
		msg.SetMeta(models.MetaFileName, fn)
	}
	return msg, nil
}

func envelopeType(t string) models.MessageType {
	switch t {
	case "text":
		return models.MessageTypeText
	case "image":
		return models.MessageTypeImage
	case "video":
		return models.MessageTypeVideo
	case "audio":
		return models.MessageTypeAudio
	case "document":
		return models.MessageTypeFile
	default:
		return models.MessageTypeUnknown
	}
}

func (p *WhatsAppProvider) SendMessage(ctx context.Context, msg models.ChatMessage, target string) models.SendResult {
	if !p.IsEnabled() {
		return p.DisabledResult()
	}
	if strings.TrimSpace(target) == "" {
		return models.SendFailed(models.SendErrorInvalidTarget, "empty target", false)
	}
	msg = p.Degrade(msg)
	id, err := p.client.SendMessage(ctx, target, msg.Content)
	if err != nil {
		slog.Error("WhatsAppProvider.SendMessage failed", "error", err, "to", target)
		return whatsAppSendFailure(err)
	}
	return models.SendOK(id)
}

func (p *WhatsAppProvider) SendMessages(ctx context.Context, msgs []models.ChatMessage, target string) []models.SendResult {
	return sendEach(ctx, p.SendMessage, msgs, target)
}

func (p *WhatsAppProvider) ValidateWebhook(ctx context.Context, req WebhookRequest) WebhookValidation {
	return Invalid("provider %s does not accept webhooks", p.PlatformID())
}

func whatsAppSendFailure(err error) models.SendResult {
	switch {
	case errors.Is(err, whatsapp.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotConnected):
		return models.SendFailed(models.SendErrorTransport, err.Error(), true)
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return models.SendFailed(models.SendErrorRejected, err.Error(), false)
	case strings.Contains(err.Error(), "invalid phone number"), strings.Contains(err.Error(), "recipient cannot be empty"):
		return models.SendFailed(models.SendErrorInvalidTarget, err.Error(), false)
	default:
		return models.SendFailed(models.SendErrorTransport, err.Error(), true)
	}
}
