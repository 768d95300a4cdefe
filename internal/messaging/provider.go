// Package messaging defines the message provider boundary: parsing platform
// payloads into canonical messages, validating webhooks and sending replies.
package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// WebhookRequest is the transport-independent view of an inbound webhook call.
type WebhookRequest struct {
	Method  string
	URL     string // full URL the platform called, including query
	Headers http.Header
	Body    []byte
}

// Form parses a form-encoded body.
func (r WebhookRequest) Form() (url.Values, error) {
	return url.ParseQuery(string(r.Body))
}

// WebhookValidation is the outcome of ValidateWebhook. Challenge is set when the
// platform expects it echoed back instead of normal processing.
type WebhookValidation struct {
	Valid     bool
	Reason    string
	Challenge string
}

// Invalid returns a failed validation.
func Invalid(format string, args ...any) WebhookValidation {
	return WebhookValidation{Reason: fmt.Sprintf(format, args...)}
}

// Provider adapts one chat platform.
type Provider interface {
	PlatformID() string
	DisplayName() string
	IsEnabled() bool
	SetEnabled(enabled bool)
	SupportedTypes() []models.MessageType

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// ParseMessage converts a raw payload into a canonical message. It returns
	// nil without error for payloads that carry no user message and always
	// when the provider is disabled.
	ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error)
	// SendMessage delivers msg to target, degrading unsupported types to Text.
	SendMessage(ctx context.Context, msg models.ChatMessage, target string) models.SendResult
	SendMessages(ctx context.Context, msgs []models.ChatMessage, target string) []models.SendResult
	ValidateWebhook(ctx context.Context, req WebhookRequest) WebhookValidation
}

// InboundHandler receives canonical messages from providers that are pushed
// messages over a socket instead of webhooks.
type InboundHandler func(ctx context.Context, msg models.ChatMessage) error

// InboundSource is implemented by providers that produce messages on their own.
type InboundSource interface {
	SetInboundHandler(h InboundHandler)
}

// BaseProvider implements the identity, enable flag, allow list and type
// degradation shared by all providers.
type BaseProvider struct {
	id        string
	name      string
	supported []models.MessageType
	allowed   map[string]bool
	enabled   atomic.Bool
}

// NewBaseProvider returns an enabled base for platform id.
func NewBaseProvider(id, displayName string, supported ...models.MessageType) *BaseProvider {
	if len(supported) == 0 {
		supported = []models.MessageType{models.MessageTypeText}
	}
	b := &BaseProvider{id: id, name: displayName, supported: supported}
	b.enabled.Store(true)
	return b
}

func (b *BaseProvider) PlatformID() string  { return b.id }
func (b *BaseProvider) DisplayName() string { return b.name }
func (b *BaseProvider) IsEnabled() bool     { return b.enabled.Load() }

func (b *BaseProvider) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
}

// SupportedTypes returns the message types the platform can send natively.
func (b *BaseProvider) SupportedTypes() []models.MessageType {
	out := make([]models.MessageType, len(b.supported))
	copy(out, b.supported)
	return out
}

// SetAllowedSenders restricts inbound messages to the given sender ids. An empty list allows everyone.
func (b *BaseProvider) SetAllowedSenders(ids []string) {
	if len(ids) == 0 {
		b.allowed = nil
		return
	}
	b.allowed = make(map[string]bool, len(ids))
	for _, id := range ids {
		b.allowed[id] = true
	}
}

// IsAllowed reports whether inbound messages from senderID are accepted.
func (b *BaseProvider) IsAllowed(senderID string) bool {
	if len(b.allowed) == 0 {
		return true
	}
	return b.allowed[senderID]
}

// Degrade rewrites msg to Text when its type is not supported.
func (b *BaseProvider) Degrade(msg models.ChatMessage) models.ChatMessage {
	return models.Degrade(msg, b.supported)
}

// DisabledResult is the SendResult of a disabled provider.
func (b *BaseProvider) DisabledResult() models.SendResult {
	return models.SendFailed(models.SendErrorProviderDisabled, fmt.Sprintf("provider %s is disabled", b.id), false)
}

// Initialize is a no-op.
func (b *BaseProvider) Initialize(ctx context.Context) error { return nil }

// Shutdown is a no-op.
func (b *BaseProvider) Shutdown(ctx context.Context) error { return nil }

// sendEach sends msgs in order with send and collects per-message results.
func sendEach(ctx context.Context, send func(context.Context, models.ChatMessage, string) models.SendResult,
	msgs []models.ChatMessage, target string) []models.SendResult {
	results := make([]models.SendResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, send(ctx, m, target))
	}
	return results
}
