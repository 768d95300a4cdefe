package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/twiliowhatsapp"
)

// PlatformTwilio is the platform id of WhatsApp messages relayed by Twilio.
const PlatformTwilio = "twilio"

// TwilioSignatureHeader carries the HMAC signature of a Twilio webhook.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioProvider receives WhatsApp messages through Twilio webhooks and sends replies with the REST API.
type TwilioProvider struct {
	*BaseProvider
	client twiliowhatsapp.Sender
	now    func() time.Time
}

// NewTwilioProvider creates a Twilio provider using client (real or mock).
func NewTwilioProvider(client twiliowhatsapp.Sender) *TwilioProvider {
	return &TwilioProvider{
		BaseProvider: NewBaseProvider(PlatformTwilio, "WhatsApp (Twilio)", models.MessageTypeText, models.MessageTypeImage),
		client:       client,
		now:          time.Now,
	}
}

// ParseMessage parses a form-encoded Twilio message webhook.
func (p *TwilioProvider) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	if !p.IsEnabled() {
		return nil, nil
	}
	form, err := WebhookRequest{Body: raw}.Form()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnparseablePayload, err)
	}
	from := strings.TrimPrefix(form.Get("From"), twiliowhatsapp.AddressPrefix)
	if from == "" {
		return nil, fmt.Errorf("%w: missing From", models.ErrUnparseablePayload)
	}
	if !p.IsAllowed(from) {
		slog.Warn("TwilioProvider.ParseMessage: message from disallowed sender", "from", from)
		return nil, nil
	}

	msg := &models.ChatMessage{
		MessageID:   form.Get("MessageSid"),
		SenderID:    from,
		ReceiverID:  strings.TrimPrefix(form.Get("To"), twiliowhatsapp.AddressPrefix),
		Content:     form.Get("Body"),
		MessageType: models.MessageTypeText,
		Platform:    PlatformTwilio,
		Timestamp:   p.now(),
	}
	if form.Get("NumMedia") != "" && form.Get("NumMedia") != "0" {
		msg.MessageType = mediaType(form.Get("MediaContentType0"))
		msg.SetMeta(models.MetaMediaURL, form.Get("MediaUrl0"))
	}
	if msg.Content == "" && msg.MessageType == models.MessageTypeText {
		slog.Debug("TwilioProvider.ParseMessage: ignoring empty message", "from", from)
		return nil, nil
	}
	if name := form.Get("ProfileName"); name != "" {
		msg.SetMeta("profile_name", name)
	}
	return msg, nil
}

// SendMessage sends msg to the phone number target.
func (p *TwilioProvider) SendMessage(ctx context.Context, msg models.ChatMessage, target string) models.SendResult {
	if !p.IsEnabled() {
		return p.DisabledResult()
	}
	if target == "" {
		return models.SendFailed(models.SendErrorInvalidTarget, "empty target", false)
	}
	msg = p.Degrade(msg)

	var media []string
	if msg.MessageType == models.MessageTypeImage {
		if u := msg.Metadata[models.MetaMediaURL]; u != "" {
			media = []string{u}
		}
	}
	sid, err := p.client.SendMessage(ctx, target, msg.Content, media)
	if err != nil {
		slog.Error("TwilioProvider.SendMessage failed", "error", err, "to", target)
		return twilioSendFailure(err)
	}
	return models.SendOK(sid)
}

func (p *TwilioProvider) SendMessages(ctx context.Context, msgs []models.ChatMessage, target string) []models.SendResult {
	return sendEach(ctx, p.SendMessage, msgs, target)
}

// ValidateWebhook verifies the X-Twilio-Signature header.
func (p *TwilioProvider) ValidateWebhook(ctx context.Context, req WebhookRequest) WebhookValidation {
	if !p.IsEnabled() {
		return Invalid("provider %s is disabled", p.PlatformID())
	}
	if req.Method != "" && req.Method != http.MethodPost {
		return Invalid("unexpected method %s", req.Method)
	}
	sig := req.Headers.Get(TwilioSignatureHeader)
	if sig == "" {
		return Invalid("missing %s header", TwilioSignatureHeader)
	}
	form, err := req.Form()
	if err != nil {
		return Invalid("malformed form body")
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if !p.client.ValidateSignature(req.URL, params, sig) {
		return Invalid("signature mismatch")
	}
	return WebhookValidation{Valid: true}
}

func mediaType(contentType string) models.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageTypeAudio
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageTypeVideo
	case contentType == "":
		return models.MessageTypeUnknown
	default:
		return models.MessageTypeFile
	}
}

// twilioSendFailure classifies Twilio REST errors.
func twilioSendFailure(err error) models.SendResult {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		detail := fmt.Sprintf("twilio error %d: %s", restErr.Code, restErr.Message)
		switch {
		case restErr.Status == http.StatusTooManyRequests:
			return models.SendFailed(models.SendErrorRateLimited, detail, true)
		case restErr.Code == 21211 || restErr.Code == 21614 || restErr.Code == 63003:
			return models.SendFailed(models.SendErrorInvalidTarget, detail, false)
		case restErr.Status >= 500:
			return models.SendFailed(models.SendErrorTransport, detail, true)
		case restErr.Status >= 400:
			return models.SendFailed(models.SendErrorRejected, detail, false)
		}
	}
	return models.SendFailed(models.SendErrorTransport, err.Error(), true)
}
