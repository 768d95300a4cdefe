package messaging

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// PlatformTelegram is the platform id of Telegram bot messages.
const PlatformTelegram = "telegram"

// TelegramSecretHeader carries the secret token configured with setWebhook.
const TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramBot is the part of the Bot API client used to send replies.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramOption configures a TelegramProvider.
type TelegramOption func(*TelegramProvider)

// WithTelegramBot injects the bot client instead of creating one in Initialize.
func WithTelegramBot(bot TelegramBot) TelegramOption {
	return func(p *TelegramProvider) {
		p.bot = bot
	}
}

// WithTelegramSecretToken requires webhooks to carry the given secret token.
func WithTelegramSecretToken(secret string) TelegramOption {
	return func(p *TelegramProvider) {
		p.secret = secret
	}
}

// TelegramProvider receives Telegram updates through a webhook and replies with the Bot API.
type TelegramProvider struct {
	*BaseProvider
	token  string
	secret string

	mu  sync.RWMutex
	bot TelegramBot
}

// NewTelegramProvider creates a Telegram provider for the bot token.
func NewTelegramProvider(token string, opts ...TelegramOption) *TelegramProvider {
	p := &TelegramProvider{
		BaseProvider: NewBaseProvider(PlatformTelegram, "Telegram", models.MessageTypeText, models.MessageTypeImage),
		token:        token,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize creates the Bot API client, which also verifies the token.
func (p *TelegramProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bot != nil {
		return nil
	}
	if p.token == "" {
		return fmt.Errorf("telegram bot token must be provided")
	}
	bot, err := tgbotapi.NewBotAPI(p.token)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	slog.Info("Telegram bot authorized", "username", bot.Self.UserName)
	p.bot = bot
	return nil
}

// ParseMessage parses a Telegram Update. Updates without a message are ignored.
func (p *TelegramProvider) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	if !p.IsEnabled() {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", models.ErrUnparseablePayload)
	}
	m := gjson.GetBytes(raw, "message")
	if !m.Exists() {
		return nil, nil
	}
	from := m.Get("from.id").String()
	chat := m.Get("chat.id").String()
	if from == "" || chat == "" {
		return nil, fmt.Errorf("%w: missing from or chat id", models.ErrUnparseablePayload)
	}
	if m.Get("from.is_bot").Bool() {
		return nil, nil
	}
	if !p.IsAllowed(from) {
		slog.Warn("TelegramProvider.ParseMessage: message from disallowed sender", "from", from)
		return nil, nil
	}

	msg := &models.ChatMessage{
		MessageID:   m.Get("message_id").String(),
		SenderID:    from,
		Content:     m.Get("text").String(),
		MessageType: models.MessageTypeText,
		Platform:    PlatformTelegram,
		Timestamp:   time.Unix(m.Get("date").Int(), 0).UTC(),
	}
	if m.Get("date").Int() == 0 {
		msg.Timestamp = time.Now()
	}
	msg.SetMeta(models.MetaReplyTarget, chat)

	switch {
	case m.Get("photo").Exists():
		msg.MessageType = models.MessageTypeImage
		msg.Content = m.Get("caption").String()
		// The last size is the largest.
		if sizes := m.Get("photo").Array(); len(sizes) > 0 {
			msg.SetMeta("file_id", sizes[len(sizes)-1].Get("file_id").String())
		}
	case m.Get("document").Exists():
		msg.MessageType = models.MessageTypeFile
		msg.Content = m.Get("caption").String()
		msg.SetMeta("file_id", m.Get("document.file_id").String())
		if fn := m.Get("document.file_name").String(); fn != "" {
			msg.SetMeta(models.MetaFileName, fn)
		}
	case m.Get("voice").Exists(), m.Get("audio").Exists():
		msg.MessageType = models.MessageTypeAudio
		msg.Content = m.Get("caption").String()
	case m.Get("video").Exists():
		msg.MessageType = models.MessageTypeVideo
		msg.Content = m.Get("caption").String()
	case msg.Content == "":
		return nil, nil
	}
	if uname := m.Get("from.username").String(); uname != "" {
		msg.SetMeta("username", uname)
	}
	return msg, nil
}

// SendMessage sends msg to the chat id target.
func (p *TelegramProvider) SendMessage(ctx context.Context, msg models.ChatMessage, target string) models.SendResult {
	if !p.IsEnabled() {
		return p.DisabledResult()
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return models.SendFailed(models.SendErrorInvalidTarget, fmt.Sprintf("invalid chat id %q", target), false)
	}
	p.mu.RLock()
	bot := p.bot
	p.mu.RUnlock()
	if bot == nil {
		return models.SendFailed(models.SendErrorTransport, "telegram bot not initialized", true)
	}

	msg = p.Degrade(msg)
	var c tgbotapi.Chattable
	if u := msg.Metadata[models.MetaMediaURL]; msg.MessageType == models.MessageTypeImage && u != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(u))
		photo.Caption = msg.Content
		c = photo
	} else {
		c = tgbotapi.NewMessage(chatID, msg.Content)
	}
	sent, err := bot.Send(c)
	if err != nil {
		slog.Error("TelegramProvider.SendMessage failed", "error", err, "chatID", chatID)
		return telegramSendFailure(err)
	}
	return models.SendOK(strconv.Itoa(sent.MessageID))
}

func (p *TelegramProvider) SendMessages(ctx context.Context, msgs []models.ChatMessage, target string) []models.SendResult {
	return sendEach(ctx, p.SendMessage, msgs, target)
}

// ValidateWebhook checks the secret token header when one is configured.
func (p *TelegramProvider) ValidateWebhook(ctx context.Context, req WebhookRequest) WebhookValidation {
	if !p.IsEnabled() {
		return Invalid("provider %s is disabled", p.PlatformID())
	}
	if req.Method != "" && req.Method != http.MethodPost {
		return Invalid("unexpected method %s", req.Method)
	}
	if p.secret == "" {
		return WebhookValidation{Valid: true}
	}
	got := req.Headers.Get(TelegramSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(p.secret)) != 1 {
		return Invalid("secret token mismatch")
	}
	return WebhookValidation{Valid: true}
}

func telegramSendFailure(err error) models.SendResult {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		detail := fmt.Sprintf("telegram error %d: %s", apiErr.Code, apiErr.Message)
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
			r := models.SendFailed(models.SendErrorRateLimited, detail, true)
			r.RetryAfter = time.Duration(apiErr.RetryAfter) * time.Second
			return r
		case apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden:
			return models.SendFailed(models.SendErrorRejected, detail, false)
		case apiErr.Code >= 500:
			return models.SendFailed(models.SendErrorTransport, detail, true)
		}
		return models.SendFailed(models.SendErrorRejected, detail, false)
	}
	return models.SendFailed(models.SendErrorTransport, err.Error(), true)
}
