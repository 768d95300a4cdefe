package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// PlatformSlack is the platform id of Slack Events API messages.
const PlatformSlack = "slack"

// SlackAPI is the part of the Slack Web API used by the Slack provider.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// SlackOption configures a SlackProvider.
type SlackOption func(*SlackProvider)

// WithSlackAPI injects the Web API client instead of creating one from the bot token.
func WithSlackAPI(api SlackAPI) SlackOption {
	return func(p *SlackProvider) {
		p.api = api
	}
}

// WithSlackSigningSecret enables request signature verification.
func WithSlackSigningSecret(secret string) SlackOption {
	return func(p *SlackProvider) {
		p.signingSecret = secret
	}
}

// SlackProvider receives messages from the Slack Events API and replies with chat.postMessage.
type SlackProvider struct {
	*BaseProvider
	signingSecret string

	mu        sync.RWMutex
	api       SlackAPI
	botUserID string
}

// NewSlackProvider creates a Slack provider for the bot token.
func NewSlackProvider(botToken string, opts ...SlackOption) *SlackProvider {
	p := &SlackProvider{
		BaseProvider: NewBaseProvider(PlatformSlack, "Slack", models.MessageTypeText, models.MessageTypeRichText),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.api == nil && botToken != "" {
		p.api = slack.New(botToken)
	}
	return p
}

// Initialize checks the bot token and records the bot user id so its own messages are ignored.
func (p *SlackProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.api == nil {
		return fmt.Errorf("slack bot token must be provided")
	}
	resp, err := p.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}
	p.botUserID = resp.UserID
	slog.Info("Slack bot authorized", "team", resp.Team, "user", resp.User)
	return nil
}

// ParseMessage parses an Events API callback. Only plain user message events yield a message.
func (p *SlackProvider) ParseMessage(ctx context.Context, raw []byte) (*models.ChatMessage, error) {
	if !p.IsEnabled() {
		return nil, nil
	}
	evt, err := slackevents.ParseEvent(json.RawMessage(raw), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnparseablePayload, err)
	}
	if evt.Type != slackevents.CallbackEvent {
		return nil, nil
	}
	me, ok := evt.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return nil, nil
	}
	p.mu.RLock()
	botUserID := p.botUserID
	p.mu.RUnlock()
	if me.SubType != "" || me.BotID != "" || me.User == "" || (botUserID != "" && me.User == botUserID) {
		return nil, nil
	}
	if strings.TrimSpace(me.Text) == "" {
		return nil, nil
	}
	if !p.IsAllowed(me.User) {
		slog.Warn("SlackProvider.ParseMessage: message from disallowed sender", "user", me.User)
		return nil, nil
	}

	id := me.ClientMsgID
	if id == "" {
		id = me.Channel + ":" + me.TimeStamp
	}
	msg := &models.ChatMessage{
		MessageID:   id,
		SenderID:    me.User,
		Content:     me.Text,
		MessageType: models.MessageTypeText,
		Platform:    PlatformSlack,
		Timestamp:   slackTime(me.TimeStamp),
	}
	msg.SetMeta(models.MetaReplyTarget, me.Channel)
	if me.ThreadTimeStamp != "" {
		msg.SetMeta(models.MetaThreadID, me.ThreadTimeStamp)
	}
	return msg, nil
}

// slackTime converts a Slack "seconds.micros" timestamp.
func slackTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Now()
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

// SendMessage posts msg to the channel target, in the message's thread when it has one.
func (p *SlackProvider) SendMessage(ctx context.Context, msg models.ChatMessage, target string) models.SendResult {
	if !p.IsEnabled() {
		return p.DisabledResult()
	}
	if target == "" {
		return models.SendFailed(models.SendErrorInvalidTarget, "empty target", false)
	}
	p.mu.RLock()
	api := p.api
	p.mu.RUnlock()
	if api == nil {
		return models.SendFailed(models.SendErrorTransport, "slack client not configured", false)
	}

	msg = p.Degrade(msg)
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if ts := msg.Metadata[models.MetaThreadID]; ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	_, ts, err := api.PostMessageContext(ctx, target, opts...)
	if err != nil {
		slog.Error("SlackProvider.SendMessage failed", "error", err, "channel", target)
		return slackSendFailure(err)
	}
	return models.SendOK(ts)
}

func (p *SlackProvider) SendMessages(ctx context.Context, msgs []models.ChatMessage, target string) []models.SendResult {
	return sendEach(ctx, p.SendMessage, msgs, target)
}

// ValidateWebhook verifies the request signature and answers URL verification challenges.
func (p *SlackProvider) ValidateWebhook(ctx context.Context, req WebhookRequest) WebhookValidation {
	if !p.IsEnabled() {
		return Invalid("provider %s is disabled", p.PlatformID())
	}
	if req.Method != "" && req.Method != http.MethodPost {
		return Invalid("unexpected method %s", req.Method)
	}
	if p.signingSecret != "" {
		sv, err := slack.NewSecretsVerifier(req.Headers, p.signingSecret)
		if err != nil {
			return Invalid("missing or stale signature headers: %v", err)
		}
		if _, err := sv.Write(req.Body); err != nil {
			return Invalid("failed to hash body")
		}
		if err := sv.Ensure(); err != nil {
			return Invalid("signature mismatch")
		}
	}
	if gjson.GetBytes(req.Body, "type").String() == slackevents.URLVerification {
		return WebhookValidation{Valid: true, Challenge: gjson.GetBytes(req.Body, "challenge").String()}
	}
	return WebhookValidation{Valid: true}
}

func slackSendFailure(err error) models.SendResult {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		r := models.SendFailed(models.SendErrorRateLimited, err.Error(), true)
		r.RetryAfter = rl.RetryAfter
		return r
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		switch se.Err {
		case "channel_not_found", "not_in_channel", "is_archived", "user_not_found":
			return models.SendFailed(models.SendErrorInvalidTarget, se.Err, false)
		case "internal_error", "fatal_error", "service_unavailable", "request_timeout":
			return models.SendFailed(models.SendErrorTransport, se.Err, true)
		default:
			return models.SendFailed(models.SendErrorRejected, se.Err, false)
		}
	}
	return models.SendFailed(models.SendErrorTransport, err.Error(), true)
}
