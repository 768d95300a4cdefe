// Package agent runs the pluggable AI agent over a session's conversation and
// turns failures into user-safe responses.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/util"
)

// DefaultTimeout bounds one agent execution.
const DefaultTimeout = 2 * time.Minute

// Agent produces reply messages for a conversation whose last entry is the
// message being answered.
type Agent interface {
	Complete(ctx context.Context, conversation []models.ChatMessage) ([]models.ChatMessage, error)
}

// StreamingAgent is an Agent that can also emit its reply incrementally.
type StreamingAgent interface {
	Agent
	Stream(ctx context.Context, conversation []models.ChatMessage, onDelta func(delta string) error) error
}

// Opts holds configuration options for the executor.
type Opts struct {
	Timeout time.Duration
	Clock   func() time.Time
}

// Option defines a configuration option for the executor.
type Option func(*Opts)

// WithTimeout bounds one agent execution. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Executor builds agent context and invokes the agent.
type Executor struct {
	agent   Agent
	timeout time.Duration
	now     func() time.Time
}

// NewExecutor creates an executor around agent.
func NewExecutor(agent Agent, opts ...Option) *Executor {
	cfg := Opts{Timeout: DefaultTimeout, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor{agent: agent, timeout: cfg.Timeout, now: cfg.Clock}
}

// BuildContext returns the session history in order followed by current.
func BuildContext(session *models.ChatSession, current models.ChatMessage) []models.ChatMessage {
	var history []models.ChatMessage
	if session != nil {
		history = session.History
	}
	out := make([]models.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		out = append(out, m.Clone())
	}
	return append(out, current.Clone())
}

// Execute runs the agent over the session history plus current. Failures are
// returned as Success=false with a user-safe ErrorMessage.
func (e *Executor) Execute(ctx context.Context, current models.ChatMessage, session *models.ChatSession) models.AgentResponse {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	conversation := BuildContext(session, current)
	start := e.now()
	replies, err := e.agent.Complete(ctx, conversation)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && len(replies) == 0 {
		err = NewError(CodeEmptyResponse, errors.New("agent returned no messages"))
	}
	if err != nil {
		msg, code := FriendlyMessage(err)
		slog.Error("Executor.Execute: agent failed", "error", err, "code", code, "platform", current.Platform,
			"sender", current.SenderID, "historyLen", len(conversation)-1, "elapsed", time.Since(start))
		return models.AgentResponse{ErrorMessage: msg, ErrorCode: string(code)}
	}

	out := make([]models.ChatMessage, 0, len(replies))
	for _, r := range replies {
		out = append(out, e.normalizeReply(r, current))
	}
	slog.Debug("Executor.Execute: agent replied", "platform", current.Platform, "sender", current.SenderID, "replies", len(out))
	return models.AgentResponse{Success: true, Messages: out}
}

// ExecuteStreaming is the incremental form of Execute. The returned channel
// yields content chunks followed by exactly one terminal chunk (IsComplete),
// which carries ErrorMessage on failure, and is then closed. A caller that
// cancels ctx and stops reading must not be relied on to drain the channel.
func (e *Executor) ExecuteStreaming(ctx context.Context, current models.ChatMessage, session *models.ChatSession) <-chan models.AgentResponseChunk {
	out := make(chan models.AgentResponseChunk)
	parent := ctx
	go func() {
		defer close(out)
		ctx, cancel := e.withTimeout(parent)
		defer cancel()

		conversation := BuildContext(session, current)
		var err error
		if sa, ok := e.agent.(StreamingAgent); ok {
			err = sa.Stream(ctx, conversation, func(delta string) error {
				if delta == "" {
					return nil
				}
				select {
				case out <- models.AgentResponseChunk{Content: delta}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		} else {
			err = e.completeAsChunk(ctx, conversation, out)
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}

		terminal := models.AgentResponseChunk{IsComplete: true}
		if err != nil {
			msg, code := FriendlyMessage(err)
			slog.Error("Executor.ExecuteStreaming: agent failed", "error", err, "code", code, "platform", current.Platform, "sender", current.SenderID)
			terminal.ErrorMessage = msg
		}
		sendTerminal(parent, out, terminal)
	}()
	return out
}

// terminalGrace is how long a terminal chunk waits for a reader once the
// caller's context is done.
var terminalGrace = time.Second

// sendTerminal delivers the terminal chunk. A live caller always receives it;
// a caller that cancelled gets terminalGrace to drain before it is dropped.
func sendTerminal(parent context.Context, out chan<- models.AgentResponseChunk, terminal models.AgentResponseChunk) {
	select {
	case out <- terminal:
		return
	case <-parent.Done():
	}
	t := time.NewTimer(terminalGrace)
	defer t.Stop()
	select {
	case out <- terminal:
	case <-t.C:
		slog.Warn("Executor.ExecuteStreaming: caller stopped reading, dropping terminal chunk", "error", parent.Err())
	}
}

// completeAsChunk adapts a non-streaming agent to a single content chunk.
func (e *Executor) completeAsChunk(ctx context.Context, conversation []models.ChatMessage, out chan<- models.AgentResponseChunk) error {
	replies, err := e.agent.Complete(ctx, conversation)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(replies))
	for _, r := range replies {
		if r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	if len(parts) == 0 {
		return NewError(CodeEmptyResponse, errors.New("agent returned no content"))
	}
	select {
	case out <- models.AgentResponseChunk{Content: strings.Join(parts, "\n\n")}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// normalizeReply fills routing fields of an agent reply from the message it answers.
func (e *Executor) normalizeReply(r models.ChatMessage, current models.ChatMessage) models.ChatMessage {
	if r.MessageID == "" {
		r.MessageID = util.NewMessageID()
	}
	if r.SenderID == "" {
		r.SenderID = models.AssistantSenderID
	}
	if r.ReceiverID == "" {
		r.ReceiverID = current.SenderID
	}
	if r.Platform == "" {
		r.Platform = current.Platform
	}
	if r.MessageType == "" {
		r.MessageType = models.MessageTypeText
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = e.now()
	}
	if thread := current.Metadata[models.MetaThreadID]; thread != "" && r.Metadata[models.MetaThreadID] == "" {
		r.SetMeta(models.MetaThreadID, thread)
	}
	if target := current.Metadata[models.MetaReplyTarget]; target != "" && r.Metadata[models.MetaReplyTarget] == "" {
		r.SetMeta(models.MetaReplyTarget, target)
	}
	return r
}

// ErrorReply builds the system message that tells the user their message failed.
func ErrorReply(current models.ChatMessage, resp models.AgentResponse, now time.Time) models.ChatMessage {
	text := resp.ErrorMessage
	if text == "" {
		text = genericMessage
	}
	msg := models.ChatMessage{
		MessageID:   util.NewMessageID(),
		SenderID:    models.SystemSenderID,
		ReceiverID:  current.SenderID,
		Content:     text,
		MessageType: models.MessageTypeText,
		Platform:    current.Platform,
		Timestamp:   now,
	}
	if resp.ErrorCode != "" {
		msg.SetMeta(models.MetaErrorCode, resp.ErrorCode)
	}
	if thread := current.Metadata[models.MetaThreadID]; thread != "" {
		msg.SetMeta(models.MetaThreadID, thread)
	}
	if target := current.Metadata[models.MetaReplyTarget]; target != "" {
		msg.SetMeta(models.MetaReplyTarget, target)
	}
	return msg
}
