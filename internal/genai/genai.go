// Package genai provides the chat agent backed by the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/BTreeMap/ChatPipe/internal/agent"
	"github.com/BTreeMap/ChatPipe/internal/models"
)

// Default configuration values
const (
	DefaultModel        = openai.ChatModelGPT4oMini
	DefaultTemperature  = 0.7
	DefaultSystemPrompt = "You are a helpful assistant chatting with users over messaging apps. Keep replies concise."
)

// ErrNoChoicesReturned is returned when the API responds without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chunkStream is the subset of ssestream.Stream used for streaming completions.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream
}

// completionsService adapts openai.ChatCompletionService to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (c completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

func (c completionsService) Stream(ctx context.Context, params openai.ChatCompletionNewParams) chunkStream {
	var s *ssestream.Stream[openai.ChatCompletionChunk] = c.svc.NewStreaming(ctx, params)
	return s
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	SystemPrompt        string
	DebugMode           bool   // write each API exchange to StateDir/debug
	StateDir            string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxCompletionTokens bounds the reply length. Zero leaves it to the API.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithSystemPrompt sets the system prompt prepended to every conversation.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// WithDebugMode enables writing API exchanges to disk.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written under.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client is an agent.StreamingAgent backed by OpenAI chat completions.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	systemPrompt        string
	debugMode           bool
	stateDir            string
}

var _ agent.StreamingAgent = (*Client)(nil)

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:        DefaultModel,
		Temperature:  DefaultTemperature,
		SystemPrompt: DefaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "temperature", cfg.Temperature,
		"maxCompletionTokens", cfg.MaxCompletionTokens, "debugMode", cfg.DebugMode)
	return &Client{
		chat:                completionsService{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		systemPrompt:        cfg.SystemPrompt,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}, nil
}

// Complete answers the last message of conversation with one assistant message.
func (c *Client) Complete(ctx context.Context, conversation []models.ChatMessage) ([]models.ChatMessage, error) {
	params := c.buildParams(conversation)
	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog(params, resp, err)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, agent.NewError(agent.CodeEmptyResponse, ErrNoChoicesReturned)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, agent.NewError(agent.CodeContentFiltered, errors.New("completion stopped by content filter"))
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, agent.NewError(agent.CodeEmptyResponse, errors.New("empty completion"))
	}
	slog.Debug("genai.Complete: completion received", "model", resp.Model, "promptTokens", resp.Usage.PromptTokens,
		"completionTokens", resp.Usage.CompletionTokens)
	return []models.ChatMessage{{Content: content, MessageType: models.MessageTypeText}}, nil
}

// Stream answers the last message of conversation, calling onDelta for every content fragment.
func (c *Client) Stream(ctx context.Context, conversation []models.ChatMessage, onDelta func(string) error) error {
	params := c.buildParams(conversation)
	stream := c.chat.Stream(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason == "content_filter" {
			return agent.NewError(agent.CodeContentFiltered, errors.New("completion stopped by content filter"))
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return classifyError(err)
	}
	return nil
}

// buildParams maps the conversation to chat roles. Messages from the assistant
// are assistant turns, system notices are skipped and everything else is a user turn.
func (c *Client) buildParams(conversation []models.ChatMessage) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(conversation)+1)
	if c.systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(c.systemPrompt))
	}
	for _, m := range conversation {
		switch m.SenderID {
		case models.AssistantSenderID:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case models.SystemSenderID:
			continue
		default:
			msgs = append(msgs, openai.UserMessage(userContent(m)))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    msgs,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}
	return params
}

// userContent renders non-text messages with their type so the model knows
// what the user sent.
func userContent(m models.ChatMessage) string {
	if m.MessageType == "" || m.MessageType == models.MessageTypeText {
		return m.Content
	}
	if url := m.Metadata[models.MetaMediaURL]; url != "" {
		return fmt.Sprintf("[%s: %s] %s", m.MessageType, url, m.Content)
	}
	return fmt.Sprintf("[%s] %s", m.MessageType, m.Content)
}

// classifyError maps API failures to agent error codes.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return agent.NewError(agent.CodeRateLimited, err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return agent.NewError(agent.CodeUnauthorized, err)
		case apiErr.Code == "context_length_exceeded":
			return agent.NewError(agent.CodeContextTooLong, err)
		case apiErr.Code == "content_filter" || apiErr.Code == "content_policy_violation":
			return agent.NewError(agent.CodeContentFiltered, err)
		case apiErr.StatusCode >= 500:
			return agent.NewError(agent.CodeUnavailable, err)
		}
	}
	return err
}

// writeDebugLog stores one API exchange as JSON under stateDir/debug.
func (c *Client) writeDebugLog(params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.writeDebugLog: failed to create debug dir", "error", err, "dir", dir)
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"model":     c.model,
		"request":   params,
	}
	if callErr != nil {
		entry["error"] = callErr.Error()
	} else {
		entry["response"] = resp
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebugLog: failed to marshal", "error", err)
		return
	}
	name := fmt.Sprintf("genai_%s.json", time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("genai.writeDebugLog: failed to write", "error", err)
	}
}
