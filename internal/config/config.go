// Package config defines ChatPipe's command line and environment configuration.
//
// Every option can be set with a long flag or an environment variable; values from
// .env files are loaded into the environment first, so explicit environment
// variables and flags win over them.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChatPipe/internal/store"
)

// Defaults that are not expressed as struct tags.
const (
	DefaultStateDir       = "/var/lib/chatpipe"
	DefaultDBFileName     = "chatpipe.db"
	DefaultWhatsAppDBName = "whatsmeow.db"
)

// HTTPOptions configures the webhook and operator server.
type HTTPOptions struct {
	Addr            string        `long:"addr" env:"ADDR" default:":8080" description:"listen address"`
	PublicURL       string        `long:"public-url" env:"PUBLIC_URL" description:"externally visible base URL, used to verify signed webhooks behind a proxy"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"15s" description:"grace period for in-flight HTTP requests"`
}

// QueueOptions configures retry behaviour and housekeeping of the message queue.
type QueueOptions struct {
	MaxRetryCount      int           `long:"max-retry-count" env:"MAX_RETRY_COUNT" default:"3" description:"retries before an entry is dead-lettered"`
	BaseRetryDelay     time.Duration `long:"base-retry-delay" env:"BASE_RETRY_DELAY" default:"30s" description:"first retry delay, doubled per attempt"`
	MaxRetryDelay      time.Duration `long:"max-retry-delay" env:"MAX_RETRY_DELAY" default:"1h" description:"upper bound of the retry delay"`
	VisibilityTimeout  time.Duration `long:"visibility-timeout" env:"VISIBILITY_TIMEOUT" default:"5m" description:"time before a claimed entry is considered stuck"`
	CompletedRetention time.Duration `long:"completed-retention" env:"COMPLETED_RETENTION" default:"24h" description:"how long completed entries and dedup records are kept; 0 keeps them forever"`
}

// WorkerOptions configures the processing worker.
type WorkerOptions struct {
	MaxConcurrency      int           `long:"max-concurrency" env:"MAX_CONCURRENCY" default:"5" description:"pipelines processed in parallel"`
	PollingInterval     time.Duration `long:"polling-interval" env:"POLLING_INTERVAL" default:"1s" description:"sleep when the queue is empty"`
	ErrorDelay          time.Duration `long:"error-delay" env:"ERROR_DELAY" default:"5s" description:"sleep after a queue error"`
	DrainTimeout        time.Duration `long:"drain-timeout" env:"DRAIN_TIMEOUT" default:"30s" description:"wait for in-flight pipelines on shutdown"`
	NoSerializeSessions bool          `long:"no-serialize-sessions" env:"NO_SERIALIZE_SESSIONS" description:"allow concurrent pipelines for the same session"`
}

// SessionOptions configures the session manager.
type SessionOptions struct {
	MaxHistoryCount int           `long:"max-history" env:"MAX_HISTORY" default:"100" description:"messages kept per session"`
	Expiration      time.Duration `long:"expiration" env:"EXPIRATION" default:"30m" description:"idle time before a session expires"`
	CacheExpiration time.Duration `long:"cache-expiration" env:"CACHE_EXPIRATION" default:"10m" description:"in-process cache TTL"`
	DisableCache    bool          `long:"disable-cache" env:"DISABLE_CACHE" description:"always read sessions from the store"`
}

// AgentOptions configures the OpenAI-backed agent.
type AgentOptions struct {
	Timeout          time.Duration `long:"timeout" env:"TIMEOUT" default:"2m" description:"bound on one agent execution"`
	APIKey           string        `long:"api-key" env:"API_KEY" description:"OpenAI API key; falls back to $OPENAI_API_KEY"`
	BaseURL          string        `long:"base-url" env:"BASE_URL" description:"OpenAI-compatible endpoint"`
	Model            string        `long:"model" env:"MODEL" description:"chat model"`
	Temperature      float64       `long:"temperature" env:"TEMPERATURE" default:"0.7" description:"sampling temperature"`
	SystemPrompt     string        `long:"system-prompt" env:"SYSTEM_PROMPT" description:"system prompt text"`
	SystemPromptFile string        `long:"system-prompt-file" env:"SYSTEM_PROMPT_FILE" description:"read the system prompt from a file"`
	Debug            bool          `long:"debug" env:"DEBUG" description:"write request/response logs under the state directory"`
}

// TwilioOptions configures the Twilio WhatsApp provider.
type TwilioOptions struct {
	AccountSID string `long:"account-sid" env:"ACCOUNT_SID" description:"Twilio account SID"`
	AuthToken  string `long:"auth-token" env:"AUTH_TOKEN" description:"Twilio auth token"`
	From       string `long:"from" env:"FROM_NUMBER" description:"sending WhatsApp number"`
}

// WhatsAppOptions configures the multi-device WhatsApp provider.
type WhatsAppOptions struct {
	Enabled     bool   `long:"enable" env:"ENABLE" description:"connect a WhatsApp device"`
	DSN         string `long:"db-dsn" env:"DB_DSN" description:"device store DSN; defaults to the main PostgreSQL DSN or a SQLite file in the state directory"`
	QROutput    string `long:"qr-output" env:"QR_OUTPUT" description:"write the login QR code to this file"`
	NumericCode bool   `long:"numeric-code" env:"NUMERIC_CODE" description:"print the login code as text"`
}

// TelegramOptions configures the Telegram provider.
type TelegramOptions struct {
	Token       string `long:"token" env:"BOT_TOKEN" description:"bot token"`
	SecretToken string `long:"secret-token" env:"SECRET_TOKEN" description:"webhook secret token"`
}

// SlackOptions configures the Slack provider.
type SlackOptions struct {
	BotToken      string `long:"bot-token" env:"BOT_TOKEN" description:"bot user OAuth token"`
	SigningSecret string `long:"signing-secret" env:"SIGNING_SECRET" description:"request signing secret"`
}

// Options is the full ChatPipe configuration.
type Options struct {
	StateDir                string   `long:"state-dir" env:"CHATPIPE_STATE_DIR" default:"/var/lib/chatpipe" description:"state directory (lock file, SQLite databases)"`
	DatabaseDSN             string   `long:"db-dsn" env:"DATABASE_URL" description:"queue/session store DSN; empty uses SQLite in the state directory"`
	InMemory                bool     `long:"in-memory" env:"CHATPIPE_IN_MEMORY" description:"keep queue and sessions in memory (testing only)"`
	LogLevel                string   `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"log level"`
	LogFormat               string   `long:"log-format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"log output format"`
	AllowedSenders          []string `long:"allow-sender" env:"ALLOWED_SENDERS" env-delim:"," description:"only accept messages from these sender ids (repeatable)"`
	AllowUnverifiedWebhooks bool     `long:"allow-unverified-webhooks" env:"ALLOW_UNVERIFIED_WEBHOOKS" description:"accept Telegram and Slack webhooks when no secret is configured"`
	Version                 bool     `long:"version" short:"v" description:"show version information"`

	HTTP     HTTPOptions     `group:"HTTP Options" namespace:"http" env-namespace:"HTTP"`
	Queue    QueueOptions    `group:"Queue Options" namespace:"queue" env-namespace:"QUEUE"`
	Worker   WorkerOptions   `group:"Worker Options" namespace:"worker" env-namespace:"WORKER"`
	Session  SessionOptions  `group:"Session Options" namespace:"session" env-namespace:"SESSION"`
	Agent    AgentOptions    `group:"Agent Options" namespace:"agent" env-namespace:"AGENT"`
	Twilio   TwilioOptions   `group:"Twilio Options" namespace:"twilio" env-namespace:"TWILIO"`
	WhatsApp WhatsAppOptions `group:"WhatsApp Options" namespace:"whatsapp" env-namespace:"WHATSAPP"`
	Telegram TelegramOptions `group:"Telegram Options" namespace:"telegram" env-namespace:"TELEGRAM"`
	Slack    SlackOptions    `group:"Slack Options" namespace:"slack" env-namespace:"SLACK"`
}

// ErrHelp is returned by Parse when help was requested and printed.
var ErrHelp = errors.New("help requested")

// LoadEnvFiles loads .env style files into the process environment. Missing files
// are skipped; variables already set are not overridden.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			slog.Debug("config.LoadEnvFiles: file not found, skipping", "path", p)
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
		slog.Debug("config.LoadEnvFiles: loaded", "path", p)
	}
	return nil
}

// Parse parses args (without the program name) over the environment.
func Parse(args []string) (*Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "chatpipe"
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, flagsErr.Message)
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return &opts, nil
}

// Validate rejects nonsensical values.
func (o *Options) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(o.StateDir != "" || o.InMemory, "state directory is required")
	check(o.HTTP.Addr != "", "http address is required")
	check(o.Worker.MaxConcurrency >= 1, "worker max concurrency must be at least 1, got %d", o.Worker.MaxConcurrency)
	check(o.Worker.PollingInterval > 0, "worker polling interval must be positive")
	check(o.Worker.ErrorDelay >= 0, "worker error delay must not be negative")
	check(o.Worker.DrainTimeout >= 0, "worker drain timeout must not be negative")
	check(o.Queue.MaxRetryCount >= 0, "queue max retry count must not be negative, got %d", o.Queue.MaxRetryCount)
	check(o.Queue.BaseRetryDelay > 0, "queue base retry delay must be positive")
	check(o.Queue.MaxRetryDelay >= o.Queue.BaseRetryDelay, "queue max retry delay %s is below base delay %s", o.Queue.MaxRetryDelay, o.Queue.BaseRetryDelay)
	check(o.Queue.VisibilityTimeout > 0, "queue visibility timeout must be positive")
	check(o.Queue.CompletedRetention >= 0, "queue completed retention must not be negative")
	check(o.Session.MaxHistoryCount >= 1, "session max history must be at least 1, got %d", o.Session.MaxHistoryCount)
	check(o.Session.Expiration > 0, "session expiration must be positive")
	check(o.Session.CacheExpiration > 0 || o.Session.DisableCache, "session cache expiration must be positive")
	check(o.Agent.Temperature >= 0 && o.Agent.Temperature <= 2, "agent temperature must be within [0, 2], got %v", o.Agent.Temperature)

	twilioSet := 0
	for _, v := range []string{o.Twilio.AccountSID, o.Twilio.AuthToken, o.Twilio.From} {
		if v != "" {
			twilioSet++
		}
	}
	check(twilioSet == 0 || twilioSet == 3, "twilio needs account sid, auth token and from number together")
	check(o.Telegram.Token == "" || o.Telegram.SecretToken != "" || o.AllowUnverifiedWebhooks,
		"telegram needs a webhook secret token unless --allow-unverified-webhooks is set")
	check(o.Slack.BotToken == "" || o.Slack.SigningSecret != "" || o.AllowUnverifiedWebhooks,
		"slack needs a signing secret unless --allow-unverified-webhooks is set")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	for _, platform := range o.UnverifiedWebhookPlatforms() {
		slog.Warn("Options.Validate: webhooks are accepted without verification", "platform", platform)
	}
	return nil
}

// UnverifiedWebhookPlatforms lists enabled webhook providers that have no secret
// to verify requests with.
func (o *Options) UnverifiedWebhookPlatforms() []string {
	var out []string
	if o.Telegram.Token != "" && o.Telegram.SecretToken == "" {
		out = append(out, "telegram")
	}
	if o.Slack.BotToken != "" && o.Slack.SigningSecret == "" {
		out = append(out, "slack")
	}
	return out
}

// StoreDSN returns the queue/session store DSN. Empty means in-memory.
func (o *Options) StoreDSN() string {
	switch {
	case o.InMemory:
		return ""
	case o.DatabaseDSN != "":
		return o.DatabaseDSN
	default:
		return filepath.Join(o.StateDir, DefaultDBFileName)
	}
}

// WhatsAppDSN returns the whatsmeow device store DSN. A PostgreSQL main store is
// shared; otherwise the device gets its own SQLite file with foreign keys on.
func (o *Options) WhatsAppDSN() string {
	if o.WhatsApp.DSN != "" {
		return o.WhatsApp.DSN
	}
	if o.DatabaseDSN != "" && store.DetectDSNType(o.DatabaseDSN) == "postgres" {
		return o.DatabaseDSN
	}
	return "file:" + filepath.Join(o.StateDir, DefaultWhatsAppDBName) + "?_foreign_keys=on"
}

// SystemPrompt returns the configured prompt, preferring the file when both are set.
func (o *Options) SystemPrompt() (string, error) {
	if o.Agent.SystemPromptFile == "" {
		return o.Agent.SystemPrompt, nil
	}
	data, err := os.ReadFile(o.Agent.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SlogLevel maps LogLevel to a slog level.
func (o *Options) SlogLevel() slog.Level {
	switch strings.ToLower(o.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnabledPlatforms lists the providers that have enough configuration to start.
func (o *Options) EnabledPlatforms() []string {
	var out []string
	if o.Twilio.AccountSID != "" {
		out = append(out, "twilio")
	}
	if o.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	if o.Telegram.Token != "" {
		out = append(out, "telegram")
	}
	if o.Slack.BotToken != "" {
		out = append(out, "slack")
	}
	return out
}
