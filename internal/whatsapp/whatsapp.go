// Package whatsapp wraps the Whatsmeow client for WhatsApp multidevice integration.
//
// It handles device login, sending text messages and turning incoming message
// events into JSON envelopes for the WhatsApp provider.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	chatstore "github.com/BTreeMap/ChatPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/chatpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// ErrNotConnected is returned when sending before Connect succeeded.
var ErrNotConnected = errors.New("whatsapp client not connected")

// Envelope is the JSON form of an incoming WhatsApp message handed to the provider.
type Envelope struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	PushName  string    `json:"push_name,omitempty"`
	IsGroup   bool      `json:"is_group,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
}

// WhatsAppSender is the WhatsApp surface used by the provider (production and tests).
type WhatsAppSender interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendMessage(ctx context.Context, to string, body string) (string, error)
	// OnMessage registers the handler for incoming message envelopes.
	OnMessage(handler func(raw []byte))
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	cfg      Opts
	waClient *whatsmeow.Client

	mu      sync.RWMutex
	handler func(raw []byte)
}

// DBDriver picks the database/sql driver for a device database DSN.
func DBDriver(dsn string) string {
	if chatstore.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// HasForeignKeys reports whether a SQLite DSN enables foreign keys, which whatsmeow requires.
func HasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store. It does not connect; call Connect.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	driver := DBDriver(dbDSN)
	if driver == "sqlite3" && !HasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	c := &Client{cfg: cfg}
	c.waClient = whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	c.waClient.AddEventHandler(c.handleEvent)
	return c, nil
}

// Connect logs the device in if needed and connects to WhatsApp.
func (c *Client) Connect(ctx context.Context) error {
	if c.waClient.IsConnected() {
		return nil
	}
	if c.waClient.Store.ID != nil {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := c.waClient.Connect(); err != nil {
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp client connected successfully")
		return nil
	}

	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := c.waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to start WhatsApp login: %w", err)
	}
	if err := c.waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if c.cfg.QRPath != "" {
		f, err := os.Create(c.cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if c.cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		case "success":
			slog.Info("WhatsApp login succeeded")
		default:
			slog.Info("WhatsApp login event", "event", evt.Event)
		}
	}
	if c.waClient.Store.ID == nil {
		return fmt.Errorf("whatsapp login did not complete")
	}
	return nil
}

// Disconnect closes the WhatsApp connection.
func (c *Client) Disconnect() {
	c.waClient.Disconnect()
}

// OnMessage registers the handler for incoming message envelopes.
func (c *Client) OnMessage(handler func(raw []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// ParseRecipient converts a phone number or full JID string to a JID.
func ParseRecipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	number := strings.TrimPrefix(strings.TrimSpace(to), "+")
	if number == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("invalid phone number %q", to)
		}
	}
	return types.NewJID(number, JIDSuffix), nil
}

// SendMessage sends a text message and returns its WhatsApp message id.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || !c.waClient.IsConnected() {
		return "", ErrNotConnected
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	slog.Debug("Sending WhatsApp message", "to", jid.String(), "body_length", len(body))
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return string(resp.ID), nil
}

func (c *Client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		env, ok := EnvelopeFromEvent(v)
		if !ok {
			return
		}
		raw, err := json.Marshal(env)
		if err != nil {
			slog.Error("WhatsApp handleEvent: failed to encode envelope", "error", err)
			return
		}
		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(raw)
		}
	case *events.Connected:
		slog.Info("WhatsApp connected")
	case *events.Disconnected:
		slog.Warn("WhatsApp disconnected")
	case *events.LoggedOut:
		slog.Error("WhatsApp device logged out", "reason", v.Reason)
	}
}

// EnvelopeFromEvent extracts the canonical fields of a message event. Messages
// sent by this device and protocol messages are skipped.
func EnvelopeFromEvent(evt *events.Message) (Envelope, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return Envelope{}, false
	}
	env := Envelope{
		ID:        string(evt.Info.ID),
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.User,
		PushName:  evt.Info.PushName,
		IsGroup:   evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp,
	}
	m := evt.Message
	switch {
	case m.GetConversation() != "":
		env.Type, env.Text = "text", m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		env.Type, env.Text = "text", m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		env.Type, env.Text = "image", m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		env.Type, env.Text = "video", m.GetVideoMessage().GetCaption()
	case m.GetAudioMessage() != nil:
		env.Type = "audio"
	case m.GetDocumentMessage() != nil:
		env.Type, env.Text = "document", m.GetDocumentMessage().GetCaption()
		env.FileName = m.GetDocumentMessage().GetFileName()
	default:
		return Envelope{}, false
	}
	return env, true
}

// MockClient implements WhatsAppSender without a network connection (tests).
type MockClient struct {
	mu        sync.Mutex
	connected bool
	handler   func(raw []byte)
	Sent      []SentMessage
	SendErr   error
}

// SentMessage is one recorded send.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return fmt.Sprintf("3EB0%04d", len(m.Sent)), nil
}

func (m *MockClient) OnMessage(handler func(raw []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Deliver simulates an incoming message event.
func (m *MockClient) Deliver(env Envelope) {
	raw, _ := json.Marshal(env)
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

var (
	_ WhatsAppSender = (*Client)(nil)
	_ WhatsAppSender = (*MockClient)(nil)
)
