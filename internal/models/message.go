package models

import (
	"fmt"
	"maps"
	"time"
)

// MessageType is the content kind of a canonical chat message.
type MessageType string

const (
	MessageTypeText     MessageType = "Text"
	MessageTypeImage    MessageType = "Image"
	MessageTypeFile     MessageType = "File"
	MessageTypeAudio    MessageType = "Audio"
	MessageTypeVideo    MessageType = "Video"
	MessageTypeRichText MessageType = "RichText"
	MessageTypeCard     MessageType = "Card"
	MessageTypeUnknown  MessageType = "Unknown"
)

// IsValidMessageType reports whether mt is one of the known message types.
func IsValidMessageType(mt MessageType) bool {
	switch mt {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio,
		MessageTypeVideo, MessageTypeRichText, MessageTypeCard, MessageTypeUnknown:
		return true
	default:
		return false
	}
}

// Well-known sender ids used for messages produced by ChatPipe itself.
const (
	AssistantSenderID = "assistant"
	SystemSenderID    = "system"
)

// Metadata keys understood across providers.
const (
	// MetaReplyTarget holds the platform address replies should go to when it differs
	// from the sender (Telegram chat id, Slack channel).
	MetaReplyTarget = "reply_target"
	// MetaThreadID holds a platform thread identifier (Slack thread_ts).
	MetaThreadID = "thread_id"
	// MetaMediaURL holds a downloadable media URL for non-text messages.
	MetaMediaURL = "media_url"
	// MetaFileName holds the original file name of a File message.
	MetaFileName = "file_name"
	// MetaErrorCode holds the operator error code attached to a system error message.
	MetaErrorCode = "error_code"
)

// ChatMessage is the provider-agnostic representation of a chat message.
type ChatMessage struct {
	MessageID   string            `json:"message_id"`
	SenderID    string            `json:"sender_id"`
	ReceiverID  string            `json:"receiver_id,omitempty"`
	Content     string            `json:"content"`
	MessageType MessageType       `json:"message_type"`
	Platform    string            `json:"platform"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields required before a message may be queued.
func (m *ChatMessage) Validate() error {
	if m.Platform == "" {
		return ErrEmptyPlatform
	}
	if m.SenderID == "" {
		return ErrEmptySender
	}
	if m.MessageType != "" && !IsValidMessageType(m.MessageType) {
		return fmt.Errorf("%w: %s", ErrInvalidMessageType, m.MessageType)
	}
	if len(m.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m ChatMessage) Clone() ChatMessage {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

// ReplyTarget returns the address a reply to this message should be sent to.
func (m *ChatMessage) ReplyTarget() string {
	if t := m.Metadata[MetaReplyTarget]; t != "" {
		return t
	}
	return m.SenderID
}

// SetMeta sets a metadata key, allocating the map if needed.
func (m *ChatMessage) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// Degrade rewrites a message whose type is not in supported to Text, keeping the
// original type tag and content in the new content. Other fields are unchanged.
// A message of a supported type is returned as is.
// An empty type is treated as Text.
func Degrade(m ChatMessage, supported []MessageType) ChatMessage {
	original := m.MessageType
	if original == "" {
		original = MessageTypeText
	}
	for _, t := range supported {
		if original == t {
			return m
		}
	}
	out := m.Clone()
	out.MessageType = MessageTypeText
	out.Content = fmt.Sprintf("[%s] %s", original, m.Content)
	return out
}
