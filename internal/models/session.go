package models

import (
	"maps"
	"time"
)

// SessionState is the lifecycle state of a chat session.
type SessionState string

const (
	SessionStateActive     SessionState = "active"
	SessionStateProcessing SessionState = "processing"
	SessionStateWaiting    SessionState = "waiting"
	SessionStateExpired    SessionState = "expired"
	SessionStateClosed     SessionState = "closed"
)

// IsOpen reports whether a session in this state may still receive messages.
func (s SessionState) IsOpen() bool {
	return s != SessionStateClosed && s != SessionStateExpired
}

// ChatSession is the conversation state of one (user, platform) pair.
type ChatSession struct {
	SessionID      string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	Platform       string            `json:"platform"`
	State          SessionState      `json:"state"`
	History        []ChatMessage     `json:"history"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// stored holds the ids of history messages already persisted.
	stored map[string]struct{}
}

// NewChatSession returns an active session with an empty history.
func NewChatSession(id, userID, platform string, now time.Time) *ChatSession {
	return &ChatSession{
		SessionID:      id,
		UserID:         userID,
		Platform:       platform,
		State:          SessionStateActive,
		History:        []ChatMessage{},
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       map[string]string{},
	}
}

// SessionKey is the cache key of a (platform, user) pair.
func SessionKey(platform, userID string) string {
	return platform + ":" + userID
}

// Key returns the session's (platform, user) cache key.
func (s *ChatSession) Key() string {
	return SessionKey(s.Platform, s.UserID)
}

// AddMessage appends msg to the history and evicts the oldest entries so that at
// most maxHistory remain. A maxHistory of zero or less disables trimming.
func (s *ChatSession) AddMessage(msg ChatMessage, maxHistory int) {
	s.History = append(s.History, msg)
	s.TrimHistory(maxHistory)
	s.Touch(msg.Timestamp)
}

// TrimHistory drops the oldest messages beyond maxHistory.
func (s *ChatSession) TrimHistory(maxHistory int) {
	if maxHistory <= 0 || len(s.History) <= maxHistory {
		return
	}
	drop := len(s.History) - maxHistory
	s.History = append([]ChatMessage(nil), s.History[drop:]...)
}

// HasMessage reports whether the history already holds a message with this id.
func (s *ChatSession) HasMessage(messageID string) bool {
	if messageID == "" {
		return false
	}
	for i := range s.History {
		if s.History[i].MessageID == messageID {
			return true
		}
	}
	return false
}

// Touch records activity. Zero or past times leave LastActivityAt unchanged.
func (s *ChatSession) Touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// UpdateState changes the state and records activity.
func (s *ChatSession) UpdateState(state SessionState, now time.Time) {
	s.State = state
	s.Touch(now)
}

// IsIdle reports whether the session has had no activity for longer than ttl.
func (s *ChatSession) IsIdle(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.LastActivityAt) > ttl
}

// MarkStored records every message currently in the history as persisted.
// Stores call it after loading a session and after saving one.
func (s *ChatSession) MarkStored() {
	s.stored = make(map[string]struct{}, len(s.History))
	for i := range s.History {
		if id := s.History[i].MessageID; id != "" {
			s.stored[id] = struct{}{}
		}
	}
}

// UnstoredMessages returns the history messages appended since the session was
// loaded or last saved, oldest first. Messages that were stored and then trimmed
// elsewhere are never returned, so a stale copy cannot bring them back.
func (s *ChatSession) UnstoredMessages() []ChatMessage {
	var out []ChatMessage
	for i := range s.History {
		if _, ok := s.stored[s.History[i].MessageID]; !ok {
			out = append(out, s.History[i])
		}
	}
	return out
}

// Clone returns a deep copy of the session.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	out.stored = maps.Clone(s.stored)
	out.History = make([]ChatMessage, len(s.History))
	for i := range s.History {
		out.History[i] = s.History[i].Clone()
	}
	return &out
}
