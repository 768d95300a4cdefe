// Package session manages per-(platform, user) conversation state. The durable
// store is authoritative; the manager keeps an advisory in-process cache with
// per-entry expiry in front of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
	"github.com/BTreeMap/ChatPipe/internal/util"
)

// Default configuration values
const (
	DefaultMaxHistoryCount   = 100
	DefaultSessionExpiration = 30 * time.Minute
	DefaultCacheExpiration   = 10 * time.Minute
)

// createAttempts bounds how often GetOrCreateSession retries after losing a
// creation race to another worker or process.
const createAttempts = 3

// Opts holds configuration options for the session manager.
type Opts struct {
	MaxHistoryCount   int
	SessionExpiration time.Duration
	CacheExpiration   time.Duration
	EnableCache       bool
	Clock             func() time.Time
}

// Option defines a configuration option for the session manager.
type Option func(*Opts)

// WithMaxHistoryCount bounds the history kept per session.
func WithMaxHistoryCount(n int) Option {
	return func(o *Opts) { o.MaxHistoryCount = n }
}

// WithSessionExpiration sets the idle time after which a session expires.
func WithSessionExpiration(d time.Duration) Option {
	return func(o *Opts) { o.SessionExpiration = d }
}

// WithCacheExpiration sets how long a cached session is trusted.
func WithCacheExpiration(d time.Duration) Option {
	return func(o *Opts) { o.CacheExpiration = d }
}

// WithCacheEnabled turns the in-process cache on or off.
func WithCacheEnabled(enabled bool) Option {
	return func(o *Opts) { o.EnableCache = enabled }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

type cacheEntry struct {
	session   *models.ChatSession
	expiresAt time.Time
}

// Manager loads, creates, updates and expires chat sessions.
type Manager struct {
	repo              store.SessionRepo
	maxHistory        int
	sessionExpiration time.Duration
	cacheExpiration   time.Duration
	cacheEnabled      bool
	now               func() time.Time

	mu    sync.RWMutex
	byKey map[string]*cacheEntry // platform:user -> entry
	byID  map[string]*cacheEntry
}

// NewManager creates a session manager over repo.
func NewManager(repo store.SessionRepo, opts ...Option) *Manager {
	cfg := Opts{
		MaxHistoryCount:   DefaultMaxHistoryCount,
		SessionExpiration: DefaultSessionExpiration,
		CacheExpiration:   DefaultCacheExpiration,
		EnableCache:       true,
		Clock:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("session.Manager created", "maxHistoryCount", cfg.MaxHistoryCount,
		"sessionExpiration", cfg.SessionExpiration, "cacheExpiration", cfg.CacheExpiration, "cacheEnabled", cfg.EnableCache)
	return &Manager{
		repo:              repo,
		maxHistory:        cfg.MaxHistoryCount,
		sessionExpiration: cfg.SessionExpiration,
		cacheExpiration:   cfg.CacheExpiration,
		cacheEnabled:      cfg.EnableCache && cfg.CacheExpiration > 0,
		now:               cfg.Clock,
		byKey:             make(map[string]*cacheEntry),
		byID:              make(map[string]*cacheEntry),
	}
}

// MaxHistoryCount returns the configured history bound.
func (m *Manager) MaxHistoryCount() int {
	return m.maxHistory
}

// GetOrCreateSession returns the open session of (platform, userID), creating
// an active one when none exists. A session that has been idle past the
// expiration is closed and replaced.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID, platform string) (*models.ChatSession, error) {
	if userID == "" {
		return nil, models.ErrEmptySender
	}
	if platform == "" {
		return nil, models.ErrEmptyPlatform
	}
	key := models.SessionKey(platform, userID)
	now := m.now()

	if s := m.cachedByKey(key, now); s != nil {
		if m.usable(s, now) {
			return s, nil
		}
		m.evict(s.SessionID, key)
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		existing, err := m.repo.FindOpenSession(ctx, userID, platform)
		if err != nil {
			return nil, fmt.Errorf("failed to find session: %w", err)
		}
		if existing != nil {
			if m.usable(existing, now) {
				m.put(existing, now)
				return existing.Clone(), nil
			}
			slog.Info("session.Manager.GetOrCreateSession: closing stale session", "sessionID", existing.SessionID,
				"state", existing.State, "lastActivityAt", existing.LastActivityAt)
			if _, err := m.repo.SetSessionState(ctx, existing.SessionID, models.SessionStateClosed, now); err != nil {
				return nil, fmt.Errorf("failed to close stale session: %w", err)
			}
			m.evict(existing.SessionID, key)
		}

		s := models.NewChatSession(util.NewSessionID(), userID, platform, now)
		err = m.repo.CreateSession(ctx, s)
		if errors.Is(err, models.ErrDuplicateSession) {
			slog.Debug("session.Manager.GetOrCreateSession: lost creation race, reloading", "key", key, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		slog.Info("session.Manager.GetOrCreateSession: created session", "sessionID", s.SessionID, "platform", platform, "userID", userID)
		m.put(s, now)
		return s.Clone(), nil
	}
	return nil, fmt.Errorf("failed to create session for %s: %w", key, models.ErrDuplicateSession)
}

// GetSession returns the session with id, or nil if it does not exist.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	now := m.now()
	if s := m.cachedByID(sessionID, now); s != nil {
		return s, nil
	}
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	if s.State.IsOpen() {
		m.put(s, now)
	}
	return s.Clone(), nil
}

// UpdateSession persists state and metadata, appends history messages added
// since the session was loaded and trims history to MaxHistoryCount. Messages
// without an id get one.
func (m *Manager) UpdateSession(ctx context.Context, s *models.ChatSession) error {
	if s == nil {
		return models.ErrSessionNotFound
	}
	for i := range s.History {
		if s.History[i].MessageID == "" {
			s.History[i].MessageID = util.NewMessageID()
		}
	}
	s.TrimHistory(m.maxHistory)

	if err := m.repo.SaveSession(ctx, s, m.maxHistory); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.SessionID, err)
	}
	if s.State.IsOpen() {
		m.put(s, m.now())
	} else {
		m.evict(s.SessionID, s.Key())
	}
	slog.Debug("session.Manager.UpdateSession", "sessionID", s.SessionID, "state", s.State, "history", len(s.History))
	return nil
}

// CloseSession marks a session closed and evicts it from the cache.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	ok, err := m.repo.SetSessionState(ctx, sessionID, models.SessionStateClosed, m.now())
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if !ok {
		return models.ErrSessionNotFound
	}
	m.evictID(sessionID)
	slog.Info("session.Manager.CloseSession", "sessionID", sessionID)
	return nil
}

// CleanupExpiredSessions marks sessions idle past the expiration as expired,
// evicts them and drops stale cache entries. It returns how many sessions expired.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	now := m.now()
	ids, err := m.repo.ExpireIdleSessions(ctx, now.Add(-m.sessionExpiration), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	for _, id := range ids {
		m.evictID(id)
	}
	m.pruneCache(now)
	if len(ids) > 0 {
		slog.Info("session.Manager.CleanupExpiredSessions: expired idle sessions", "count", len(ids))
	}
	return len(ids), nil
}

// RecoverState expires sessions that went idle while the process was down.
func (m *Manager) RecoverState(ctx context.Context) error {
	_, err := m.CleanupExpiredSessions(ctx)
	return err
}

// CacheSize returns the number of cached sessions.
func (m *Manager) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Manager) usable(s *models.ChatSession, now time.Time) bool {
	return s.State.IsOpen() && !s.IsIdle(now, m.sessionExpiration)
}

func (m *Manager) cachedByKey(key string, now time.Time) *models.ChatSession {
	if !m.cacheEnabled {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[key]
	if !ok || !now.Before(e.expiresAt) {
		return nil
	}
	return e.session.Clone()
}

func (m *Manager) cachedByID(id string, now time.Time) *models.ChatSession {
	if !m.cacheEnabled {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok || !now.Before(e.expiresAt) {
		return nil
	}
	return e.session.Clone()
}

func (m *Manager) put(s *models.ChatSession, now time.Time) {
	if !m.cacheEnabled {
		return
	}
	e := &cacheEntry{session: s.Clone(), expiresAt: now.Add(m.cacheExpiration)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byKey[s.Key()]; ok && old.session.SessionID != s.SessionID {
		delete(m.byID, old.session.SessionID)
	}
	m.byKey[s.Key()] = e
	m.byID[s.SessionID] = e
}

func (m *Manager) evict(sessionID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, sessionID)
	if e, ok := m.byKey[key]; ok && e.session.SessionID == sessionID {
		delete(m.byKey, key)
	}
}

func (m *Manager) evictID(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[sessionID]
	if !ok {
		return
	}
	delete(m.byID, sessionID)
	key := e.session.Key()
	if cur, ok := m.byKey[key]; ok && cur == e {
		delete(m.byKey, key)
	}
}

func (m *Manager) pruneCache(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.byID {
		if !now.Before(e.expiresAt) {
			delete(m.byID, id)
			if cur, ok := m.byKey[e.session.Key()]; ok && cur == e {
				delete(m.byKey, e.session.Key())
			}
		}
	}
}
