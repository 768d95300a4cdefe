// Package store provides storage backends for ChatPipe.
//
// It holds the durable queue (active entries and dead letters), chat sessions with
// their message history, and the inbound deduplication table. SQLite and PostgreSQL
// implementations share the same schema; an in-memory store backs tests and
// single-process deployments without a database.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// RetryDecision is called inside a fail transaction with the incremented retry
// count. It returns whether the entry goes back to pending and when it becomes
// eligible again.
type RetryDecision func(retryCount int) (retry bool, nextAttemptAt time.Time)

// QueueRepo is the durable queue. Every status transition is a single atomic
// statement or transaction guarded on the current status.
type QueueRepo interface {
	// EnqueueQueued inserts a new pending entry.
	EnqueueQueued(ctx context.Context, msg models.QueuedMessage) error
	// ClaimNextQueued moves the oldest eligible pending entry to processing and
	// returns it. It returns nil when nothing is eligible.
	ClaimNextQueued(ctx context.Context, now time.Time) (*models.QueuedMessage, error)
	// GetQueued returns an active entry, or nil if none exists.
	GetQueued(ctx context.Context, id string) (*models.QueuedMessage, error)
	// ExtendClaimQueued moves locked_at of a processing entry to now, provided it
	// is still held by the claim made at claimedAt. It returns false when the
	// claim has been lost.
	ExtendClaimQueued(ctx context.Context, id string, claimedAt, now time.Time) (bool, error)
	// CompleteQueued marks an entry completed. Completing a completed entry is a no-op.
	CompleteQueued(ctx context.Context, id string, now time.Time) error
	// FailQueued increments the retry count and, according to decide, either
	// reschedules the entry or moves it to the dead-letter table.
	FailQueued(ctx context.Context, id, reason string, now time.Time, decide RetryDecision) (models.FailOutcome, error)
	// RescheduleQueued increments the retry count and makes the entry pending
	// again at nextAttemptAt. It returns the new retry count.
	RescheduleQueued(ctx context.Context, id, reason string, nextAttemptAt, now time.Time) (int, error)
	// DeadLetterQueued unconditionally moves an active entry to the dead-letter table.
	DeadLetterQueued(ctx context.Context, id, reason string, now time.Time) error
	// CountQueued counts pending and processing entries.
	CountQueued(ctx context.Context) (int, error)
	// RequeueStaleProcessing returns processing entries claimed before staleBefore to pending.
	RequeueStaleProcessing(ctx context.Context, staleBefore, now time.Time) (int, error)
	// PurgeCompleted deletes completed entries last updated before the cutoff.
	PurgeCompleted(ctx context.Context, before time.Time) (int, error)

	CountDeadLetters(ctx context.Context) (int, error)
	ListDeadLetters(ctx context.Context, skip, take int) ([]models.DeadLetterMessage, error)
	// GetDeadLetter returns a dead letter, or nil if none exists.
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterMessage, error)
	// ReprocessDeadLetter moves a dead letter back to the active queue as a fresh
	// pending entry. It returns false if the id is not in the dead-letter table.
	ReprocessDeadLetter(ctx context.Context, id string, now time.Time) (bool, error)
	DeleteDeadLetter(ctx context.Context, id string) (bool, error)
	ClearDeadLetters(ctx context.Context) (int, error)
}

// SessionRepo persists chat sessions and their message history.
type SessionRepo interface {
	// CreateSession inserts a new session. It returns models.ErrDuplicateSession
	// when the (platform, user) pair already has a non-closed session.
	CreateSession(ctx context.Context, s *models.ChatSession) error
	// GetSession returns a session with its history, or nil if none exists.
	GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error)
	// FindOpenSession returns the non-closed session of a (platform, user) pair, or nil.
	FindOpenSession(ctx context.Context, userID, platform string) (*models.ChatSession, error)
	// SaveSession persists state and metadata, appends the history messages added
	// since the session was loaded (s.UnstoredMessages), and trims stored history
	// to maxHistory entries. On success the whole history is marked stored.
	SaveSession(ctx context.Context, s *models.ChatSession, maxHistory int) error
	// SetSessionState changes a session's state. It returns false if the session does not exist.
	SetSessionState(ctx context.Context, sessionID string, state models.SessionState, now time.Time) (bool, error)
	// ExpireIdleSessions marks open sessions idle since before the cutoff as
	// expired and returns their ids.
	ExpireIdleSessions(ctx context.Context, idleBefore, now time.Time) ([]string, error)
}

// Store is the full storage surface used by ChatPipe.
type Store interface {
	QueueRepo
	SessionRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for
// PostgreSQL URLs and keyword strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open opens the store selected by the DSN. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
