package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

// Column lists shared by both SQL dialects.
const (
	queueColumns      = `id, message_json, session_id, target_user_id, type, status, retry_count, last_error, next_attempt_at, locked_at, created_at, failed_at, updated_at`
	deadLetterColumns = `id, message_json, original_type, session_id, target_user_id, retry_count, error_message, created_at, failed_at`
)

// busyRetryAttempts bounds how often a statement hitting a locked SQLite database is retried.
const busyRetryAttempts = 8

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for a nil time pointer.
func nilIfZero(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func encodeMessage(m models.ChatMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message failed: %w", err)
	}
	return string(b), nil
}

func decodeMessage(s string) (models.ChatMessage, error) {
	var m models.ChatMessage
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return m, fmt.Errorf("decode message failed: %w", err)
	}
	return m, nil
}

func encodeMetadata(md map[string]string) (interface{}, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata failed: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s sql.NullString) map[string]string {
	md := map[string]string{}
	if !s.Valid || s.String == "" {
		return md
	}
	if err := json.Unmarshal([]byte(s.String), &md); err != nil {
		slog.Warn("store.decodeMetadata: invalid metadata JSON, using empty map", "error", err)
		return map[string]string{}
	}
	return md
}

// scanQueued scans a QueuedMessage selected with queueColumns.
func scanQueued(row rowScanner) (models.QueuedMessage, error) {
	var q models.QueuedMessage
	var messageJSON string
	var sessionID, lastError sql.NullString
	var nextAttemptAt, lockedAt, failedAt sql.NullTime
	err := row.Scan(
		&q.ID, &messageJSON, &sessionID, &q.TargetUserID, &q.Type, &q.Status, &q.RetryCount,
		&lastError, &nextAttemptAt, &lockedAt, &q.CreatedAt, &failedAt, &q.UpdatedAt,
	)
	if err != nil {
		return q, err
	}
	if q.Message, err = decodeMessage(messageJSON); err != nil {
		return q, err
	}
	q.SessionID = sessionID.String
	q.LastError = lastError.String
	if nextAttemptAt.Valid {
		q.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		q.LockedAt = &lockedAt.Time
	}
	if failedAt.Valid {
		q.FailedAt = &failedAt.Time
	}
	return q, nil
}

// scanDeadLetter scans a DeadLetterMessage selected with deadLetterColumns.
func scanDeadLetter(row rowScanner) (models.DeadLetterMessage, error) {
	var d models.DeadLetterMessage
	var messageJSON string
	var sessionID sql.NullString
	err := row.Scan(
		&d.ID, &messageJSON, &d.OriginalType, &sessionID, &d.TargetUserID, &d.RetryCount,
		&d.ErrorMessage, &d.CreatedAt, &d.FailedAt,
	)
	if err != nil {
		return d, err
	}
	if d.Message, err = decodeMessage(messageJSON); err != nil {
		return d, err
	}
	d.SessionID = sessionID.String
	return d, nil
}

func collectDeadLetters(rows *sql.Rows) ([]models.DeadLetterMessage, error) {
	defer rows.Close()
	out := []models.DeadLetterMessage{}
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter failed: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter iteration failed: %w", err)
	}
	return out, nil
}

// isSQLiteConflict reports whether err is a SQLite busy or locked condition
// that clears once the competing writer finishes.
func isSQLiteConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// withBusyRetry runs op, retrying with exponential backoff while SQLite reports
// a busy or locked database. Other errors are returned immediately.
func withBusyRetry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, busyRetryAttempts), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !isSQLiteConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		slog.Debug("store.withBusyRetry: database busy, retrying", "error", err, "delay", d)
	})
}

// rollback rolls back tx, logging failures other than an already finished transaction.
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Error("store.rollback: rollback failed", "error", err)
	}
}
