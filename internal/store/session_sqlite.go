package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/mattn/go-sqlite3"
)

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	err = withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_sessions (session_id, user_id, platform, state, metadata_json, created_at, last_activity_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, sess.UserID, sess.Platform, sess.State, metadata, sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(),
		)
		return err
	})
	if isSQLiteUniqueViolation(err) {
		return models.ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("create session failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateSession", "sessionID", sess.SessionID, "platform", sess.Platform)
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	return s.loadSession(ctx,
		`SELECT session_id, user_id, platform, state, metadata_json, created_at, last_activity_at
		 FROM chat_sessions WHERE session_id = ?`, sessionID)
}

func (s *SQLiteStore) FindOpenSession(ctx context.Context, userID, platform string) (*models.ChatSession, error) {
	return s.loadSession(ctx,
		`SELECT session_id, user_id, platform, state, metadata_json, created_at, last_activity_at
		 FROM chat_sessions WHERE platform = ? AND user_id = ? AND state <> 'closed'`, platform, userID)
}

func (s *SQLiteStore) loadSession(ctx context.Context, query string, args ...any) (*models.ChatSession, error) {
	var sess models.ChatSession
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sess.SessionID, &sess.UserID, &sess.Platform, &sess.State, &metadata, &sess.CreatedAt, &sess.LastActivityAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session failed: %w", err)
	}
	sess.Metadata = decodeMetadata(metadata)

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_json FROM session_messages WHERE session_id = ? ORDER BY seq ASC`, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session history failed: %w", err)
	}
	history, err := collectHistory(rows)
	if err != nil {
		return nil, err
	}
	sess.History = history
	sess.MarkStored()
	return &sess, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.ChatSession, maxHistory int) error {
	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	pending := sess.UnstoredMessages()
	encoded := make([]string, len(pending))
	for i := range pending {
		if encoded[i], err = encodeMessage(pending[i]); err != nil {
			return err
		}
	}

	err = withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		res, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET state = ?, metadata_json = ?, last_activity_at = MAX(last_activity_at, ?) WHERE session_id = ?`,
			sess.State, metadata, sess.LastActivityAt.UTC(), sess.SessionID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrSessionNotFound
		}

		for i, m := range pending {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO session_messages (session_id, message_id, message_json, created_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (session_id, message_id) DO NOTHING`,
				sess.SessionID, m.MessageID, encoded[i], m.Timestamp.UTC(),
			)
			if err != nil {
				return err
			}
		}

		if maxHistory > 0 {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM session_messages WHERE session_id = ? AND seq NOT IN (
				   SELECT seq FROM session_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
				 )`,
				sess.SessionID, sess.SessionID, maxHistory,
			)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if errors.Is(err, models.ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("save session failed: %w", err)
	}
	sess.MarkStored()
	return nil
}

func (s *SQLiteStore) SetSessionState(ctx context.Context, sessionID string, state models.SessionState, now time.Time) (bool, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE chat_sessions SET state = ?, last_activity_at = ? WHERE session_id = ?`,
			state, now.UTC(), sessionID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if isSQLiteUniqueViolation(err) {
		return false, models.ErrDuplicateSession
	}
	if err != nil {
		return false, fmt.Errorf("set session state failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ExpireIdleSessions(ctx context.Context, idleBefore, now time.Time) ([]string, error) {
	var ids []string
	err := withBusyRetry(ctx, func() error {
		ids = nil
		rows, err := s.db.QueryContext(ctx,
			`UPDATE chat_sessions SET state = 'expired'
			 WHERE state IN ('active', 'processing', 'waiting') AND last_activity_at < ?
			 RETURNING session_id`,
			idleBefore.UTC(),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("expire idle sessions failed: %w", err)
	}
	if len(ids) > 0 {
		slog.Info("SQLiteStore.ExpireIdleSessions", "expired", len(ids))
	}
	return ids, nil
}

func collectHistory(rows *sql.Rows) ([]models.ChatMessage, error) {
	defer rows.Close()
	history := []models.ChatMessage{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan session message failed: %w", err)
		}
		m, err := decodeMessage(raw)
		if err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session history iteration failed: %w", err)
	}
	return history, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
