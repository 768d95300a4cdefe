package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (session_id, user_id, platform, state, metadata_json, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.SessionID, sess.UserID, sess.Platform, sess.State, metadata, sess.CreatedAt, sess.LastActivityAt,
	)
	if isPostgresUniqueViolation(err) {
		return models.ErrDuplicateSession
	}
	if err != nil {
		return fmt.Errorf("create session failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateSession", "sessionID", sess.SessionID, "platform", sess.Platform)
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	return s.loadSession(ctx,
		`SELECT session_id, user_id, platform, state, metadata_json, created_at, last_activity_at
		 FROM chat_sessions WHERE session_id = $1`, sessionID)
}

func (s *PostgresStore) FindOpenSession(ctx context.Context, userID, platform string) (*models.ChatSession, error) {
	return s.loadSession(ctx,
		`SELECT session_id, user_id, platform, state, metadata_json, created_at, last_activity_at
		 FROM chat_sessions WHERE platform = $1 AND user_id = $2 AND state <> 'closed'`, platform, userID)
}

func (s *PostgresStore) loadSession(ctx context.Context, query string, args ...any) (*models.ChatSession, error) {
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
		`SELECT message_json FROM session_messages WHERE session_id = $1 ORDER BY seq ASC`, sess.SessionID)
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

func (s *PostgresStore) SaveSession(ctx context.Context, sess *models.ChatSession, maxHistory int) error {
	metadata, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session begin failed: %w", err)
	}
	defer rollback(tx)

	// Locking the session row serializes concurrent savers of the same session.
	res, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET state = $1, metadata_json = $2, last_activity_at = GREATEST(last_activity_at, $3) WHERE session_id = $4`,
		sess.State, metadata, sess.LastActivityAt, sess.SessionID,
	)
	if err != nil {
		return fmt.Errorf("save session update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}

	for _, m := range sess.UnstoredMessages() {
		raw, err := encodeMessage(m)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_id, message_id, message_json, created_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, message_id) DO NOTHING`,
			sess.SessionID, m.MessageID, raw, m.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("save session message failed: %w", err)
		}
	}

	if maxHistory > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM session_messages WHERE session_id = $1 AND seq NOT IN (
			   SELECT seq FROM session_messages WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
			 )`,
			sess.SessionID, maxHistory,
		)
		if err != nil {
			return fmt.Errorf("trim session history failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save session commit failed: %w", err)
	}
	sess.MarkStored()
	return nil
}

func (s *PostgresStore) SetSessionState(ctx context.Context, sessionID string, state models.SessionState, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET state = $1, last_activity_at = $2 WHERE session_id = $3`,
		state, now, sessionID,
	)
	if isPostgresUniqueViolation(err) {
		return false, models.ErrDuplicateSession
	}
	if err != nil {
		return false, fmt.Errorf("set session state failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ExpireIdleSessions(ctx context.Context, idleBefore, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE chat_sessions SET state = 'expired'
		 WHERE state IN ('active', 'processing', 'waiting') AND last_activity_at < $1
		 RETURNING session_id`,
		idleBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("expire idle sessions failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("expire idle sessions scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expire idle sessions iteration failed: %w", err)
	}
	if len(ids) > 0 {
		slog.Info("PostgresStore.ExpireIdleSessions", "expired", len(ids))
	}
	return ids, nil
}
