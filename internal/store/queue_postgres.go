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

func (s *PostgresStore) EnqueueQueued(ctx context.Context, msg models.QueuedMessage) error {
	messageJSON, err := encodeMessage(msg.Message)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, message_json, session_id, target_user_id, platform, type, status, retry_count, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $9)`,
		msg.ID, messageJSON, nilIfEmpty(msg.SessionID), msg.TargetUserID, msg.Message.Platform, msg.Type,
		msg.RetryCount, nilIfZero(msg.NextAttemptAt), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueQueued", "id", msg.ID, "type", msg.Type, "platform", msg.Message.Platform)
	return nil
}

func (s *PostgresStore) ClaimNextQueued(ctx context.Context, now time.Time) (*models.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE queue_messages SET status = 'processing', locked_at = $1, updated_at = $1
		 WHERE id = (
		   SELECT id FROM queue_messages
		   WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC, id ASC LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+queueColumns,
		now,
	)
	q, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next message failed: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) GetQueued(ctx context.Context, id string) (*models.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_messages WHERE id = $1`, id)
	q, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) ExtendClaimQueued(ctx context.Context, id string, claimedAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages SET locked_at = $1, updated_at = $1
		 WHERE id = $2 AND status = 'processing' AND locked_at = $3`,
		now, id, claimedAt,
	)
	if err != nil {
		return false, fmt.Errorf("extend claim failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) CompleteQueued(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'completed', locked_at = NULL, next_attempt_at = NULL, updated_at = $1
		 WHERE id = $2 AND status IN ('pending', 'processing')`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("complete message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status models.QueueStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM queue_messages WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("complete lookup failed: %w", err)
	}
	if status != models.QueueStatusCompleted {
		return fmt.Errorf("complete message %s: unexpected status %s", id, status)
	}
	return nil
}

func (s *PostgresStore) FailQueued(ctx context.Context, id, reason string, now time.Time, decide RetryDecision) (models.FailOutcome, error) {
	var outcome models.FailOutcome
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return outcome, fmt.Errorf("fail message begin failed: %w", err)
	}
	defer rollback(tx)

	var retryCount int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count FROM queue_messages WHERE id = $1 AND status IN ('pending', 'processing') FOR UPDATE`, id,
	).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return outcome, models.ErrMessageNotFound
	}
	if err != nil {
		return outcome, fmt.Errorf("fail message lookup failed: %w", err)
	}

	outcome.RetryCount = retryCount + 1
	retry, next := decide(outcome.RetryCount)
	if retry {
		_, err = tx.ExecContext(ctx,
			`UPDATE queue_messages SET status = 'pending', retry_count = $1, last_error = $2, next_attempt_at = $3,
			 locked_at = NULL, failed_at = $4, updated_at = $4 WHERE id = $5`,
			outcome.RetryCount, reason, next, now, id,
		)
		if err != nil {
			return outcome, fmt.Errorf("fail message update failed: %w", err)
		}
		outcome.NextAttemptAt = &next
	} else {
		if err := postgresMoveToDeadLetter(ctx, tx, id, reason, outcome.RetryCount, now); err != nil {
			return outcome, err
		}
		outcome.DeadLettered = true
	}
	if err := tx.Commit(); err != nil {
		return outcome, fmt.Errorf("fail message commit failed: %w", err)
	}
	slog.Debug("PostgresStore.FailQueued", "id", id, "retryCount", outcome.RetryCount, "deadLettered", outcome.DeadLettered)
	return outcome, nil
}

func (s *PostgresStore) RescheduleQueued(ctx context.Context, id, reason string, nextAttemptAt, now time.Time) (int, error) {
	var retryCount int
	err := s.db.QueryRowContext(ctx,
		`UPDATE queue_messages SET status = 'pending', retry_count = retry_count + 1, last_error = $1, next_attempt_at = $2,
		 locked_at = NULL, failed_at = $3, updated_at = $3
		 WHERE id = $4 AND status IN ('pending', 'processing')
		 RETURNING retry_count`,
		reason, nextAttemptAt, now, id,
	).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reschedule message failed: %w", err)
	}
	return retryCount, nil
}

func (s *PostgresStore) DeadLetterQueued(ctx context.Context, id, reason string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dead-letter begin failed: %w", err)
	}
	defer rollback(tx)

	var retryCount int
	err = tx.QueryRowContext(ctx, `SELECT retry_count FROM queue_messages WHERE id = $1 FOR UPDATE`, id).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("dead-letter lookup failed: %w", err)
	}
	if err := postgresMoveToDeadLetter(ctx, tx, id, reason, retryCount, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dead-letter commit failed: %w", err)
	}
	return nil
}

func postgresMoveToDeadLetter(ctx context.Context, tx *sql.Tx, id, reason string, retryCount int, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letter_messages (id, message_json, original_type, session_id, target_user_id, platform, retry_count, error_message, created_at, failed_at)
		 SELECT id, message_json, type, session_id, target_user_id, platform, $1, $2, created_at, $3
		 FROM queue_messages WHERE id = $4`,
		retryCount, reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete queued message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE status IN ('pending', 'processing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued messages failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RequeueStaleProcessing(ctx context.Context, staleBefore, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'pending', locked_at = NULL, updated_at = $1
		 WHERE status = 'processing' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleProcessing", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) PurgeCompleted(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE status = 'completed' AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge completed messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, skip, take int) ([]models.DeadLetterMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_messages ORDER BY failed_at DESC, id DESC LIMIT $1 OFFSET $2`,
		take, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters failed: %w", err)
	}
	return collectDeadLetters(rows)
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_messages WHERE id = $1`, id)
	d, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter failed: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) ReprocessDeadLetter(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("reprocess begin failed: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO queue_messages (id, message_json, session_id, target_user_id, platform, type, status, retry_count, last_error, created_at, updated_at)
		 SELECT id, message_json, session_id, target_user_id, platform, original_type, 'pending', 0, error_message, created_at, $1
		 FROM dead_letter_messages WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("reprocess insert failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_messages WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("reprocess delete failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("reprocess commit failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_messages WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete dead letter failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ClearDeadLetters(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_messages`)
	if err != nil {
		return 0, fmt.Errorf("clear dead letters failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
