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

func (s *SQLiteStore) EnqueueQueued(ctx context.Context, msg models.QueuedMessage) error {
	messageJSON, err := encodeMessage(msg.Message)
	if err != nil {
		return err
	}
	err = withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO queue_messages (id, message_json, session_id, target_user_id, platform, type, status, retry_count, next_attempt_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
			msg.ID, messageJSON, nilIfEmpty(msg.SessionID), msg.TargetUserID, msg.Message.Platform, msg.Type,
			msg.RetryCount, nilIfZero(msg.NextAttemptAt), msg.CreatedAt.UTC(), msg.CreatedAt.UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("enqueue message failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueQueued", "id", msg.ID, "type", msg.Type, "platform", msg.Message.Platform)
	return nil
}

func (s *SQLiteStore) ClaimNextQueued(ctx context.Context, now time.Time) (*models.QueuedMessage, error) {
	now = now.UTC()
	var id string
	err := withBusyRetry(ctx, func() error {
		// The status guard in the outer WHERE makes the claim a compare-and-set.
		return s.db.QueryRowContext(ctx,
			`UPDATE queue_messages SET status = 'processing', locked_at = ?, updated_at = ?
			 WHERE id = (
			   SELECT id FROM queue_messages
			   WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			   ORDER BY created_at ASC, id ASC LIMIT 1
			 ) AND status = 'pending'
			 RETURNING id`,
			now, now, now,
		).Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next message failed: %w", err)
	}
	q, err := s.GetQueued(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("claimed message %s vanished", id)
	}
	return q, nil
}

func (s *SQLiteStore) GetQueued(ctx context.Context, id string) (*models.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_messages WHERE id = ?`, id)
	q, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &q, nil
}

func (s *SQLiteStore) ExtendClaimQueued(ctx context.Context, id string, claimedAt, now time.Time) (bool, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE queue_messages SET locked_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'processing' AND locked_at = ?`,
			now.UTC(), now.UTC(), id, claimedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("extend claim failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CompleteQueued(ctx context.Context, id string, now time.Time) error {
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE queue_messages SET status = 'completed', locked_at = NULL, next_attempt_at = NULL, updated_at = ?
			 WHERE id = ? AND status IN ('pending', 'processing')`,
			now.UTC(), id,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("complete message failed: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.checkCompleted(ctx, id)
}

// checkCompleted resolves a complete call that matched no open row.
func (s *SQLiteStore) checkCompleted(ctx context.Context, id string) error {
	var status models.QueueStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM queue_messages WHERE id = ?`, id).Scan(&status)
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

func (s *SQLiteStore) FailQueued(ctx context.Context, id, reason string, now time.Time, decide RetryDecision) (models.FailOutcome, error) {
	var outcome models.FailOutcome
	now = now.UTC()
	err := withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		var retryCount int
		var status models.QueueStatus
		err = tx.QueryRowContext(ctx,
			`SELECT retry_count, status FROM queue_messages WHERE id = ? AND status IN ('pending', 'processing')`, id,
		).Scan(&retryCount, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrMessageNotFound
		}
		if err != nil {
			return err
		}

		outcome = models.FailOutcome{RetryCount: retryCount + 1}
		retry, next := decide(outcome.RetryCount)
		if retry {
			next = next.UTC()
			_, err = tx.ExecContext(ctx,
				`UPDATE queue_messages SET status = 'pending', retry_count = ?, last_error = ?, next_attempt_at = ?,
				 locked_at = NULL, failed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
				outcome.RetryCount, reason, next, now, now, id, status,
			)
			if err != nil {
				return err
			}
			outcome.NextAttemptAt = &next
		} else {
			if err := sqliteMoveToDeadLetter(ctx, tx, id, reason, outcome.RetryCount, now); err != nil {
				return err
			}
			outcome.DeadLettered = true
		}
		return tx.Commit()
	})
	if errors.Is(err, models.ErrMessageNotFound) {
		return outcome, err
	}
	if err != nil {
		return outcome, fmt.Errorf("fail message failed: %w", err)
	}
	slog.Debug("SQLiteStore.FailQueued", "id", id, "retryCount", outcome.RetryCount, "deadLettered", outcome.DeadLettered)
	return outcome, nil
}

func (s *SQLiteStore) RescheduleQueued(ctx context.Context, id, reason string, nextAttemptAt, now time.Time) (int, error) {
	var retryCount int
	err := withBusyRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`UPDATE queue_messages SET status = 'pending', retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?,
			 locked_at = NULL, failed_at = ?, updated_at = ?
			 WHERE id = ? AND status IN ('pending', 'processing')
			 RETURNING retry_count`,
			reason, nextAttemptAt.UTC(), now.UTC(), now.UTC(), id,
		).Scan(&retryCount)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reschedule message failed: %w", err)
	}
	return retryCount, nil
}

func (s *SQLiteStore) DeadLetterQueued(ctx context.Context, id, reason string, now time.Time) error {
	err := withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		var retryCount int
		err = tx.QueryRowContext(ctx, `SELECT retry_count FROM queue_messages WHERE id = ?`, id).Scan(&retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if err := sqliteMoveToDeadLetter(ctx, tx, id, reason, retryCount, now.UTC()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, models.ErrMessageNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("dead-letter message failed: %w", err)
	}
	return nil
}

// sqliteMoveToDeadLetter copies an active row into the dead-letter table and
// removes it from the queue within tx.
func sqliteMoveToDeadLetter(ctx context.Context, tx *sql.Tx, id, reason string, retryCount int, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letter_messages (id, message_json, original_type, session_id, target_user_id, platform, retry_count, error_message, created_at, failed_at)
		 SELECT id, message_json, type, session_id, target_user_id, platform, ?, ?, created_at, ?
		 FROM queue_messages WHERE id = ?`,
		retryCount, reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queued message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE status IN ('pending', 'processing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued messages failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) RequeueStaleProcessing(ctx context.Context, staleBefore, now time.Time) (int, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE queue_messages SET status = 'pending', locked_at = NULL, updated_at = ?
			 WHERE status = 'processing' AND locked_at < ?`,
			now.UTC(), staleBefore.UTC(),
		)
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("requeue stale messages failed: %w", err)
	}
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleProcessing", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) PurgeCompleted(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE status = 'completed' AND updated_at < ?`, before.UTC())
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge completed messages failed: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, skip, take int) ([]models.DeadLetterMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_messages ORDER BY failed_at DESC, id DESC LIMIT ? OFFSET ?`,
		take, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters failed: %w", err)
	}
	return collectDeadLetters(rows)
}

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_messages WHERE id = ?`, id)
	d, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter failed: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) ReprocessDeadLetter(ctx context.Context, id string, now time.Time) (bool, error) {
	found := false
	err := withBusyRetry(ctx, func() error {
		found = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		res, err := tx.ExecContext(ctx,
			`INSERT INTO queue_messages (id, message_json, session_id, target_user_id, platform, type, status, retry_count, last_error, created_at, updated_at)
			 SELECT id, message_json, session_id, target_user_id, platform, original_type, 'pending', 0, error_message, created_at, ?
			 FROM dead_letter_messages WHERE id = ?`,
			now.UTC(), id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_messages WHERE id = ?`, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reprocess dead letter failed: %w", err)
	}
	return found, nil
}

func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, id string) (bool, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_messages WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete dead letter failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClearDeadLetters(ctx context.Context) (int, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_messages`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear dead letters failed: %w", err)
	}
	return int(n), nil
}
