package store

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLiteStore) RecordInbound(ctx context.Context, platform, messageID, senderID string, now time.Time) (bool, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO inbound_dedup (platform, message_id, sender_id, received_at) VALUES (?, ?, ?, ?)`,
			platform, messageID, nilIfEmpty(senderID), now.UTC(),
		)
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ForgetInbound(ctx context.Context, platform, messageID string) error {
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE platform = ? AND message_id = ?`, platform, messageID)
		return err
	})
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInbound(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	return int(n), nil
}
