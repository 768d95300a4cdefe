// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	Platform   string    `json:"platform"`
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Platforms redeliver webhooks they consider unacknowledged; a message id seen
// before is acknowledged without being queued again.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, platform, messageID, senderID string, now time.Time) (bool, error)

	// ForgetInbound removes a record so a redelivery is accepted again. It is
	// used when queueing fails after the record was made.
	ForgetInbound(ctx context.Context, platform, messageID string) error

	// PurgeInbound deletes records received before the cutoff.
	PurgeInbound(ctx context.Context, before time.Time) (int, error)
}
