package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

// Enqueuer is the queue operation used for inbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.QueuedMessage) (string, error)
}

// IngestResult reports what happened to an inbound payload.
type IngestResult struct {
	QueueID   string // set when the message was queued
	Duplicate bool
	Ignored   bool // the payload carried no user message
}

// Ingestor turns parsed inbound messages into incoming queue entries,
// dropping platform redeliveries.
type Ingestor struct {
	queue Enqueuer
	dedup store.DedupRepo
	now   func() time.Time
}

// NewIngestor returns an ingestor. dedup may be nil to disable deduplication.
func NewIngestor(queue Enqueuer, dedup store.DedupRepo) *Ingestor {
	return &Ingestor{queue: queue, dedup: dedup, now: time.Now}
}

// Ingest parses raw with p and queues the result.
func (in *Ingestor) Ingest(ctx context.Context, p Provider, raw []byte) (IngestResult, error) {
	msg, err := p.ParseMessage(ctx, raw)
	if err != nil {
		return IngestResult{}, err
	}
	if msg == nil {
		return IngestResult{Ignored: true}, nil
	}
	return in.Accept(ctx, *msg)
}

// Accept queues an already parsed message. It is also the InboundHandler of socket providers.
func (in *Ingestor) Accept(ctx context.Context, msg models.ChatMessage) (IngestResult, error) {
	recorded := false
	if in.dedup != nil && msg.MessageID != "" {
		fresh, err := in.dedup.RecordInbound(ctx, msg.Platform, msg.MessageID, msg.SenderID, in.now())
		if err != nil {
			return IngestResult{}, fmt.Errorf("failed to record inbound message: %w", err)
		}
		if !fresh {
			slog.Info("Ingestor.Accept: duplicate message dropped", "platform", msg.Platform, "messageID", msg.MessageID)
			return IngestResult{Duplicate: true}, nil
		}
		recorded = true
	}

	id, err := in.queue.Enqueue(ctx, models.QueuedMessage{
		Message: msg,
		Type:    models.QueueTypeIncoming,
	})
	if err != nil {
		if recorded {
			if ferr := in.dedup.ForgetInbound(ctx, msg.Platform, msg.MessageID); ferr != nil {
				slog.Error("Ingestor.Accept: failed to forget inbound record", "error", ferr, "messageID", msg.MessageID)
			}
		}
		return IngestResult{}, fmt.Errorf("failed to enqueue inbound message: %w", err)
	}
	slog.Debug("Ingestor.Accept: message queued", "queueID", id, "platform", msg.Platform, "sender", msg.SenderID)
	return IngestResult{QueueID: id}, nil
}

// Handler adapts Accept to an InboundHandler.
func (in *Ingestor) Handler() InboundHandler {
	return func(ctx context.Context, msg models.ChatMessage) error {
		_, err := in.Accept(ctx, msg)
		return err
	}
}

// IsClientError reports whether an ingest error was caused by the payload.
func IsClientError(err error) bool {
	return errors.Is(err, models.ErrUnparseablePayload) ||
		errors.Is(err, models.ErrEmptyPlatform) ||
		errors.Is(err, models.ErrEmptySender) ||
		errors.Is(err, models.ErrInvalidMessageType) ||
		errors.Is(err, models.ErrContentTooLong)
}
