package queue

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// DefaultDeadLetterPageSize is used when a listing does not specify take.
const DefaultDeadLetterPageSize = 50

// DeadLetterPage is one page of a dead-letter listing.
type DeadLetterPage struct {
	Total int                        `json:"total"`
	Skip  int                        `json:"skip"`
	Take  int                        `json:"take"`
	Items []models.DeadLetterMessage `json:"items"`
}

// DeadLetterProcessor is the operator-facing view of the dead-letter store.
type DeadLetterProcessor struct {
	queue *MessageQueue
}

// NewDeadLetterProcessor creates a processor over queue.
func NewDeadLetterProcessor(queue *MessageQueue) *DeadLetterProcessor {
	return &DeadLetterProcessor{queue: queue}
}

// List returns a page of dead letters. take 0 selects the default page size
// and take is capped at models.MaxDeadLetterPageSize.
func (p *DeadLetterProcessor) List(ctx context.Context, skip, take int) (DeadLetterPage, error) {
	if skip < 0 || take < 0 {
		return DeadLetterPage{}, models.ErrInvalidPageArgument
	}
	if take == 0 {
		take = DefaultDeadLetterPageSize
	}
	if take > models.MaxDeadLetterPageSize {
		take = models.MaxDeadLetterPageSize
	}
	total, err := p.queue.DeadLetterCount(ctx)
	if err != nil {
		return DeadLetterPage{}, err
	}
	items, err := p.queue.DeadLetters(ctx, skip, take)
	if err != nil {
		return DeadLetterPage{}, err
	}
	return DeadLetterPage{Total: total, Skip: skip, Take: take, Items: items}, nil
}

// Get returns one dead letter or models.ErrDeadLetterNotFound.
func (p *DeadLetterProcessor) Get(ctx context.Context, id string) (*models.DeadLetterMessage, error) {
	return p.queue.GetDeadLetter(ctx, id)
}

// Reprocess requeues one dead letter or returns models.ErrDeadLetterNotFound.
func (p *DeadLetterProcessor) Reprocess(ctx context.Context, id string) error {
	ok, err := p.queue.ReprocessDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrDeadLetterNotFound
	}
	return nil
}

// ReprocessAll requeues every dead letter present when the call starts and
// returns how many were requeued.
func (p *DeadLetterProcessor) ReprocessAll(ctx context.Context) (int, error) {
	total, err := p.queue.DeadLetterCount(ctx)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for requeued < total {
		batch, err := p.queue.DeadLetters(ctx, 0, DefaultDeadLetterPageSize)
		if err != nil {
			return requeued, err
		}
		if len(batch) == 0 {
			break
		}
		progressed := false
		for _, d := range batch {
			ok, err := p.queue.ReprocessDeadLetter(ctx, d.ID)
			if err != nil {
				return requeued, err
			}
			if ok {
				requeued++
				progressed = true
			}
			if requeued >= total {
				break
			}
		}
		if !progressed {
			break
		}
	}
	slog.Info("DeadLetterProcessor.ReprocessAll: requeued dead letters", "count", requeued)
	return requeued, nil
}

// Delete removes one dead letter or returns models.ErrDeadLetterNotFound.
func (p *DeadLetterProcessor) Delete(ctx context.Context, id string) error {
	ok, err := p.queue.DeleteDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrDeadLetterNotFound
	}
	slog.Info("DeadLetterProcessor.Delete", "id", id)
	return nil
}

// Clear removes all dead letters.
func (p *DeadLetterProcessor) Clear(ctx context.Context) (int, error) {
	return p.queue.ClearDeadLetters(ctx)
}
