package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

func deadLetterN(t *testing.T, q *MessageQueue, clock *fakeClock, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.Enqueue(ctx, textMessage("u1", fmt.Sprintf("msg %d", i)))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if err := q.MoveToDeadLetter(ctx, id, "dead"); err != nil {
			t.Fatalf("MoveToDeadLetter failed: %v", err)
		}
		ids = append(ids, id)
		clock.Advance(time.Second)
	}
	return ids
}

func TestDeadLetterProcessor_List(t *testing.T) {
	q, clock := newTestQueue(t)
	p := NewDeadLetterProcessor(q)
	ids := deadLetterN(t, q, clock, 5)
	ctx := context.Background()

	page, err := p.List(ctx, 0, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("unexpected page total=%d items=%d", page.Total, len(page.Items))
	}
	if page.Items[0].ID != ids[4] || page.Items[1].ID != ids[3] {
		t.Errorf("expected most recent failures first, got %s, %s", page.Items[0].ID, page.Items[1].ID)
	}

	page, _ = p.List(ctx, 4, 2)
	if len(page.Items) != 1 || page.Items[0].ID != ids[0] {
		t.Errorf("unexpected last page %+v", page.Items)
	}

	page, _ = p.List(ctx, 0, 0)
	if page.Take != DefaultDeadLetterPageSize || len(page.Items) != 5 {
		t.Errorf("take 0 should use the default page size, got take=%d items=%d", page.Take, len(page.Items))
	}

	page, _ = p.List(ctx, 0, 100000)
	if page.Take != models.MaxDeadLetterPageSize {
		t.Errorf("expected take capped at %d, got %d", models.MaxDeadLetterPageSize, page.Take)
	}

	if _, err := p.List(ctx, 0, -1); !errors.Is(err, models.ErrInvalidPageArgument) {
		t.Errorf("expected ErrInvalidPageArgument, got %v", err)
	}
}

func TestDeadLetterProcessor_ReprocessAndDelete(t *testing.T) {
	q, clock := newTestQueue(t)
	p := NewDeadLetterProcessor(q)
	ids := deadLetterN(t, q, clock, 2)
	ctx := context.Background()

	if err := p.Reprocess(ctx, ids[0]); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	if err := p.Reprocess(ctx, ids[0]); !errors.Is(err, models.ErrDeadLetterNotFound) {
		t.Errorf("expected ErrDeadLetterNotFound on second reprocess, got %v", err)
	}
	if n, _ := q.QueueLength(ctx); n != 1 {
		t.Errorf("expected reprocessed message queued, length %d", n)
	}

	if err := p.Delete(ctx, ids[1]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := p.Delete(ctx, ids[1]); !errors.Is(err, models.ErrDeadLetterNotFound) {
		t.Errorf("expected ErrDeadLetterNotFound on second delete, got %v", err)
	}
	if _, err := p.Get(ctx, ids[1]); !errors.Is(err, models.ErrDeadLetterNotFound) {
		t.Errorf("expected ErrDeadLetterNotFound from Get, got %v", err)
	}
}

func TestDeadLetterProcessor_ReprocessAll(t *testing.T) {
	q, clock := newTestQueue(t)
	p := NewDeadLetterProcessor(q)
	deadLetterN(t, q, clock, DefaultDeadLetterPageSize+7)
	ctx := context.Background()

	n, err := p.ReprocessAll(ctx)
	if err != nil {
		t.Fatalf("ReprocessAll failed: %v", err)
	}
	if n != DefaultDeadLetterPageSize+7 {
		t.Errorf("expected %d requeued, got %d", DefaultDeadLetterPageSize+7, n)
	}
	if c, _ := q.DeadLetterCount(ctx); c != 0 {
		t.Errorf("expected empty dead-letter store, got %d", c)
	}
	if l, _ := q.QueueLength(ctx); l != n {
		t.Errorf("expected %d queued, got %d", n, l)
	}
}

func TestDeadLetterProcessor_Clear(t *testing.T) {
	q, clock := newTestQueue(t)
	p := NewDeadLetterProcessor(q)
	deadLetterN(t, q, clock, 3)

	n, err := p.Clear(context.Background())
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 removed, got %d", n)
	}
	if n, _ := p.Clear(context.Background()); n != 0 {
		t.Errorf("clearing an empty store should remove nothing, got %d", n)
	}
}
