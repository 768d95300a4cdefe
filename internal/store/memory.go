package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// InMemoryStore keeps the queue, sessions and dedup records in process memory.
// All operations take a single mutex, so every transition is atomic.
type InMemoryStore struct {
	mu          sync.Mutex
	queue       map[string]*models.QueuedMessage
	deadLetters map[string]*models.DeadLetterMessage
	sessions    map[string]*models.ChatSession
	dedup       map[string]time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		queue:       make(map[string]*models.QueuedMessage),
		deadLetters: make(map[string]*models.DeadLetterMessage),
		sessions:    make(map[string]*models.ChatSession),
		dedup:       make(map[string]time.Time),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func cloneQueued(q *models.QueuedMessage) *models.QueuedMessage {
	out := *q
	out.Message = q.Message.Clone()
	return &out
}

func (s *InMemoryStore) EnqueueQueued(ctx context.Context, msg models.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := cloneQueued(&msg)
	q.Status = models.QueueStatusPending
	q.UpdatedAt = q.CreatedAt
	s.queue[q.ID] = q
	return nil
}

func (s *InMemoryStore) ClaimNextQueued(ctx context.Context, now time.Time) (*models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *models.QueuedMessage
	for _, q := range s.queue {
		if q.Status != models.QueueStatusPending {
			continue
		}
		if q.NextAttemptAt != nil && q.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || q.CreatedAt.Before(next.CreatedAt) || (q.CreatedAt.Equal(next.CreatedAt) && q.ID < next.ID) {
			next = q
		}
	}
	if next == nil {
		return nil, nil
	}
	locked := now
	next.Status = models.QueueStatusProcessing
	next.LockedAt = &locked
	next.UpdatedAt = now
	return cloneQueued(next), nil
}

func (s *InMemoryStore) GetQueued(ctx context.Context, id string) (*models.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok {
		return nil, nil
	}
	return cloneQueued(q), nil
}

func (s *InMemoryStore) ExtendClaimQueued(ctx context.Context, id string, claimedAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok || q.Status != models.QueueStatusProcessing || q.LockedAt == nil || !q.LockedAt.Equal(claimedAt) {
		return false, nil
	}
	locked := now
	q.LockedAt = &locked
	q.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) CompleteQueued(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok {
		return models.ErrMessageNotFound
	}
	if q.Status == models.QueueStatusCompleted {
		return nil
	}
	q.Status = models.QueueStatusCompleted
	q.LockedAt = nil
	q.NextAttemptAt = nil
	q.UpdatedAt = now
	return nil
}

// openEntry returns an active entry that is pending or processing.
func (s *InMemoryStore) openEntry(id string) (*models.QueuedMessage, bool) {
	q, ok := s.queue[id]
	if !ok || (q.Status != models.QueueStatusPending && q.Status != models.QueueStatusProcessing) {
		return nil, false
	}
	return q, true
}

func (s *InMemoryStore) FailQueued(ctx context.Context, id, reason string, now time.Time, decide RetryDecision) (models.FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.openEntry(id)
	if !ok {
		return models.FailOutcome{}, models.ErrMessageNotFound
	}
	outcome := models.FailOutcome{RetryCount: q.RetryCount + 1}
	retry, next := decide(outcome.RetryCount)
	if !retry {
		q.RetryCount = outcome.RetryCount
		s.moveToDeadLetter(q, reason, now)
		outcome.DeadLettered = true
		return outcome, nil
	}
	failedAt := now
	q.Status = models.QueueStatusPending
	q.RetryCount = outcome.RetryCount
	q.LastError = reason
	q.NextAttemptAt = &next
	q.LockedAt = nil
	q.FailedAt = &failedAt
	q.UpdatedAt = now
	outcome.NextAttemptAt = &next
	return outcome, nil
}

func (s *InMemoryStore) RescheduleQueued(ctx context.Context, id, reason string, nextAttemptAt, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.openEntry(id)
	if !ok {
		return 0, models.ErrMessageNotFound
	}
	failedAt := now
	q.Status = models.QueueStatusPending
	q.RetryCount++
	q.LastError = reason
	q.NextAttemptAt = &nextAttemptAt
	q.LockedAt = nil
	q.FailedAt = &failedAt
	q.UpdatedAt = now
	return q.RetryCount, nil
}

func (s *InMemoryStore) DeadLetterQueued(ctx context.Context, id, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok {
		return models.ErrMessageNotFound
	}
	s.moveToDeadLetter(q, reason, now)
	return nil
}

func (s *InMemoryStore) moveToDeadLetter(q *models.QueuedMessage, reason string, now time.Time) {
	s.deadLetters[q.ID] = &models.DeadLetterMessage{
		ID:           q.ID,
		Message:      q.Message.Clone(),
		OriginalType: q.Type,
		SessionID:    q.SessionID,
		TargetUserID: q.TargetUserID,
		RetryCount:   q.RetryCount,
		ErrorMessage: reason,
		CreatedAt:    q.CreatedAt,
		FailedAt:     now,
	}
	delete(s.queue, q.ID)
}

func (s *InMemoryStore) CountQueued(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queue {
		if q.Status == models.QueueStatusPending || q.Status == models.QueueStatusProcessing {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueStaleProcessing(ctx context.Context, staleBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queue {
		if q.Status == models.QueueStatusProcessing && q.LockedAt != nil && q.LockedAt.Before(staleBefore) {
			q.Status = models.QueueStatusPending
			q.LockedAt = nil
			q.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PurgeCompleted(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, q := range s.queue {
		if q.Status == models.QueueStatusCompleted && q.UpdatedAt.Before(before) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountDeadLetters(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters), nil
}

func (s *InMemoryStore) ListDeadLetters(ctx context.Context, skip, take int) ([]models.DeadLetterMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]models.DeadLetterMessage, 0, len(s.deadLetters))
	for _, d := range s.deadLetters {
		c := *d
		c.Message = d.Message.Clone()
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].FailedAt.Equal(all[j].FailedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].FailedAt.After(all[j].FailedAt)
	})
	if skip >= len(all) {
		return []models.DeadLetterMessage{}, nil
	}
	end := len(all)
	if take >= 0 && skip+take < end {
		end = skip + take
	}
	return all[skip:end], nil
}

func (s *InMemoryStore) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadLetters[id]
	if !ok {
		return nil, nil
	}
	c := *d
	c.Message = d.Message.Clone()
	return &c, nil
}

func (s *InMemoryStore) ReprocessDeadLetter(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadLetters[id]
	if !ok {
		return false, nil
	}
	s.queue[id] = &models.QueuedMessage{
		ID:           d.ID,
		Message:      d.Message,
		SessionID:    d.SessionID,
		TargetUserID: d.TargetUserID,
		Type:         d.OriginalType,
		Status:       models.QueueStatusPending,
		LastError:    d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    now,
	}
	delete(s.deadLetters, id)
	return true, nil
}

func (s *InMemoryStore) DeleteDeadLetter(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return false, nil
	}
	delete(s.deadLetters, id)
	return true, nil
}

func (s *InMemoryStore) ClearDeadLetters(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.deadLetters)
	s.deadLetters = make(map[string]*models.DeadLetterMessage)
	return n, nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.Platform == sess.Platform && existing.UserID == sess.UserID && existing.State != models.SessionStateClosed {
			return models.ErrDuplicateSession
		}
	}
	s.sessions[sess.SessionID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storedClone(s.sessions[sessionID]), nil
}

func (s *InMemoryStore) FindOpenSession(ctx context.Context, userID, platform string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Platform == platform && sess.UserID == userID && sess.State != models.SessionStateClosed {
			return storedClone(sess), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, sess *models.ChatSession, maxHistory int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sess.SessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	stored.State = sess.State
	stored.Metadata = sess.Clone().Metadata
	stored.Touch(sess.LastActivityAt)
	for _, m := range sess.UnstoredMessages() {
		if !stored.HasMessage(m.MessageID) {
			stored.History = append(stored.History, m.Clone())
		}
	}
	stored.TrimHistory(maxHistory)
	sess.MarkStored()
	return nil
}

// storedClone returns a copy of a stored session whose history counts as persisted.
func storedClone(sess *models.ChatSession) *models.ChatSession {
	c := sess.Clone()
	if c != nil {
		c.MarkStored()
	}
	return c
}

func (s *InMemoryStore) SetSessionState(ctx context.Context, sessionID string, state models.SessionState, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	sess.State = state
	sess.LastActivityAt = now
	return true, nil
}

func (s *InMemoryStore) ExpireIdleSessions(ctx context.Context, idleBefore, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sess := range s.sessions {
		switch sess.State {
		case models.SessionStateActive, models.SessionStateProcessing, models.SessionStateWaiting:
			if sess.LastActivityAt.Before(idleBefore) {
				sess.State = models.SessionStateExpired
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, platform, messageID, senderID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := platform + "\x00" + messageID
	if _, ok := s.dedup[key]; ok {
		return false, nil
	}
	s.dedup[key] = now
	return true, nil
}

func (s *InMemoryStore) ForgetInbound(ctx context.Context, platform, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, platform+"\x00"+messageID)
	return nil
}

func (s *InMemoryStore) PurgeInbound(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, at := range s.dedup {
		if at.Before(before) {
			delete(s.dedup, k)
			n++
		}
	}
	return n, nil
}
