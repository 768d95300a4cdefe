// Package util provides identifier helpers shared across ChatPipe components.
package util

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewQueueID returns a lexicographically time-sortable id for a queue entry.
func NewQueueID() string {
	return NewQueueIDAt(time.Now())
}

// NewQueueIDAt returns a queue id whose timestamp component is t.
func NewQueueIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// QueueIDTime extracts the creation time embedded in a queue id.
func QueueIDTime(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewMessageID returns a random id for messages produced by ChatPipe itself.
func NewMessageID() string {
	return "cp-" + uuid.NewString()
}
