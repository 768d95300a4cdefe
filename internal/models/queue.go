package models

import "time"

// QueueMessageType tells the worker which pipeline a queue entry goes through.
type QueueMessageType string

const (
	// QueueTypeIncoming is a user message that needs an agent reply.
	QueueTypeIncoming QueueMessageType = "incoming"
	// QueueTypeOutgoing is a message to deliver as is.
	QueueTypeOutgoing QueueMessageType = "outgoing"
	// QueueTypeRetry is a previously produced reply whose delivery failed.
	QueueTypeRetry QueueMessageType = "retry"
)

// IsValidQueueType reports whether t is a known queue message type.
func IsValidQueueType(t QueueMessageType) bool {
	switch t {
	case QueueTypeIncoming, QueueTypeOutgoing, QueueTypeRetry:
		return true
	default:
		return false
	}
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusDeadLetter QueueStatus = "dead_letter"
)

// QueuedMessage is one entry of the active processing queue.
type QueuedMessage struct {
	ID            string           `json:"id"`
	Message       ChatMessage      `json:"message"`
	SessionID     string           `json:"session_id,omitempty"`
	TargetUserID  string           `json:"target_user_id"`
	Type          QueueMessageType `json:"type"`
	Status        QueueStatus      `json:"status"`
	RetryCount    int              `json:"retry_count"`
	LastError     string           `json:"last_error,omitempty"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	LockedAt      *time.Time       `json:"locked_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	FailedAt      *time.Time       `json:"failed_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// DeadLetterMessage is a queue entry that was removed from the active queue
// after exhausting its retries or by operator action.
type DeadLetterMessage struct {
	ID           string           `json:"id"`
	Message      ChatMessage      `json:"message"`
	OriginalType QueueMessageType `json:"original_type"`
	SessionID    string           `json:"session_id,omitempty"`
	TargetUserID string           `json:"target_user_id"`
	RetryCount   int              `json:"retry_count"`
	ErrorMessage string           `json:"error_message"`
	CreatedAt    time.Time        `json:"created_at"`
	FailedAt     time.Time        `json:"failed_at"`
}

// FailOutcome reports how a failed queue entry was routed.
type FailOutcome struct {
	RetryCount    int        `json:"retry_count"`
	DeadLettered  bool       `json:"dead_lettered"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	QueueLength int `json:"queue_length"`
	DeadLetters int `json:"dead_letters"`
}
