package models

import (
	"errors"
	"fmt"
	"time"
)

// AgentResponse is the outcome of one agent execution.
type AgentResponse struct {
	Success      bool          `json:"success"`
	Messages     []ChatMessage `json:"messages"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
}

// AgentResponseChunk is one element of a streamed agent execution.
// IsComplete marks the terminal chunk; ErrorMessage is set only on a failed terminal chunk.
type AgentResponseChunk struct {
	Content      string `json:"content,omitempty"`
	IsComplete   bool   `json:"is_complete"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Error codes carried in SendResult.ErrorCode.
const (
	SendErrorProviderDisabled = "PROVIDER_DISABLED"
	SendErrorProviderNotFound = "PROVIDER_NOT_FOUND"
	SendErrorInvalidTarget    = "INVALID_TARGET"
	SendErrorRateLimited      = "RATE_LIMITED"
	SendErrorTransport        = "TRANSPORT_ERROR"
	SendErrorRejected         = "REJECTED"
)

// SendResult is the per-message outcome of a provider send.
type SendResult struct {
	Success      bool          `json:"success"`
	MessageID    string        `json:"message_id,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Retryable    bool          `json:"retryable,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
}

// SendOK returns a successful SendResult.
func SendOK(platformMessageID string) SendResult {
	return SendResult{Success: true, MessageID: platformMessageID}
}

// SendFailed returns a failed SendResult.
func SendFailed(code, message string, retryable bool) SendResult {
	return SendResult{ErrorCode: code, ErrorMessage: message, Retryable: retryable}
}

// Err converts a failed SendResult into a ProcessingError, or nil on success.
func (r SendResult) Err() error {
	if r.Success {
		return nil
	}
	reason := r.ErrorCode
	if r.ErrorMessage != "" {
		reason = fmt.Sprintf("%s: %s", r.ErrorCode, r.ErrorMessage)
	}
	return &ProcessingError{Reason: "send failed: " + reason, Retryable: r.Retryable, RetryAfter: r.RetryAfter}
}

// ProcessingError is the classified failure of a queue pipeline. Retryable
// failures go back to the queue with backoff; the rest are dead-lettered.
type ProcessingError struct {
	Reason     string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// RetryableError wraps err as a failure that should be retried.
func RetryableError(reason string, err error) *ProcessingError {
	return &ProcessingError{Reason: reason, Retryable: true, Err: err}
}

// PermanentError wraps err as a failure that must not be retried.
func PermanentError(reason string, err error) *ProcessingError {
	return &ProcessingError{Reason: reason, Err: err}
}

// AsProcessingError extracts a ProcessingError from err's chain. Errors without
// one are treated as retryable.
func AsProcessingError(err error) *ProcessingError {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProcessingError{Reason: "processing failed", Retryable: true, Err: err}
}
