// Package models defines the core data structures for ChatPipe.
//
// It includes the canonical chat message, queue entries, sessions, agent responses
// and the API response envelope, which are shared across modules.
package models

import (
	"errors"
)

// Validation constants for input validation
const (
	// MaxContentLength defines the maximum allowed length for message content accepted by the API
	MaxContentLength = 16384
	// MaxDeadLetterPageSize caps the take parameter of dead-letter listings
	MaxDeadLetterPageSize = 500
)

// Error variables for better error handling and testability
var (
	ErrMessageNotFound     = errors.New("queued message not found")
	ErrDeadLetterNotFound  = errors.New("dead-letter message not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session is closed")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrProviderDisabled    = errors.New("provider is disabled")
	ErrEmptyPlatform       = errors.New("platform cannot be empty")
	ErrEmptySender         = errors.New("sender cannot be empty")
	ErrEmptyRecipient      = errors.New("recipient cannot be empty")
	ErrEmptyContent        = errors.New("content cannot be empty")
	ErrContentTooLong      = errors.New("content exceeds maximum length")
	ErrInvalidMessageType  = errors.New("invalid message type")
	ErrInvalidQueueType    = errors.New("invalid queue message type")
	ErrInvalidWebhook      = errors.New("webhook validation failed")
	ErrUnparseablePayload  = errors.New("payload could not be parsed")
	ErrDuplicateSession    = errors.New("an open session already exists for this user and platform")
	ErrInvalidPageArgument = errors.New("skip and take must be non-negative")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates a message was accepted and queued for processing.
	APIStatusQueued APIStatus = "queued"
	// APIStatusIgnored indicates a webhook was acknowledged without producing a message.
	APIStatusIgnored APIStatus = "ignored"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Convenience functions for common response patterns

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Queued creates a queued API response carrying the queue entry id.
func Queued(id string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusQueued).
		WithResult(map[string]string{"id": id}).
		Build()
}

// Ignored creates an ignored API response with a reason.
func Ignored(reason string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusIgnored).
		WithMessage(reason).
		Build()
}
