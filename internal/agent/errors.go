package agent

import (
	"context"
	"errors"
	"fmt"
)

// Code categorizes agent failures for operators.
type Code string

const (
	CodeTimeout         Code = "timeout"
	CodeRateLimited     Code = "rate_limited"
	CodeUnauthorized    Code = "unauthorized"
	CodeContextTooLong  Code = "context_too_long"
	CodeContentFiltered Code = "content_filtered"
	CodeUnavailable     Code = "unavailable"
	CodeEmptyResponse   Code = "empty_response"
	CodeInternal        Code = "internal"
)

// Error is a categorized agent failure. Agents return it so the executor can
// pick a matching user-facing message.
type Error struct {
	Code Code
	Err  error
}

// NewError wraps err with a category.
func NewError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agent error (%s)", e.Code)
	}
	return fmt.Sprintf("agent error (%s): %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

const (
	timeoutMessage = "Sorry, it took too long to process your message. Please try again."
	genericMessage = "Sorry, something went wrong while processing your message. Please try again later."
)

var templates = map[Code]string{
	CodeRateLimited:     "I'm handling a lot of requests right now. Please try again in a moment.",
	CodeUnauthorized:    "The assistant is not available right now due to a configuration problem.",
	CodeContextTooLong:  "This conversation has grown too long for me to process. Please start a new conversation.",
	CodeContentFiltered: "Sorry, I can't help with that request.",
	CodeUnavailable:     "The assistant is temporarily unavailable. Please try again later.",
	CodeEmptyResponse:   "Sorry, I couldn't come up with a response. Please try rephrasing your message.",
}

// FriendlyMessage maps err to text that is safe to show to an end user and
// the error code recorded with it.
func FriendlyMessage(err error) (string, Code) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timeoutMessage, CodeTimeout
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Code == CodeTimeout {
			return timeoutMessage, CodeTimeout
		}
		if tmpl, ok := templates[ae.Code]; ok {
			return fmt.Sprintf("%s (error code: %s)", tmpl, ae.Code), ae.Code
		}
	}
	return genericMessage, CodeInternal
}
