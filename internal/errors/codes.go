package errors

import (
	"fmt"
)

// ErrorCode represents a specific error type for chat operations.
type ErrorCode string

const (
	// ErrCodeAccessDenied indicates the caller may not use the requested scope.
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeServiceUnavailable indicates the service is not available.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeTurnFailed indicates the chat turn could not complete.
	ErrCodeTurnFailed ErrorCode = "TURN_FAILED"
	// ErrCodeLLMUnavailable indicates the LLM service is not available.
	ErrCodeLLMUnavailable ErrorCode = "LLM_UNAVAILABLE"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
)

// ChatError represents a structured error for chat operations.
type ChatError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a message safe to surface to the end user.
// Internal detail never leaks through here.
func (e *ChatError) UserMessage() string {
	switch e.Code {
	case ErrCodeAccessDenied:
		return "You don't have access to this context."
	case ErrCodeInvalidArgument:
		return e.Message
	case ErrCodeLLMUnavailable, ErrCodeServiceUnavailable:
		return "The assistant is temporarily unavailable."
	default:
		return "Something went wrong while processing your message."
	}
}

// AccessDenied creates an access denied error.
func AccessDenied(msg string) *ChatError {
	return &ChatError{Code: ErrCodeAccessDenied, Message: msg}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *ChatError {
	return &ChatError{Code: ErrCodeInvalidArgument, Message: msg}
}

// TurnFailed creates a turn failed error.
func TurnFailed(msg string, cause error) *ChatError {
	return &ChatError{Code: ErrCodeTurnFailed, Message: msg, Cause: cause}
}

// ContextCanceled creates a context canceled error.
func ContextCanceled(cause error) *ChatError {
	return &ChatError{Code: ErrCodeContextCanceled, Message: "operation canceled", Cause: cause}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *ChatError {
	return &ChatError{Code: code, Message: msg, Cause: cause}
}

// UserMessage returns a user-safe message for any error. Non-ChatError
// values get the generic fallback so internal detail never leaks.
func UserMessage(err error) string {
	if chatErr, ok := err.(*ChatError); ok {
		return chatErr.UserMessage()
	}
	return "Something went wrong while processing your message."
}
