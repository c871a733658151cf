package schemas

import (
	"context"
	"errors"
	"strings"
)

// ErrorCode is a string type used for structured failure reporting in
// outcomes. Using a custom type ensures that only predefined constants can be
// used where an ErrorCode is expected.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeStrategyExhausted ErrorCode = "STRATEGY_EXHAUSTED"
	ErrCodeCancelled         ErrorCode = "CANCELLED"

	// -- Surface/DOM Errors --
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeNotInteractable ErrorCode = "NOT_INTERACTABLE"
	ErrCodeTimeoutError    ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError ErrorCode = "NAVIGATION_ERROR"

	// -- Navigation Policy --
	ErrCodeLoopDetected  ErrorCode = "LOOP_DETECTED"
	ErrCodeNoProgress    ErrorCode = "NO_PROGRESS"
	ErrCodeUnverified    ErrorCode = "UNVERIFIED_COMPLETION"
	ErrCodeAuthRequired  ErrorCode = "AUTH_REQUIRED"
	ErrCodeBlockerFailed ErrorCode = "BLOCKER_UNRESOLVED"
)

var (
	// ErrSurfaceTimeout is returned by bounded surface waits when the
	// timeout elapses before the condition holds.
	ErrSurfaceTimeout = errors.New("surface: wait timed out")
	// ErrElementNotFound is returned when a locator matches nothing.
	ErrElementNotFound = errors.New("surface: no element found for locator")
)

// ClassifyError derives an ErrorCode from a surface error using the error
// chain first and message heuristics second.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrSurfaceTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeoutError
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, ErrElementNotFound):
		return ErrCodeElementNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "selector") || strings.Contains(msg, "no element found") || strings.Contains(msg, "could not find node"):
		return ErrCodeElementNotFound
	case strings.Contains(msg, "not interactable") || strings.Contains(msg, "zero size") || strings.Contains(msg, "not visible"):
		return ErrCodeNotInteractable
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrCodeTimeoutError
	case strings.Contains(msg, "net::err"):
		return ErrCodeNavigationError
	}
	return ErrCodeExecutionFailure
}
