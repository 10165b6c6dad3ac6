package engine

import (
	"errors"
	"fmt"
)

// Code classifies worker-reported failures.
type Code string

const (
	CodeOutOfMemory   Code = "OUT_OF_MEMORY"
	CodeInputNotFound Code = "INPUT_NOT_FOUND"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeEngineError   Code = "ENGINE_ERROR"
	CodeCancelled     Code = "CANCELLED"
)

// ErrUnavailable means no worker is running and one could not be started.
var ErrUnavailable = errors.New("engine: worker unavailable")

// Error is a failure reported by (or on behalf of) a worker.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, defaulting to ENGINE_ERROR.
func CodeOf(err error) Code {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return CodeEngineError
}

// normalizeCode folds the codes the worker bridges emit on the wire into
// the fixed taxonomy.
func normalizeCode(wire string) Code {
	switch wire {
	case "OUT_OF_MEMORY":
		return CodeOutOfMemory
	case "INPUT_NOT_FOUND", "VOICE_NOT_FOUND", "IMAGE_NOT_FOUND":
		return CodeInputNotFound
	case "INVALID_INPUT", "INVALID_TEXT", "INVALID_REQUEST":
		return CodeInvalidInput
	case "CANCELLED":
		return CodeCancelled
	default:
		return CodeEngineError
	}
}
