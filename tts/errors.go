package tts

import (
	"errors"
	"fmt"
)

// Common errors for streaming playback.
var (
	// Connection errors
	ErrIncompleteStream = errors.New("connection closed before end of stream")

	// Generation errors
	ErrGenerationFailed = errors.New("audio generation failed")

	// Buffer errors
	ErrBackpressureTimeout = errors.New("timed out waiting for buffer space")

	// Orchestrator errors
	ErrAlreadyRun = errors.New("orchestrator has already run")

	// Configuration errors
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidSampleRate = errors.New("invalid sample rate")
)

// ErrorKind classifies a StreamError.
type ErrorKind int

const (
	// KindProtocol is malformed framing from the backend.
	KindProtocol ErrorKind = iota
	// KindConnection is a failure to connect or a connection that closed
	// before the stream ended.
	KindConnection
	// KindGeneration is a failure reported by the backend.
	KindGeneration
	// KindDevice is an audio output failure.
	KindDevice
	// KindBackpressure is a buffer that stayed full for too long.
	KindBackpressure
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindConnection:
		return "connection"
	case KindGeneration:
		return "generation"
	case KindDevice:
		return "device"
	case KindBackpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// StreamError describes why a streaming operation failed.
type StreamError struct {
	Kind ErrorKind
	Op   string // action being performed when the error occurred
	Err  error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error during %s", e.Kind, e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError creates a StreamError.
func NewStreamError(kind ErrorKind, op string, err error) *StreamError {
	return &StreamError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first StreamError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err ends a stream in the error state. Generation
// errors are recoverable once playback has begun; every other kind is fatal.
func IsFatal(err error, playing bool) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	if kind == KindGeneration {
		return !playing
	}
	return true
}
