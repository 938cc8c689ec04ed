package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names an error class of the taxonomy.
type Kind string

const (
	KindTransport  Kind = "transport"
	KindStatus     Kind = "status"
	KindTimeout    Kind = "timeout"
	KindScript     Kind = "script"
	KindValidation Kind = "validation"
	KindDiscard    Kind = "discard"
	KindUnknown    Kind = "unknown"
)

// TransportError reports a network or worker failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a response status of 400 or above.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d", e.Code)
}

// Unwrap returns nil; status errors have no cause.
func (e *StatusError) Unwrap() error { return nil }

// TimeoutError reports an attempt that did not finish within its timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ScriptError reports an extraction routine that failed or panicked.
type ScriptError struct {
	Err error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script: %v", e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ValidationError reports a result rejected by a configured validator.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DiscardError reports a job rejected by a beforeScraping hook.
type DiscardError struct {
	Err error
}

func (e *DiscardError) Error() string {
	return fmt.Sprintf("discarded: %v", e.Err)
}

func (e *DiscardError) Unwrap() error { return e.Err }

// KindOf classifies err. The outermost taxonomy type wins.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *DiscardError:
			return KindDiscard
		case *TransportError:
			return KindTransport
		case *StatusError:
			return KindStatus
		case *TimeoutError:
			return KindTimeout
		case *ScriptError:
			return KindScript
		case *ValidationError:
			return KindValidation
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsDiscard reports whether err marks a discarded job.
func IsDiscard(err error) bool {
	var d *DiscardError
	return errors.As(err, &d)
}

// SerializedError is the JSON-friendly record kept for a remaining job.
type SerializedError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Serialize flattens err for the remains record.
func Serialize(err error) SerializedError {
	if err == nil {
		return SerializedError{}
	}
	out := SerializedError{Kind: KindOf(err), Message: err.Error()}
	var se *StatusError
	if errors.As(err, &se) {
		out.Status = se.Code
	}
	return out
}
