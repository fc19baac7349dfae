// Package errs carries the pipeline's error taxonomy. Every failure is
// classified into one of four kinds, and retriability is a property of the
// kind rather than of the call site: workers ask IsRetriable and never
// inspect error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// Transient covers network failures, 5xx/429 responses, timeouts, and
	// bus contention. Retried with exponential backoff, then circuit-broken.
	Transient Kind = iota
	// Data covers schema validation failures, unparseable JSON, and empty
	// input. The LLM self-correction loop handles these; exhausted retries
	// end in FAILED_VALIDATION_ERROR or the dead-letter queue.
	Data
	// Policy covers oversized files, path traversal attempts, and
	// disallowed relationship types. Rejected immediately, never retried.
	Policy
	// Integrity covers state-store and graph-store constraint or
	// transaction failures. The transaction rolls back and the bus
	// redelivers the job.
	Integrity
)

// String returns the kind's name for logs.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Data:
		return "data"
	case Policy:
		return "policy"
	case Integrity:
		return "integrity"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retriable reports whether failures of this kind should be redelivered.
func (k Kind) Retriable() bool {
	return k == Transient || k == Integrity
}

// Error is a classified pipeline error. It wraps an underlying cause so
// errors.Is / errors.As keep working through it.
type Error struct {
	Kind Kind
	Err  error
}

// Error formats as "kind: cause".
func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap exposes the cause to the errors package.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil so Wrap can sit
// directly on a return statement.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf classifies an error with added context. The cause remains reachable
// through errors.Is / errors.As.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

// KindOf extracts the classification of an error. Unclassified errors
// report Transient: when we do not know what went wrong, the safe course is
// to retry within the normal backoff budget rather than drop work.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// IsRetriable reports whether the error's kind permits redelivery.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retriable()
}
