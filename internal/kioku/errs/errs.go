// Package errs defines the failure taxonomy shared by every Kioku package.
//
// Callers distinguish failures with errors.Is against the sentinel kinds:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
//
// Concrete failures are reported as *Error, which records the operation and
// log that failed and keeps the underlying cause reachable through Unwrap.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds.
var (
	// ErrNotFound indicates a requested log does not exist in storage.
	ErrNotFound = errors.New("not found")

	// ErrInvalidData indicates a stored or imported document is malformed or
	// violates a log invariant.
	ErrInvalidData = errors.New("invalid data")

	// ErrCompactionFailed is reserved for a compaction policy that cannot
	// complete. None of the built-in policies produce it.
	ErrCompactionFailed = errors.New("compaction failed")

	// ErrStorage indicates an underlying persistence or I/O failure.
	ErrStorage = errors.New("storage failure")

	// ErrConfiguration indicates a budget, policy or option is invalid.
	ErrConfiguration = errors.New("invalid configuration")
)

// Error is a failure tagged with one of the sentinel kinds.
type Error struct {
	// Op is the operation that failed (e.g. "storage.Load", "session.Append").
	Op string

	// LogID is the conversation log involved, if any.
	LogID string

	// Kind is one of the sentinel errors above.
	Kind error

	// Err is the underlying cause. May be nil.
	Err error

	// Context holds additional key-value pairs for debugging.
	Context map[string]any
}

// Error returns a formatted error message.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.LogID != "" {
		b.WriteString(" ")
		b.WriteString(e.LogID)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// WithContext adds a key-value pair to the error context and returns the
// error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind error, op, logID string, err error) *Error {
	return &Error{Op: op, LogID: logID, Kind: kind, Err: err}
}

// NotFound reports that the log identified by id does not exist.
func NotFound(op, id string) *Error {
	return New(ErrNotFound, op, id, nil)
}

// InvalidData wraps a decoding or validation failure.
func InvalidData(op string, err error) *Error {
	return New(ErrInvalidData, op, "", err)
}

// Storage wraps an I/O failure against the log identified by id.
func Storage(op, id string, err error) *Error {
	return New(ErrStorage, op, id, err)
}

// Configuration reports an invalid option or budget.
func Configuration(op, format string, args ...any) *Error {
	return New(ErrConfiguration, op, "", fmt.Errorf(format, args...))
}

// CompactionFailed wraps a compaction failure for the log identified by id.
func CompactionFailed(op, id string, err error) *Error {
	return New(ErrCompactionFailed, op, id, err)
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidData reports whether err is an InvalidData failure.
func IsInvalidData(err error) bool { return errors.Is(err, ErrInvalidData) }

// IsStorage reports whether err is a StorageFailure.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
