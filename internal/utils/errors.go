package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies failures so callers can decide between retrying, degrading and aborting.
type ErrorKind string

const (
	KindUnknown       ErrorKind = ""
	KindValidation    ErrorKind = "validation"
	KindRetryable     ErrorKind = "retryable_upstream"
	KindTerminal      ErrorKind = "terminal_upstream"
	KindPersistence   ErrorKind = "persistence"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "version_conflict"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op    string
	Kind  ErrorKind
	Msg   string
	Err   error
	Attrs map[string]any
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if len(e.Attrs) > 0 {
		keys := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Attrs[k])
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// With returns a copy of the error annotated with an extra context attribute.
func (e *AppError) With(key string, value any) *AppError {
	clone := *e
	clone.Attrs = make(map[string]any, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		clone.Attrs[k] = v
	}
	clone.Attrs[key] = value
	return &clone
}

// NewAppError constructs an AppError with no classification.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// NewKindError constructs a classified AppError.
func NewKindError(kind ErrorKind, op, msg string, err error) *AppError {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// ValidationError reports bad caller input. Never retried.
func ValidationError(op, msg string) *AppError {
	return NewKindError(KindValidation, op, msg, nil)
}

// RetryableError reports a transient upstream failure (timeout, 5xx).
func RetryableError(op, msg string, err error) *AppError {
	return NewKindError(KindRetryable, op, msg, err)
}

// TerminalError reports an explicit upstream rejection.
func TerminalError(op, msg string, err error) *AppError {
	return NewKindError(KindTerminal, op, msg, err)
}

// PersistenceError reports that storage is unavailable or inconsistent.
func PersistenceError(op string, err error) *AppError {
	return NewKindError(KindPersistence, op, "storage unavailable", err)
}

// AuthorizationError reports that the caller does not own the resource.
func AuthorizationError(op, msg string) *AppError {
	return NewKindError(KindAuthorization, op, msg, nil)
}

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic update lost the race.
	ErrVersionConflict = errors.New("version conflict")
)

// KindOf returns the first classification found in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var app *AppError
	for e := err; e != nil; {
		if errors.As(e, &app) {
			if app.Kind != KindUnknown {
				return app.Kind
			}
			e = app.Err
			continue
		}
		break
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict):
		return KindConflict
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
