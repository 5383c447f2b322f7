// Package errs defines the typed error taxonomy shared by the storage
// adapter, the outbox and the sync engine. Callers match on kinds with
// [errors.Is] against the exported sentinels:
//
//	if errors.Is(err, errs.ErrInvalidCondition) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindInvalidCondition means a conditioned save or delete matched no row.
	KindInvalidCondition Kind = "INVALID_CONDITION"
	// KindInvalidDatabase means the on-disk database could not be rebuilt.
	KindInvalidDatabase Kind = "INVALID_DATABASE"
	// KindAlreadyExists means a create targets a record that already has a
	// queued mutation.
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	// KindIgnorable marks storage failures caused by benign races, such as a
	// foreign key violation after a concurrent parent delete.
	KindIgnorable Kind = "IGNORABLE"
	// KindNetwork marks transient transport failures that may be retried.
	KindNetwork Kind = "NETWORK"
	// KindConflict marks a version conflict reported by the remote.
	KindConflict Kind = "CONFLICT"
	// KindInternal marks protocol violations and states that should not occur.
	KindInternal Kind = "INTERNAL"
	// KindConfiguration marks invalid schemas or settings.
	KindConfiguration Kind = "CONFIGURATION"
	// KindNotFound marks a missing record or schema.
	KindNotFound Kind = "NOT_FOUND"
)

// Sentinels for errors.Is matching. Only the Kind is compared.
var (
	ErrInvalidCondition = &Error{Kind: KindInvalidCondition}
	ErrInvalidDatabase  = &Error{Kind: KindInvalidDatabase}
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists}
	ErrIgnorable        = &Error{Kind: KindIgnorable}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrInternal         = &Error{Kind: KindInternal}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrNotFound         = &Error{Kind: KindNotFound}
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. It returns nil if err is nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
