package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes engine failures.
type ErrorKind string

const (
	// KindNotFound: unknown project, snapshot, entity or run.
	KindNotFound ErrorKind = "not_found"

	// KindNotReady: the operation needs a snapshot that is still running.
	KindNotReady ErrorKind = "not_ready"

	// KindValidation: malformed request or ineligible snapshot.
	KindValidation ErrorKind = "validation_error"

	// KindPartialFailure: a restore applied some but not all changes.
	KindPartialFailure ErrorKind = "partial_failure"

	// KindSourceUnavailable: the ingestion collaborator failed.
	KindSourceUnavailable ErrorKind = "source_unavailable"
)

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrNotReady          = &Error{Kind: KindNotReady}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrPartialFailure    = &Error{Kind: KindPartialFailure}
	ErrSourceUnavailable = &Error{Kind: KindSourceUnavailable}
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// for every not-found error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
