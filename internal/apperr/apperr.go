// Package apperr defines the error kinds surfaced by the dispatch core and
// how they map onto the RPC and HTTP boundaries.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindInvalidArgument
	KindFailedPrecondition
	KindTransient
	KindNotFound
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindFailedPrecondition:
		return "failed-precondition"
	case KindTransient:
		return "unavailable"
	case KindNotFound:
		return "not-found"
	case KindPermissionDenied:
		return "permission-denied"
	}
	return "internal"
}

// Error carries enough context for operations triage: which entity, which
// id and which transition was attempted.
type Error struct {
	Kind       Kind
	Op         string
	Entity     string
	ID         string
	Transition string
	Msg        string
	Err        error

	// UnknownOutcome is set when a write may or may not have committed.
	// Callers must re-read state before retrying.
	UnknownOutcome bool
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Entity != "" {
		fmt.Fprintf(&b, " %s", e.Entity)
		if e.ID != "" {
			fmt.Fprintf(&b, "/%s", e.ID)
		}
	}
	if e.Transition != "" {
		fmt.Fprintf(&b, " [%s]", e.Transition)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Entity == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrFailedPrecondition = &Error{Kind: KindFailedPrecondition}
	ErrTransient          = &Error{Kind: KindTransient}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
)

func Unauthenticated(msg string) *Error {
	return &Error{Kind: KindUnauthenticated, Msg: msg}
}

func InvalidArgument(msg string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(msg, args...)}
}

func PermissionDenied(msg string, args ...any) *Error {
	return &Error{Kind: KindPermissionDenied, Msg: fmt.Sprintf(msg, args...)}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

// Precondition reports a state machine guard violation on entity/id while
// attempting transition.
func Precondition(entity, id, transition, msg string, args ...any) *Error {
	return &Error{Kind: KindFailedPrecondition, Entity: entity, ID: id, Transition: transition, Msg: fmt.Sprintf(msg, args...)}
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// IsUnknownOutcome reports whether a failed write may still have committed.
func IsUnknownOutcome(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.UnknownOutcome
}

// WithOp annotates err with the operation name when it is an *Error without one.
func WithOp(op string, err error) error {
	var e *Error
	if errors.As(err, &e) && e.Op == "" {
		cp := *e
		cp.Op = op
		return &cp
	}
	return err
}

// UserMessage is the short text shown to riders and captains.
func UserMessage(k Kind) string {
	switch k {
	case KindUnauthenticated:
		return "Please sign in and try again."
	case KindInvalidArgument:
		return "Missing ride details. Please provide pickup location, dropoff location, and boat type."
	case KindFailedPrecondition:
		return "This action is no longer possible. Refresh and try again."
	case KindTransient:
		return "The service is temporarily unavailable. Please retry shortly."
	case KindNotFound:
		return "We couldn't find that record."
	case KindPermissionDenied:
		return "You are not allowed to do that."
	}
	return "Something went wrong."
}

func HTTPStatus(k Kind) int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindFailedPrecondition:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
