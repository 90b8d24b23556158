package domain

import (
	"errors"
	"fmt"
	"strings"

	"seminarhall/internal/models"
)

// Kind classifies an engine failure for callers and transports.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindOutOfWindow       Kind = "out_of_window"
	KindInvalidTransition Kind = "invalid_transition"
	KindTransient         Kind = "transient"
	KindInternal          Kind = "internal"
)

// Error is the single error type returned by the engine.
type Error struct {
	Kind    Kind
	Message string
	// Field names the offending input for validation errors.
	Field string
	// Holder is the occupying reservation for conflict errors.
	Holder *models.Reservation
	From   models.Status
	To     models.Status
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrQuotaExceeded     = &Error{Kind: KindQuotaExceeded}
	ErrOutOfWindow       = &Error{Kind: KindOutOfWindow}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrTransient         = &Error{Kind: KindTransient}
)

func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Conflict(holder *models.Reservation) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: fmt.Sprintf("slot is held by reservation %s (%s)", holder.ID, holder.Status),
		Holder:  holder.Clone(),
	}
}

func QuotaExceeded(limit int, date models.Date) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: fmt.Sprintf("at most %d reservations per day, %s is full", limit, date)}
}

func OutOfWindow(date, from, to models.Date) *Error {
	return &Error{Kind: KindOutOfWindow, Message: fmt.Sprintf("date %s is outside the booking window %s..%s", date, from, to)}
}

func InvalidTransition(from, to models.Status) *Error {
	return &Error{Kind: KindInvalidTransition, From: from, To: to, Message: fmt.Sprintf("cannot move from %s to %s", from, to)}
}

// Transient wraps a storage failure that is safe to retry.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Message: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Details returns the structured fields of err for transport bodies.
func Details(err error) map[string]any {
	var de *Error
	if !errors.As(err, &de) {
		return nil
	}
	details := map[string]any{}
	if de.Field != "" {
		details["field"] = de.Field
	}
	if de.Holder != nil {
		details["holder_id"] = de.Holder.ID
		details["holder_status"] = de.Holder.Status
	}
	if de.From != "" {
		details["from"] = de.From
		details["to"] = de.To
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
