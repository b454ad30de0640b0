package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure crossing a module boundary.
type Kind string

const (
	KindUnknownAction Kind = "UnknownAction"
	KindPlanning      Kind = "PlanningError"
	KindPerception    Kind = "PerceptionError"
	KindAction        Kind = "ActionError"
	KindValidation    Kind = "ValidationError"
	KindCancelled     Kind = "CancelledError"
	KindInternal      Kind = "InternalError"
)

// Error is the structured error carried through sessions and returned by the
// request façade. Its string form is "<Kind>: <Message>".
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrUnknownAction = &Error{Kind: KindUnknownAction}
	ErrPlanning      = &Error{Kind: KindPlanning}
	ErrPerception    = &Error{Kind: KindPerception}
	ErrAction        = &Error{Kind: KindAction}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrCancelled     = &Error{Kind: KindCancelled}
)

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	if message == "" {
		message = err.Error()
	} else {
		message = message + ": " + err.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind when the target carries no message,
// so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Ensure returns err as an *Error, wrapping it with fallback when it carries
// no kind yet. Context cancellation is always reported as KindCancelled.
func Ensure(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	if isContextErr(err) {
		return Wrap(err, KindCancelled, "")
	}
	return Wrap(err, fallback, "")
}

// UnknownAction reports an action name outside a module's vocabulary.
func UnknownAction(name string) *Error {
	return &Error{Kind: KindUnknownAction, Message: name}
}
