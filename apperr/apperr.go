package apperr

import "errors"

// Kind classifies an error by how the application reacts to it.
type Kind string

const (
	KindConfiguration Kind = "CONFIGURATION" // invalid or missing setting, not retried
	KindConnection    Kind = "CONNECTION"    // transport connect failure, auto-retried
	KindPublish       Kind = "PUBLISH"       // send-time transport failure
	KindStorage       Kind = "STORAGE"       // persistence failure, logged only
	KindValidation    Kind = "VALIDATION"    // rejected before any I/O
)

// Error is the structured error returned across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func Configuration(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
