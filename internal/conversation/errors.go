package conversation

import "errors"

// ErrorKind tags the four terminal command failures. They are reported to the
// caller verbatim and never retried.
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindForbidden       ErrorKind = "forbidden"
	KindNotFound        ErrorKind = "not_found"
	KindValidation      ErrorKind = "validation_error"
)

// Error is a tagged command failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Msg
}

func errUnauthenticated() error {
	return &Error{Kind: KindUnauthenticated, Msg: "no caller identity"}
}

func errForbidden(msg string) error {
	return &Error{Kind: KindForbidden, Msg: msg}
}

func errNotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func errValidation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// KindOf returns the tag of a command error, or "" for untagged (internal)
// errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
