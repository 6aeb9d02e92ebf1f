package errors

import (
	"errors"
)

// WithHint decorates the error with a hint for the client on how the error
// could be resolved.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}

	return &withHint{cause: err, hint: hint}
}

// GetHint returns the hint inside the given error if available.
func GetHint(err error) string {
	if c, ok := err.(*withHint); ok {
		return c.hint
	}

	if n := errors.Unwrap(err); n != nil {
		return GetHint(n)
	}

	return ""
}

type withHint struct {
	cause error
	hint  string
}

func (w *withHint) Error() string { return w.cause.Error() }
func (w *withHint) Unwrap() error { return w.cause }
