package errors

import (
	"errors"
)

// WithDetail decorates the error with an additional detail message
func WithDetail(err error, detail string) error {
	if err == nil {
		return nil
	}

	return &withDetail{cause: err, detail: detail}
}

// GetDetail returns the detail message inside the given error if available.
func GetDetail(err error) string {
	if c, ok := err.(*withDetail); ok {
		return c.detail
	}

	if n := errors.Unwrap(err); n != nil {
		return GetDetail(n)
	}

	return ""
}

type withDetail struct {
	cause  error
	detail string
}

func (w *withDetail) Error() string { return w.cause.Error() }
func (w *withDetail) Unwrap() error { return w.cause }
