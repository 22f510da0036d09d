package errors

import (
	goErrors "errors"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// ContextError annotates an error with a message describing what the caller
// was doing when the error occurred.
type ContextError struct {
	Context string
	Err     error
}

// WithContext wraps err with a short description of the failed operation.
func WithContext(err error, context string) error {
	return ContextError{Context: context, Err: err}
}

func (err ContextError) Error() string {
	return err.Context + ": " + err.Err.Error()
}

// Unwrap returns the wrapped error so that ContextError works with the
// standard errors helpers.
func (err ContextError) Unwrap() error {
	return err.Err
}

// RootCause returns the innermost error in a chain of ContextErrors.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(ContextError)
		if !ok {
			return err
		}
		err = ctxErr.Err
	}
}
