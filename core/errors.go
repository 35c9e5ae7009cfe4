package core

import "github.com/pkg/errors"

// FieldError is the error of one struct field.
type FieldError struct {
	Field string
	Error string
}

// ValidationError is returned for invalid input: Err is the main error, Fields the per field details.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

func (err *ValidationError) Error() string {
	if err.Err == nil {
		return "validation failed"
	}
	return err.Err.Error()
}

func (err *ValidationError) Unwrap() error { return err.Err }

// FieldMap maps the fields to their error, nil without field errors.
func (err *ValidationError) FieldMap() map[string]string {
	if len(err.Fields) == 0 {
		return nil
	}
	m := make(map[string]string, len(err.Fields))
	for _, fErr := range err.Fields {
		m[fErr.Field] = fErr.Error
	}
	return m
}

// shutdownError tells the servers to stop: the process cannot serve anymore.
type shutdownError struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdownError{message: msg}
}

func (err *shutdownError) Error() string {
	return err.message
}

// IsShutdown reports whether err wraps a shutdown error, through Cause or Unwrap.
func IsShutdown(err error) bool {
	var target *shutdownError
	return errors.As(err, &target)
}
