package tablesync

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrClosed             = errors.New("channel closed")
	ErrRowNotFound        = errors.New("row not found")
	ErrOptimisticDisabled = errors.New("optimistic merge is not enabled on this channel")
)

// ConfigurationError is returned synchronously by Open for bad arguments. It is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (err *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
}

// TransportError is a subscribe/connection failure. Channels retry them while open.
type TransportError struct {
	Op  string
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", err.Op, err.Err)
}

func (err *TransportError) Unwrap() error { return err.Err }

// QueryError is a failed fetch, carrying the message reported by the backend.
type QueryError struct {
	Table   string
	Message string
	Err     error
}

func (err *QueryError) Error() string {
	return fmt.Sprintf("querying %s: %s", err.Table, err.Message)
}

func (err *QueryError) Unwrap() error { return err.Err }

// WriteError is returned by Client.Write; channels never see it.
type WriteError struct {
	Table   string
	Op      Op
	Message string
	Err     error
}

func (err *WriteError) Error() string {
	return fmt.Sprintf("%s on %s: %s", err.Op, err.Table, err.Message)
}

func (err *WriteError) Unwrap() error { return err.Err }

func NewQueryError(table string, err error) error {
	return &QueryError{Table: table, Message: errors.Cause(err).Error(), Err: err}
}

func NewWriteError(table string, op Op, err error) error {
	return &WriteError{Table: table, Op: op, Message: errors.Cause(err).Error(), Err: err}
}

func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsQueryError(err error) bool {
	var target *QueryError
	return errors.As(err, &target)
}

func IsWriteError(err error) bool {
	var target *WriteError
	return errors.As(err, &target)
}
