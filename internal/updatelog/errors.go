package updatelog

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload rejects updates without bytes. Nothing is persisted.
	ErrEmptyPayload = errors.New("updatelog: empty update payload")
	// ErrNoUpdates reports a document with no stored updates.
	ErrNoUpdates = errors.New("updatelog: document has no updates")
	// ErrInvalidDocumentID rejects blank document identifiers.
	ErrInvalidDocumentID = errors.New("updatelog: invalid document id")

	errMissingDatabase = errors.New("database handle is required")
	errMissingEngine   = errors.New("document engine is required")
)

// ServiceError carries an operation.reason code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
