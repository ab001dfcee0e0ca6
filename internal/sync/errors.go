package sync

import (
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/request"
)

var (
	// ErrCanceled is reported when a pass is stopped by its context
	ErrCanceled = errors.New("synchronization canceled")
	// ErrCursorInvalidated means the server no longer accepts the stored cursor
	ErrCursorInvalidated = errors.New("sync cursor invalidated")
	// ErrEntityNotFound means the remote message or folder is already gone
	ErrEntityNotFound = errors.New("remote entity not found")
	// ErrUnsupportedOperation is returned for requests a provider cannot serve
	ErrUnsupportedOperation = errors.New("operation not supported by provider")
	// ErrMissingSpecialFolder is returned when a request needs a folder role
	// the account does not have
	ErrMissingSpecialFolder = errors.New("missing special folder")
	// ErrInvalidMoveTarget aliases the request package error
	ErrInvalidMoveTarget = request.ErrInvalidMoveTarget
	// ErrSynchronizerNotFound is returned for unknown accounts
	ErrSynchronizerNotFound = errors.New("synchronizer not found")
	// ErrNoResponse is recorded when a batch returns nothing for a bundle
	ErrNoResponse = errors.New("no response for request")
)

// RequestError ties a failure to the request that caused it
type RequestError struct {
	Request request.Request
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s request %s: %v", e.Request.Kind(), e.Request.ID(), e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
