package coedit

import (
	"errors"
	"fmt"
)

// Wire error codes. A terminal error frame always carries one of these and
// precedes the connection close.
const (
	ErrorCodeAuthDenied      = 4001
	ErrorCodeMalformedUpdate = 4002
	ErrorCodeBackpressure    = 4003
	ErrorCodeShutdown        = 4004
	ErrorCodeProtocol        = 4005
)

var (
	// terminal for the session
	ErrAuthDenied = errors.New("auth denied")
	// terminal for the offending frame only
	ErrMalformedUpdate = errors.New("malformed update")
	// non-terminal. The group answers with a full state resync.
	ErrStaleBase = errors.New("stale base")
	// no snapshot has been written for the document
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// the group is gone from the registry. Callers retry via the router.
	ErrGroupClosed = errors.New("group closed")
)

type AuthDeniedError struct {
	Reason string
}

func (self *AuthDeniedError) Error() string {
	return fmt.Sprintf("auth denied: %s", self.Reason)
}

func (self *AuthDeniedError) Unwrap() error {
	return ErrAuthDenied
}

type PersistenceError struct {
	DocumentId DocumentId
	Attempts   int
	Err        error
}

func (self *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s failed after %d attempts: %s", self.DocumentId, self.Attempts, self.Err)
}

func (self *PersistenceError) Unwrap() error {
	return self.Err
}
