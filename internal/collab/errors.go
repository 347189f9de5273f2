package collab

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrNotInRoom           = errors.New("you are not currently viewing a resource")
	ErrInvalidSeverity     = errors.New("invalid severity")
	ErrInvalidMessage      = errors.New("invalid chat message")
	ErrInvalidRecipient    = errors.New("recipient is required")
	ErrUnknownNotification = errors.New("unknown notification")
	ErrPersistence         = errors.New("persistence failure")

	errRoomClosed = errors.New("room closed")
)

// PersistenceError wraps a failure of an external store. It matches
// ErrPersistence with errors.Is and unwraps to the store's error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
