package node

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopStopped is returned by operations on a loop that has shut down.
	ErrLoopStopped = errors.New("event loop stopped")

	// ErrPeerClosed records an orderly shutdown by the remote end.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrIdleTimeout records a connection closed by the idle sweep.
	ErrIdleTimeout = errors.New("idle timeout")
)

// DuplicateHandleError is returned when registering an fd twice.
type DuplicateHandleError struct {
	Fd int
}

func (e *DuplicateHandleError) Error() string {
	return fmt.Sprintf("fd %d already registered", e.Fd)
}

// UnknownHandleError is returned when modifying or removing an fd that is not registered.
type UnknownHandleError struct {
	Fd int
}

func (e *UnknownHandleError) Error() string {
	return fmt.Sprintf("fd %d not registered", e.Fd)
}
