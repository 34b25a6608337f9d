package route

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
	// ErrWrongDirection is returned when a route is used against its
	// direction for the local role.
	ErrWrongDirection = errors.New("route direction does not allow this")
	ErrInboxFull      = errors.New("route inbox full")
	ErrPanic          = errors.New("route task panicked")
)

// Op names the stage of route processing that failed.
type Op string

const (
	OpEncode  Op = "encode"
	OpSend    Op = "send"
	OpReceive Op = "receive"
)

// Error isolates a failure to one route. Engines report it and keep the
// route's tasks running.
type Error struct {
	Path Path
	Op   Op
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("route %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
