package component

import (
	"errors"
)

// Component errors
var (
	// State machine errors
	ErrIllegalState  = errors.New("illegal state")
	ErrStopRequested = errors.New("stop requested")
	ErrDestroyed     = errors.New("destroyed container cannot be restarted")

	// Argument errors
	ErrIllegalArgument = errors.New("illegal argument")

	// Graceful shutdown errors
	ErrShutdownCanceled = errors.New("shutdown canceled")
)
