package thread

import (
	"errors"
)

// Package errors. Component-level errors such as illegal state or illegal
// argument come from the component package.
var (
	// ErrRejectedExecution is returned when a job cannot be accepted.
	ErrRejectedExecution = errors.New("rejected execution")
	// ErrInsufficientThreads is returned when leases exhaust a pool budget.
	ErrInsufficientThreads = errors.New("insufficient configured threads")
	// ErrSchedulerNotRunning is returned when scheduling on a stopped scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)
