package thread

import (
	"context"
	"fmt"
	"reflect"

	"github.com/GoCodeAlone/component"
)

// Runnable is a unit of work. The context is cancelled when the executor
// running the job is forced to stop.
type Runnable interface {
	Run(ctx context.Context)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context)

func (f RunnableFunc) Run(ctx context.Context) {
	f(ctx)
}

// Executor accepts jobs for asynchronous execution.
type Executor interface {
	Execute(job Runnable) error
}

// TryExecutor can also run a job only when it can do so immediately.
type TryExecutor interface {
	Executor
	// TryExecute starts job at once and reports true, or reports false
	// without queueing it.
	TryExecute(job Runnable) bool
}

// ThreadPool is an Executor backed by a set of worker goroutines.
type ThreadPool interface {
	Executor
	// Join blocks until the pool has stopped or ctx is done.
	Join(ctx context.Context) error
	Threads() int
	IdleThreads() int
	IsLowOnThreads() bool
}

// SizedThreadPool is a ThreadPool with bounds on its size.
type SizedThreadPool interface {
	ThreadPool
	MinThreads() int
	MaxThreads() int
	SetMinThreads(threads int) error
	SetMaxThreads(threads int) error
	ThreadPoolBudget() *ThreadPoolBudget
}

type noTry struct{}

func (noTry) Execute(job Runnable) error {
	return fmt.Errorf("%w: %v", ErrRejectedExecution, job)
}

func (noTry) TryExecute(Runnable) bool {
	return false
}

func (noTry) String() string {
	return "NO_TRY"
}

// NoTry never runs a job immediately.
var NoTry TryExecutor = noTry{}

// noTryExecutor executes through a plain Executor and never tries.
type noTryExecutor struct {
	executor Executor
}

func (n *noTryExecutor) Execute(job Runnable) error {
	return n.executor.Execute(job)
}

func (n *noTryExecutor) TryExecute(Runnable) bool {
	return false
}

func (n *noTryExecutor) String() string {
	return fmt.Sprintf("%s[%v]", component.ObjectName(n), n.executor)
}

// AsTryExecutor returns executor itself when it is a TryExecutor, or a
// wrapper whose TryExecute always fails.
func AsTryExecutor(executor Executor) TryExecutor {
	if te, ok := executor.(TryExecutor); ok {
		return te
	}
	return &noTryExecutor{executor: executor}
}

func poolID(o any) uintptr {
	return reflect.ValueOf(o).Pointer()
}
