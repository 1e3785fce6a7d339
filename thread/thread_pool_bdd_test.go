package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cucumber/godog"
)

// Static error variables for BDD tests to comply with err113 linting rule
var (
	errTooManyThreads     = errors.New("pool has too many threads")
	errJobNotRunOnce      = errors.New("job did not run exactly once")
	errJobsDidNotFinish   = errors.New("jobs did not finish")
	errJoinDidNotReturn   = errors.New("join did not return")
	errExpectedRejection  = errors.New("expected the job to be rejected")
	errUnexpectedQueueLen = errors.New("unexpected queue size")
)

// ThreadPoolBDDTestContext holds the state of one scenario.
type ThreadPoolBDDTestContext struct {
	pool    *QueuedThreadPool
	release chan struct{}
	runs    []*atomic.Int32
	wg      sync.WaitGroup
	joined  chan error
	maxSeen int
}

func (c *ThreadPoolBDDTestContext) resetContext() {
	if c.pool != nil {
		_ = c.pool.Stop(context.Background())
	}
	c.pool = nil
	c.release = make(chan struct{})
	c.runs = nil
	c.wg = sync.WaitGroup{}
	c.joined = nil
	c.maxSeen = 0
}

func (c *ThreadPoolBDDTestContext) aThreadPool(minThreads, maxThreads int) error {
	return c.aThreadPoolWithQueue(minThreads, maxThreads, 0)
}

func (c *ThreadPoolBDDTestContext) aThreadPoolWithQueue(minThreads, maxThreads, queue int) error {
	pool, err := NewQueuedThreadPool(WithMinThreads(minThreads), WithMaxThreads(maxThreads),
		WithReservedThreads(0), WithQueueCapacity(queue), WithStopTimeout(time.Second))
	if err != nil {
		return err
	}
	c.pool = pool
	return pool.Start(context.Background())
}

func (c *ThreadPoolBDDTestContext) submit(n int, blocking bool) error {
	for i := 0; i < n; i++ {
		counter := &atomic.Int32{}
		c.runs = append(c.runs, counter)
		c.wg.Add(1)
		started := make(chan struct{})
		err := c.pool.Execute(RunnableFunc(func(context.Context) {
			defer c.wg.Done()
			counter.Add(1)
			close(started)
			if blocking {
				<-c.release
			}
		}))
		if err != nil {
			c.wg.Done()
			return err
		}
		if blocking && c.pool.MaxThreads() == 1 {
			<-started
		}
		c.maxSeen = max(c.maxSeen, c.pool.Threads())
	}
	return nil
}

func (c *ThreadPoolBDDTestContext) iSubmitBlockingJobs(n int) error {
	return c.submit(n, true)
}

func (c *ThreadPoolBDDTestContext) iSubmitCountingJobs(n int) error {
	return c.submit(n, false)
}

func (c *ThreadPoolBDDTestContext) thePoolShouldHaveAtMostThreads(n int) error {
	if c.maxSeen > n || c.pool.Threads() > n {
		return fmt.Errorf("%w: saw %d, now %d, max %d", errTooManyThreads, c.maxSeen, c.pool.Threads(), n)
	}
	return nil
}

func (c *ThreadPoolBDDTestContext) jobsShouldBeQueued(n int) error {
	deadline := time.Now().Add(5 * time.Second)
	for c.pool.QueueSize() != n {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d, want %d", errUnexpectedQueueLen, c.pool.QueueSize(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (c *ThreadPoolBDDTestContext) iReleaseTheBlockingJobs() error {
	close(c.release)
	return nil
}

func (c *ThreadPoolBDDTestContext) everyJobShouldHaveRunExactlyOnce() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errJobsDidNotFinish
	}
	for i, r := range c.runs {
		if r.Load() != 1 {
			return fmt.Errorf("%w: job %d ran %d times", errJobNotRunOnce, i, r.Load())
		}
	}
	return nil
}

func (c *ThreadPoolBDDTestContext) aGoroutineJoinsThePool() error {
	c.joined = make(chan error, 1)
	go func() {
		c.joined <- c.pool.Join(context.Background())
	}()
	return nil
}

func (c *ThreadPoolBDDTestContext) iStopThePool() error {
	return c.pool.Stop(context.Background())
}

func (c *ThreadPoolBDDTestContext) theJoinShouldReturn() error {
	select {
	case err := <-c.joined:
		return err
	case <-time.After(5 * time.Second):
		return errJoinDidNotReturn
	}
}

func (c *ThreadPoolBDDTestContext) submittingAJobShouldBeRejected() error {
	err := c.pool.Execute(RunnableFunc(func(context.Context) {}))
	if !errors.Is(err, ErrRejectedExecution) {
		return fmt.Errorf("%w, got %v", errExpectedRejection, err)
	}
	return nil
}

// InitializeThreadPoolScenario registers the thread pool steps.
func InitializeThreadPoolScenario(ctx *godog.ScenarioContext) {
	testCtx := &ThreadPoolBDDTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.resetContext()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		testCtx.resetContext()
		return ctx, nil
	})

	ctx.Step(`^a thread pool with min (\d+) and max (\d+) threads$`, testCtx.aThreadPool)
	ctx.Step(`^a thread pool with min (\d+) and max (\d+) threads and a queue of (\d+)$`, testCtx.aThreadPoolWithQueue)
	ctx.Step(`^I submit (\d+) blocking jobs$`, testCtx.iSubmitBlockingJobs)
	ctx.Step(`^I submit (\d+) counting jobs$`, testCtx.iSubmitCountingJobs)
	ctx.Step(`^the pool should have at most (\d+) threads$`, testCtx.thePoolShouldHaveAtMostThreads)
	ctx.Step(`^(\d+) jobs should be queued$`, testCtx.jobsShouldBeQueued)
	ctx.Step(`^I release the blocking jobs$`, testCtx.iReleaseTheBlockingJobs)
	ctx.Step(`^every job should have run exactly once$`, testCtx.everyJobShouldHaveRunExactlyOnce)
	ctx.Step(`^a goroutine joins the pool$`, testCtx.aGoroutineJoinsThePool)
	ctx.Step(`^I stop the pool$`, testCtx.iStopThePool)
	ctx.Step(`^the join should return$`, testCtx.theJoinShouldReturn)
	ctx.Step(`^submitting a job should be rejected$`, testCtx.submittingAJobShouldBeRejected)
}

// TestThreadPoolFeatures runs the BDD tests for the queued thread pool
func TestThreadPoolFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeThreadPoolScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/thread_pool.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
