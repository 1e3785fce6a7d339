package thread

import (
	"time"
)

// jobQueue is a bounded FIFO of jobs. Offer never blocks.
type jobQueue struct {
	jobs chan Runnable
}

func newJobQueue(capacity int) *jobQueue {
	return &jobQueue{jobs: make(chan Runnable, capacity)}
}

// Offer enqueues job, reporting false when the queue is full.
func (q *jobQueue) Offer(job Runnable) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Poll dequeues a job if one is immediately available.
func (q *jobQueue) Poll() Runnable {
	select {
	case job := <-q.jobs:
		return job
	default:
		return nil
	}
}

// PollWait dequeues a job, waiting up to timeout or until wake is closed.
// A timeout of zero or less waits without limit.
func (q *jobQueue) PollWait(timeout time.Duration, wake <-chan struct{}) Runnable {
	if timeout <= 0 {
		select {
		case job := <-q.jobs:
			return job
		case <-wake:
			return q.Poll()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-q.jobs:
		return job
	case <-timer.C:
		return nil
	case <-wake:
		return q.Poll()
	}
}

func (q *jobQueue) Size() int {
	return len(q.jobs)
}

func (q *jobQueue) Capacity() int {
	return cap(q.jobs)
}
