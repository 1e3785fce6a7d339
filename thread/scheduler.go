package thread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/component"
	"github.com/robfig/cron/v3"
)

// Task is a scheduled piece of work that may still be cancelled.
type Task interface {
	// Cancel prevents the task from running, reporting whether it was
	// still pending.
	Cancel() bool
}

// Scheduler runs functions after a delay.
type Scheduler interface {
	component.LifeCycle
	Schedule(fn func(), delay time.Duration) (Task, error)
}

// TimerScheduler is a Scheduler built on runtime timers, with cron
// expressions for recurring work.
type TimerScheduler struct {
	component.BaseLifeCycle

	name string

	mu      sync.Mutex
	timers  map[*timerTask]struct{}
	cron    *cron.Cron
	entries map[*cronTask]struct{}
}

type timerTask struct {
	scheduler *TimerScheduler
	timer     *time.Timer
}

func (t *timerTask) Cancel() bool {
	stopped := t.timer.Stop()
	t.scheduler.forget(t)
	return stopped
}

type cronTask struct {
	scheduler *TimerScheduler
	id        cron.EntryID
}

func (t *cronTask) Cancel() bool {
	return t.scheduler.removeCron(t)
}

// NewTimerScheduler returns a stopped scheduler.
func NewTimerScheduler(name string) *TimerScheduler {
	s := &TimerScheduler{
		name:    name,
		timers:  make(map[*timerTask]struct{}),
		entries: make(map[*cronTask]struct{}),
	}
	s.Init(s)
	if s.name == "" {
		s.name = fmt.Sprintf("Scheduler-%x", poolID(s))
	}
	return s
}

func (s *TimerScheduler) DoStart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron = cron.New()
	s.cron.Start()
	return nil
}

// DoStop cancels every pending task and waits, within ctx, for running
// cron jobs to finish.
func (s *TimerScheduler) DoStop(ctx context.Context) error {
	s.mu.Lock()
	for t := range s.timers {
		t.timer.Stop()
	}
	s.timers = make(map[*timerTask]struct{})
	s.entries = make(map[*cronTask]struct{})
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.Logger().Warn("Scheduler stop timed out", "scheduler", s.name)
	}
	return nil
}

// Schedule runs fn once after delay.
func (s *TimerScheduler) Schedule(fn func(), delay time.Duration) (Task, error) {
	t := &timerTask{scheduler: s}
	s.mu.Lock()
	if s.cron == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSchedulerNotRunning, s.name)
	}
	t.timer = time.AfterFunc(delay, func() {
		s.forget(t)
		s.run(fn)
	})
	s.timers[t] = struct{}{}
	s.mu.Unlock()
	return t, nil
}

// ScheduleCron runs fn on the standard cron spec.
func (s *TimerScheduler) ScheduleCron(spec string, fn func()) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil, fmt.Errorf("%w: %s", ErrSchedulerNotRunning, s.name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(fn) })
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	t := &cronTask{scheduler: s, id: id}
	s.entries[t] = struct{}{}
	return t, nil
}

// Pending returns the number of one-shot tasks not yet run.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerScheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Warn("Scheduled task failed", "scheduler", s.name, "panic", r)
		}
	}()
	fn()
}

func (s *TimerScheduler) forget(t *timerTask) {
	s.mu.Lock()
	delete(s.timers, t)
	s.mu.Unlock()
}

func (s *TimerScheduler) removeCron(t *cronTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[t]; !ok {
		return false
	}
	delete(s.entries, t)
	if s.cron != nil {
		s.cron.Remove(t.id)
	}
	return true
}

func (s *TimerScheduler) String() string {
	return fmt.Sprintf("%s{%s}", s.name, s.State())
}
