package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/component"
)

// DefaultReloadDebounce coalesces the bursts of events editors produce
// when saving a file.
const DefaultReloadDebounce = 100 * time.Millisecond

// Reloader watches configuration files and reloads a target struct when
// they change. The target is only replaced after the callback accepts the
// changes, from the watching goroutine.
type Reloader struct {
	loader *Loader
	target reflect.Value
	files  map[string]struct{}

	mu       sync.Mutex
	debounce time.Duration
	logger   component.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewReloader returns a reloader loading target with loader whenever one of
// paths changes. target must be a non-nil pointer to a struct.
func NewReloader(loader *Loader, target any, paths ...string) (*Reloader, error) {
	if err := checkTarget(target); err != nil {
		return nil, err
	}
	files := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		files[abs] = struct{}{}
	}
	return &Reloader{
		loader:   loader,
		target:   reflect.ValueOf(target),
		files:    files,
		debounce: DefaultReloadDebounce,
		logger:   component.NopLogger(),
	}, nil
}

// SetDebounce sets how long to wait for events to settle before reloading.
func (r *Reloader) SetDebounce(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debounce = d
}

// SetLogger sets the logger for reload failures.
func (r *Reloader) SetLogger(logger component.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// IsWatching reports whether StartWatch is in effect.
func (r *Reloader) IsWatching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watcher != nil
}

// StartWatch starts watching until ctx is done or StopWatch is called.
// The directories of the files are watched, so files replaced by rename
// are still seen.
func (r *Reloader) StartWatch(ctx context.Context, callback ReloadCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return ErrWatching
	}
	if len(r.files) == 0 {
		return ErrNoPaths
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dirs := make(map[string]struct{})
	for f := range r.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r.watcher = w
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, w, r.done, r.debounce, callback)
	return nil
}

// StopWatch stops watching and waits for the watching goroutine to exit.
func (r *Reloader) StopWatch(ctx context.Context) error {
	r.mu.Lock()
	w, cancel, done := r.watcher, r.cancel, r.done
	r.watcher, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()
	if w == nil {
		return ErrNotWatching
	}

	cancel()
	err := w.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("closing file watcher: %w", err)
	}
	return nil
}

func (r *Reloader) run(ctx context.Context, w *fsnotify.Watcher, done chan struct{}, debounce time.Duration, callback ReloadCallback) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time
	var source string
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if _, watched := r.files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			source = event.Name
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.log().Warn("Config watcher error", "error", err)

		case <-fire:
			fire = nil
			r.reload(ctx, source, callback)
		}
	}
}

func (r *Reloader) log() component.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logger
}

func (r *Reloader) reload(ctx context.Context, source string, callback ReloadCallback) {
	fresh := reflect.New(r.target.Elem().Type())
	fresh.Elem().Set(r.target.Elem())
	if err := r.loader.Load(ctx, fresh.Interface()); err != nil {
		r.log().Warn("Config reload failed", "source", source, "error", err)
		return
	}

	changes := Diff(r.target.Interface(), fresh.Interface(), source)
	if len(changes) == 0 {
		return
	}
	if callback != nil {
		if err := callback(ctx, changes); err != nil {
			r.log().Warn("Config reload rejected", "source", source, "error", err)
			return
		}
	}
	r.target.Elem().Set(fresh.Elem())
	r.log().Info("Config reloaded", "source", source, "changes", len(changes))
}
