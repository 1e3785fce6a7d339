package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	golobby "github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

// Static errors for configuration package
var (
	ErrInvalidTarget = errors.New("configuration target must be a non-nil pointer to a struct")
	ErrFeed          = errors.New("unable to feed configuration")
	ErrValidation    = errors.New("invalid configuration")
	ErrWatching      = errors.New("already watching")
	ErrNotWatching   = errors.New("not watching")
	ErrNoPaths       = errors.New("no paths to watch")
)

// Loader feeds a configuration struct from its feeders in order, later
// feeders overriding earlier ones, and validates the result.
type Loader struct {
	mu        sync.Mutex
	feeders   []Feeder
	validator Validator
	sources   []*ConfigSource
}

// NewLoader returns a loader validating with a StructValidator.
func NewLoader(feeders ...Feeder) *Loader {
	return &Loader{
		feeders:   feeders,
		validator: NewStructValidator(),
	}
}

// AddFeeder appends f to the feeders.
func (l *Loader) AddFeeder(f Feeder) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.feeders = append(l.feeders, f)
	return l
}

// SetValidator replaces the validator; nil disables validation.
func (l *Loader) SetValidator(v Validator) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.validator = v
	return l
}

func checkTarget(target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %T", ErrInvalidTarget, target)
	}
	return nil
}

// Load feeds target from every feeder and validates it. Fields no feeder
// sets keep their values, so target may be pre-filled with defaults.
func (l *Loader) Load(ctx context.Context, target any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkTarget(target); err != nil {
		return err
	}

	l.mu.Lock()
	feeders := append([]Feeder(nil), l.feeders...)
	validator := l.validator
	l.mu.Unlock()

	sources := make([]*ConfigSource, 0, len(feeders))
	var loadErr error
	for _, f := range feeders {
		source := describe(f)
		sources = append(sources, source)
		if err := golobby.New().AddFeeder(f).AddStruct(target).Feed(); err != nil {
			source.Error = err.Error()
			loadErr = fmt.Errorf("%w from %s: %w", ErrFeed, source.Name, err)
			break
		}
		now := time.Now()
		source.Loaded = true
		source.LastLoaded = &now
	}

	l.mu.Lock()
	l.sources = sources
	l.mu.Unlock()

	if loadErr != nil {
		return loadErr
	}
	if validator == nil {
		return nil
	}
	return validator.ValidateStruct(ctx, target)
}

// Validate validates config without loading it.
func (l *Loader) Validate(ctx context.Context, config any) error {
	l.mu.Lock()
	validator := l.validator
	l.mu.Unlock()
	if validator == nil {
		return nil
	}
	return validator.ValidateStruct(ctx, config)
}

// Sources reports the feeders used by the last Load.
func (l *Loader) Sources() []*ConfigSource {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ConfigSource, len(l.sources))
	for i, s := range l.sources {
		c := *s
		out[i] = &c
	}
	return out
}

func describe(f Feeder) *ConfigSource {
	var kind, location string
	switch t := f.(type) {
	case SourceDescriber:
		kind, location = t.Describe()
	case feeder.Env, *feeder.Env:
		kind = "env"
	case feeder.Yaml:
		kind, location = "yaml", t.Path
	case feeder.Toml:
		kind, location = "toml", t.Path
	case feeder.Json:
		kind, location = "json", t.Path
	case feeder.DotEnv:
		kind, location = "dotenv", t.Path
	default:
		kind = fmt.Sprintf("%T", f)
	}
	name := kind
	if location != "" {
		name = kind + ":" + location
	}
	return &ConfigSource{Name: name, Type: kind, Location: location}
}
