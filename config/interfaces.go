// Package config loads configuration structs from feeders, validates them
// and reloads them when their files change.
package config

import (
	"context"
	"time"
)

// Feeder fills a configuration struct from one source. It has the shape of
// the golobby/config feeders, which can be used directly.
type Feeder interface {
	Feed(structure any) error
}

// SourceDescriber is implemented by feeders that can name their source.
type SourceDescriber interface {
	Describe() (kind, location string)
}

// Validator validates a loaded configuration struct.
type Validator interface {
	ValidateStruct(ctx context.Context, config any) error
}

// ReloadCallback is called with the changes found after a watched file
// changed. Returning an error rejects the new configuration.
type ReloadCallback func(ctx context.Context, changes []*ConfigChange) error

// ConfigSource reports the outcome of the last load from one feeder.
type ConfigSource struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Location   string     `json:"location,omitempty"`
	Loaded     bool       `json:"loaded"`
	LastLoaded *time.Time `json:"last_loaded,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ConfigChange is one field that differs between two configurations.
type ConfigChange struct {
	FieldPath string    `json:"field_path"`
	OldValue  any       `json:"old_value"`
	NewValue  any       `json:"new_value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
