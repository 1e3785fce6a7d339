package feeders

import (
	"fmt"
	"path/filepath"
	"strings"
)

// KeyFeeder feeds a target from one top-level key of its source.
type KeyFeeder interface {
	Feed(structure any) error
	FeedKey(key string, target any) error
	Describe() (kind, location string)
}

// SectionFeeder feeds a struct from one top-level section of a file.
type SectionFeeder struct {
	feeder KeyFeeder
	key    string
}

// Section returns a feeder for the section key of f.
func Section(f KeyFeeder, key string) *SectionFeeder {
	return &SectionFeeder{feeder: f, key: key}
}

// Feed decodes the section into structure.
func (s *SectionFeeder) Feed(structure any) error {
	return s.feeder.FeedKey(s.key, structure)
}

// Describe names the source as location#key.
func (s *SectionFeeder) Describe() (kind, location string) {
	kind, location = s.feeder.Describe()
	return kind, location + "#" + s.key
}

// ForFile returns the feeder for path by its extension.
func ForFile(path string) (KeyFeeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
