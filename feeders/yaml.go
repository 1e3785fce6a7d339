package feeders

import (
	"fmt"

	"github.com/golobby/config/v3/pkg/feeder"
	"gopkg.in/yaml.v3"
)

// YamlFeeder feeds a whole YAML file, or one top-level key of it with
// FeedKey.
type YamlFeeder struct {
	feeder.Yaml
}

func NewYamlFeeder(filePath string) YamlFeeder {
	return YamlFeeder{feeder.Yaml{Path: filePath}}
}

// Describe names the source of the feeder.
func (y YamlFeeder) Describe() (kind, location string) {
	return "yaml", y.Path
}

// FeedKey decodes the top-level key of the file into target. A missing
// key leaves target unchanged.
func (y YamlFeeder) FeedKey(key string, target any) error {
	var allData map[string]any
	if err := y.Feed(&allData); err != nil {
		return fmt.Errorf("%w %s: %w", ErrReadFile, y.Path, err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}

	// Remarshal so yaml tags and durations on target apply
	valueBytes, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrSectionDecode, key, err)
	}
	if err = yaml.Unmarshal(valueBytes, target); err != nil {
		return fmt.Errorf("%w %q: %w", ErrSectionDecode, key, err)
	}
	return nil
}
