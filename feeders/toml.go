package feeders

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/golobby/config/v3/pkg/feeder"
)

// TomlFeeder feeds a whole TOML file, or one top-level key of it with
// FeedKey.
type TomlFeeder struct {
	feeder.Toml
}

func NewTomlFeeder(filePath string) TomlFeeder {
	return TomlFeeder{feeder.Toml{Path: filePath}}
}

// Describe names the source of the feeder.
func (t TomlFeeder) Describe() (kind, location string) {
	return "toml", t.Path
}

// FeedKey decodes the top-level table key of the file into target. A
// missing key leaves target unchanged.
func (t TomlFeeder) FeedKey(key string, target any) error {
	var allData map[string]any
	if err := t.Feed(&allData); err != nil {
		return fmt.Errorf("%w %s: %w", ErrReadFile, t.Path, err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}

	valueBytes, err := toml.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrSectionDecode, key, err)
	}
	if err = toml.Unmarshal(valueBytes, target); err != nil {
		return fmt.Errorf("%w %q: %w", ErrSectionDecode, key, err)
	}
	return nil
}
