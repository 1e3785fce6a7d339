// Package feeders provides configuration feeders for environment variables
// and YAML or TOML files, whole or by top-level section.
package feeders

import "github.com/golobby/config/v3/pkg/feeder"

// EnvFeeder sets fields from the unprefixed variables named by their env
// tags.
type EnvFeeder = feeder.Env

func NewEnvFeeder() EnvFeeder {
	return EnvFeeder{}
}
