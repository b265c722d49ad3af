// Package config centralizes environment parsing and fatal-exit helpers
// shared by the relay commands.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from SKETCHRELAY_* environment variables according
// to its `env` struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
