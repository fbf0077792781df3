package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Load fills target from environment variables. A nil environ reads the
// process environment.
func Load(target any, environ map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}
