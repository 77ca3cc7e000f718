package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	env "github.com/caarlos0/env/v11"
)

// Load reads and parses a TOML config file, layers defaults and environment
// overrides, and validates the result. Unknown keys are fatal: silently
// ignoring a typo in a credentials file leads to hard-to-debug behavior.
//
// Precedence, lowest to highest: defaults, config file, environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return finish(cfg)
}

// LoadOrDefault reads the config file if it exists, otherwise starts from
// defaults. Supports the zero-config first run: `connect` can bootstrap a
// config file that does not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return finish(&Config{})
	}

	return Load(path)
}

// finish fills zero-valued fields from defaults, applies environment
// overrides, and validates.
func finish(cfg *Config) (*Config, error) {
	if err := mergo.Merge(cfg, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("config: merging defaults: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}
