package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "SCHULSYNC_CONFIG"

// DefaultConfigPath returns the platform config file location,
// honoring XDG_CONFIG_HOME and the SCHULSYNC_CONFIG override.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}

		base = filepath.Join(home, ".config")
	}

	return filepath.Join(base, "schulsync", "config.toml")
}

// DefaultDataDir returns the platform data directory (database, auth
// scratch), honoring XDG_DATA_HOME.
func DefaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}

		base = filepath.Join(home, ".local", "share")
	}

	return filepath.Join(base, "schulsync")
}

// DatabasePath is the local SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "schulsync.db")
}

// ScratchPath is the single-use pending-authorization scratch location.
func (c *Config) ScratchPath() string {
	return filepath.Join(c.DataDir, "authstate.json")
}
