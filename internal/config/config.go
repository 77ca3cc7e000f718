// Package config owns the per-installation sync configuration: provider
// selection, credentials, the cached token pair, and local paths. The file
// is mutated only by explicit user configuration and by the token-refresh
// flow, and its credential fields are never sent anywhere other than the
// configured provider's own endpoints.
package config

import (
	"errors"
	"fmt"
	"path"
	"time"
)

// Provider selection values.
const (
	ProviderNone     = "none"
	ProviderDropbox  = "dropbox"
	ProviderWebDAV   = "webdav"
	ProviderSupabase = "supabase"
)

// ErrNotConfigured indicates no provider has been selected yet. Commands
// that need a backend fail immediately with this, before any network call.
var ErrNotConfigured = errors.New("config: no sync provider configured")

// DropboxConfig holds the delegated-authorization provider settings. The
// refresh token is the durable credential; access token and expiry are a
// cache maintained by the token-refresh flow.
type DropboxConfig struct {
	AppID        string    `toml:"app_id" env:"SCHULSYNC_DROPBOX_APP_ID"`
	AccessToken  string    `toml:"access_token"`
	RefreshToken string    `toml:"refresh_token"`
	TokenExpiry  time.Time `toml:"token_expiry"`
}

// WebDAVConfig holds static credentials for the generic file-protocol
// backend. No token refresh cycle exists here.
type WebDAVConfig struct {
	BaseURL  string `toml:"base_url" env:"SCHULSYNC_WEBDAV_URL"`
	Username string `toml:"username" env:"SCHULSYNC_WEBDAV_USERNAME"`
	Password string `toml:"password" env:"SCHULSYNC_WEBDAV_PASSWORD"`
}

// SupabaseConfig holds the hosted-relational backend settings.
type SupabaseConfig struct {
	BaseURL          string `toml:"base_url" env:"SCHULSYNC_SUPABASE_URL"`
	APIKey           string `toml:"api_key" env:"SCHULSYNC_SUPABASE_API_KEY"`
	SubmissionsTable string `toml:"submissions_table" env:"SCHULSYNC_SUPABASE_SUBMISSIONS_TABLE"`
}

// Config is the full per-installation configuration.
type Config struct {
	Provider  string `toml:"provider" env:"SCHULSYNC_PROVIDER"`
	AutoSync  bool   `toml:"auto_sync"`
	AdminName string `toml:"admin_name" env:"SCHULSYNC_ADMIN_NAME"`
	RemoteDir string `toml:"remote_dir"`
	LogLevel  string `toml:"log_level" env:"SCHULSYNC_LOG_LEVEL"`
	DataDir   string `toml:"data_dir" env:"SCHULSYNC_DATA_DIR"`

	Dropbox  DropboxConfig  `toml:"dropbox"`
	WebDAV   WebDAVConfig   `toml:"webdav"`
	Supabase SupabaseConfig `toml:"supabase"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Provider:  ProviderNone,
		RemoteDir: "/schulsync",
		LogLevel:  "info",
		DataDir:   DefaultDataDir(),
		Supabase: SupabaseConfig{
			SubmissionsTable: "applications",
		},
	}
}

// Validate checks provider selection and the presence of the credentials the
// selected provider needs. A missing credential is a configuration error,
// reported before any network call is attempted.
func Validate(cfg *Config) error {
	switch cfg.Provider {
	case "", ProviderNone:
		return nil
	case ProviderDropbox:
		if cfg.Dropbox.AppID == "" {
			return fmt.Errorf("provider %q requires dropbox.app_id", cfg.Provider)
		}
	case ProviderWebDAV:
		if cfg.WebDAV.BaseURL == "" || cfg.WebDAV.Username == "" {
			return fmt.Errorf("provider %q requires webdav.base_url and webdav.username", cfg.Provider)
		}
	case ProviderSupabase:
		if cfg.Supabase.BaseURL == "" || cfg.Supabase.APIKey == "" {
			return fmt.Errorf("provider %q requires supabase.base_url and supabase.api_key", cfg.Provider)
		}
	default:
		return fmt.Errorf("unknown provider %q (want %s, %s, %s or %s)",
			cfg.Provider, ProviderNone, ProviderDropbox, ProviderWebDAV, ProviderSupabase)
	}

	return nil
}

// Configured reports whether a provider has been selected.
func (c *Config) Configured() bool {
	return c.Provider != "" && c.Provider != ProviderNone
}

// SnapshotPath is the well-known remote path of the full-state snapshot.
func (c *Config) SnapshotPath() string {
	return path.Join(c.RemoteDir, "snapshot.json")
}

// InboxDir is the remote drop-box directory for submission files.
func (c *Config) InboxDir() string {
	return path.Join(c.RemoteDir, "inbox")
}

// ProcessedDir is where consumed inbox items are relocated. Items are moved
// here rather than deleted so an audit trail survives ingestion.
func (c *Config) ProcessedDir() string {
	return path.Join(c.InboxDir(), "processed")
}
