package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unconfigured is fine", func(c *Config) { c.Provider = ProviderNone }, ""},
		{"empty provider is fine", func(c *Config) { c.Provider = "" }, ""},
		{"dropbox needs app id", func(c *Config) { c.Provider = ProviderDropbox }, "app_id"},
		{"dropbox complete", func(c *Config) {
			c.Provider = ProviderDropbox
			c.Dropbox.AppID = "abc"
		}, ""},
		{"webdav needs url", func(c *Config) {
			c.Provider = ProviderWebDAV
			c.WebDAV.Username = "erika"
		}, "base_url"},
		{"webdav complete", func(c *Config) {
			c.Provider = ProviderWebDAV
			c.WebDAV.BaseURL = "https://dav.example.org"
			c.WebDAV.Username = "erika"
		}, ""},
		{"supabase needs key", func(c *Config) {
			c.Provider = ProviderSupabase
			c.Supabase.BaseURL = "https://x.supabase.co"
		}, "api_key"},
		{"unknown provider", func(c *Config) { c.Provider = "ftp" }, "unknown provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRemotePaths(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/schulsync/snapshot.json", cfg.SnapshotPath())
	assert.Equal(t, "/schulsync/inbox", cfg.InboxDir())
	assert.Equal(t, "/schulsync/inbox/processed", cfg.ProcessedDir())

	cfg.RemoteDir = "/custom/dir"
	assert.Equal(t, "/custom/dir/snapshot.json", cfg.SnapshotPath())
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, ProviderNone, cfg.Provider)
	assert.False(t, cfg.Configured())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "applications", cfg.Supabase.SubmissionsTable)
}

func TestLoad_RoundTripThroughSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Provider = ProviderWebDAV
	cfg.AdminName = "erika"
	cfg.WebDAV = WebDAVConfig{
		BaseURL:  "https://dav.example.org/remote.php/dav",
		Username: "erika",
		Password: "secret",
	}

	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "credentials demand owner-only permissions")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Provider, loaded.Provider)
	assert.Equal(t, cfg.AdminName, loaded.AdminName)
	assert.Equal(t, cfg.WebDAV, loaded.WebDAV)
}

func TestLoad_UnknownKeysFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("provider = \"none\"\nremotedir = \"/typo\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
	assert.Contains(t, err.Error(), "remotedir")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("provider = \"none\"\nlog_level = \"info\"\n"), 0o600))

	t.Setenv("SCHULSYNC_LOG_LEVEL", "debug")
	t.Setenv("SCHULSYNC_ADMIN_NAME", "max")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "environment wins over the file")
	assert.Equal(t, "max", cfg.AdminName)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("provider = \"dropbox\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_id")
}
