package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mbeckmann/schulsync/internal/config"
	"github.com/mbeckmann/schulsync/internal/provider"
	"github.com/mbeckmann/schulsync/internal/store"
	"github.com/mbeckmann/schulsync/internal/token"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE.
var cfg *config.Config

// httpClientTimeout bounds every backend HTTP request so a hung connection
// cannot block a CLI command indefinitely.
const httpClientTimeout = 30 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schulsync",
		Short:   "School administration sync client",
		Long:    "Synchronizes the local school administration database with a configured remote backend.",
		Version: version,
		// Silence Cobra's default error/usage printing; main() handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !stdoutIsTerminal() {
				color.NoColor = true
			}

			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newDisconnectCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newInboxCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// configPath resolves the effective config file location: flag, then
// environment, then the platform default.
func configPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	return config.DefaultConfigPath()
}

// loadConfig loads the configuration into the package-level cfg. Connect
// must work before any config file exists, so absence is not an error.
func loadConfig() error {
	loaded, err := config.LoadOrDefault(configPath())
	if err != nil {
		return err
	}

	cfg = loaded

	return nil
}

// saveConfig persists the current cfg back to the config file.
func saveConfig() error {
	return config.Save(cfg, configPath())
}

// buildLogger creates an slog.Logger from the config log level and CLI
// flags. CLI flags win over the config file.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// stdoutIsTerminal reports whether stdout is an interactive terminal.
// Colored output is reserved for humans; pipes get plain text.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// openStore opens the local database at the configured location.
func openStore(logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	return store.Open(cfg.DatabasePath(), logger)
}

// buildBackend constructs the configured provider. For the delegated-auth
// provider, refreshed tokens are persisted back into the config file so the
// next invocation reuses them without a refresh call.
func buildBackend(logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderDropbox:
		manager := token.NewManager(defaultHTTPClient(), logger)

		source := token.NewSource(manager,
			func() token.Credentials {
				return token.Credentials{
					AppID:        cfg.Dropbox.AppID,
					AccessToken:  cfg.Dropbox.AccessToken,
					RefreshToken: cfg.Dropbox.RefreshToken,
					Expiry:       cfg.Dropbox.TokenExpiry,
				}
			},
			func(tok token.Token) error {
				cfg.Dropbox.AccessToken = tok.AccessToken
				cfg.Dropbox.TokenExpiry = tok.Expiry

				return saveConfig()
			})

		return provider.NewDropbox(source, defaultHTTPClient(), logger), nil

	case config.ProviderWebDAV:
		return provider.NewWebDAV(cfg.WebDAV.BaseURL, cfg.WebDAV.Username,
			cfg.WebDAV.Password, defaultHTTPClient(), logger), nil

	case config.ProviderSupabase:
		return provider.NewSupabase(cfg.Supabase.BaseURL, cfg.Supabase.APIKey, logger), nil

	default:
		return nil, fmt.Errorf("%w (run 'schulsync connect' first)", config.ErrNotConfigured)
	}
}
