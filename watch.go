package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbeckmann/schulsync/internal/autosync"
	"github.com/mbeckmann/schulsync/internal/config"
	"github.com/mbeckmann/schulsync/internal/snapshot"
)

var (
	flagDebounce time.Duration
	flagEnable   bool
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Push automatically whenever the local database changes",
		Long: "Watches the local database and pushes a fresh snapshot after each " +
			"burst of changes settles. Requires auto-sync to be enabled; runs " +
			"until interrupted.",
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().DurationVar(&flagDebounce, "debounce", autosync.DefaultDebounce,
		"quiet period before a change triggers a push")
	cmd.Flags().BoolVar(&flagEnable, "enable", false,
		"turn the auto_sync switch on and persist it before watching")

	return cmd
}

// ensureAutoSync enforces the auto_sync switch before the watch loop starts.
// The switch changes only on an explicit request; watching never flips it
// silently.
func ensureAutoSync(c *config.Config, enable bool, save func() error) error {
	if c.AutoSync {
		return nil
	}

	if !enable {
		return errors.New("auto-sync is disabled; run 'schulsync watch --enable' to turn it on")
	}

	c.AutoSync = true

	return save()
}

func runWatch(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	if err := ensureAutoSync(cfg, flagEnable, saveConfig); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := buildBackend(logger)
	if err != nil {
		return err
	}

	svc := snapshot.NewService(st, backend, cfg.SnapshotPath(), logger)

	push := func(ctx context.Context) error {
		return withRetry(ctx, logger, func(ctx context.Context) error {
			_, pushErr := svc.Push(ctx)
			return pushErr
		})
	}

	watcher := autosync.New(cfg.DatabasePath(), flagDebounce, push, logger)

	statusf(flagQuiet, "Watching %s (Ctrl-C to stop).\n", cfg.DatabasePath())

	err = watcher.Run(ctx)
	if errors.Is(err, context.Canceled) {
		statusf(flagQuiet, "Stopped.\n")
		return nil
	}

	return err
}
