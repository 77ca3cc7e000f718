package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/mbeckmann/schulsync/internal/provider"
	"github.com/mbeckmann/schulsync/internal/snapshot"
)

// Sync flags.
var (
	flagRetries uint64
	flagForce   bool
)

// retryBase is the first backoff delay; subsequent delays grow
// fibonacci-style with jitter.
const retryBase = time.Second

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload the full local state to the remote backend",
		Args:  cobra.NoArgs,
		RunE:  runPush,
	}

	cmd.Flags().Uint64Var(&flagRetries, "retries", 3, "retry attempts for transient backend failures")

	return cmd
}

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Replace the local state with the remote snapshot",
		Args:  cobra.NoArgs,
		RunE:  runPull,
	}

	cmd.Flags().Uint64Var(&flagRetries, "retries", 3, "retry attempts for transient backend failures")
	cmd.Flags().BoolVar(&flagForce, "force", false, "skip the confirmation prompt")

	return cmd
}

// syncResult is the JSON schema for push/pull --json output.
type syncResult struct {
	Operation string    `json:"operation"`
	CreatedAt time.Time `json:"created_at"`
}

func runPush(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

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

	var createdAt time.Time

	err = withRetry(ctx, logger, func(ctx context.Context) error {
		var pushErr error
		createdAt, pushErr = svc.Push(ctx)

		return pushErr
	})
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(syncResult{Operation: "push", CreatedAt: createdAt})
	}

	statusf(flagQuiet, "Pushed snapshot created %s.\n", formatTime(createdAt))

	return nil
}

func runPull(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	// Pull discards every local edit not yet pushed; make that explicit.
	if !flagForce && !confirm("Pull replaces ALL local data with the remote snapshot. Continue?") {
		statusf(flagQuiet, "Aborted.\n")
		return nil
	}

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

	var createdAt time.Time

	err = withRetry(ctx, logger, func(ctx context.Context) error {
		var pullErr error
		createdAt, pullErr = svc.Pull(ctx)

		return pullErr
	})
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return errors.New("no remote snapshot exists yet, push from another installation first")
		}

		return err
	}

	if flagJSON {
		return printJSON(syncResult{Operation: "pull", CreatedAt: createdAt})
	}

	statusf(flagQuiet, "Pulled snapshot created %s.\n", formatTime(createdAt))

	return nil
}

// withRetry runs op, retrying throttled and transport failures with
// fibonacci backoff. Auth failures, not-found and version mismatches are
// permanent and fail immediately.
func withRetry(ctx context.Context, logger *slog.Logger, op func(context.Context) error) error {
	backoff := retry.WithMaxRetries(flagRetries, retry.NewFibonacci(retryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, provider.ErrThrottled) || errors.Is(err, provider.ErrTransport) {
			logger.Warn("transient backend failure, retrying", "error", err)
			return retry.RetryableError(err)
		}

		return err
	})
}

// confirm asks a yes/no question on the terminal. Non-interactive stdin
// (scripts, pipes) answers no, so destructive defaults never trigger
// silently; scripts pass --force.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)

	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}

	return answer == "y" || answer == "Y" || answer == "yes"
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
