package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mbeckmann/schulsync/internal/provider"
)

// historyLimit caps how many ledger entries the status text output shows.
const historyLimit = 10

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend configuration, quota, and recent sync history",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// statusOutput is the JSON schema for status --json.
type statusOutput struct {
	Provider   string          `json:"provider"`
	RemoteDir  string          `json:"remote_dir,omitempty"`
	AutoSync   bool            `json:"auto_sync"`
	QuotaUsed  int64           `json:"quota_used,omitempty"`
	QuotaTotal int64           `json:"quota_total,omitempty"`
	History    []historyOutput `json:"history"`
}

type historyOutput struct {
	SourcePath  string    `json:"source_path"`
	MergedAt    time.Time `json:"merged_at"`
	MergedBy    string    `json:"merged_by,omitempty"`
	RecordCount int       `json:"record_count"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	out := statusOutput{
		Provider:  cfg.Provider,
		AutoSync:  cfg.AutoSync,
		RemoteDir: cfg.RemoteDir,
	}

	quotaKnown := false

	if cfg.Configured() {
		backend, err := buildBackend(logger)
		if err != nil {
			return err
		}

		quota, err := backend.Quota(ctx)

		switch {
		case err == nil:
			out.QuotaUsed = quota.Used
			out.QuotaTotal = quota.Total
			quotaKnown = true

		case errors.Is(err, provider.ErrQuotaUnsupported):
			// Normal on backends without a usage concept.

		default:
			logger.Warn("quota lookup failed", "error", err)
		}
	}

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.History(ctx)
	if err != nil {
		return err
	}

	out.History = make([]historyOutput, 0, len(records))

	for _, r := range records {
		out.History = append(out.History, historyOutput{
			SourcePath:  r.SourcePath,
			MergedAt:    r.MergedAt,
			MergedBy:    r.MergedBy,
			RecordCount: r.RecordCount,
		})
	}

	if flagJSON {
		return printJSON(out)
	}

	printStatusText(out, quotaKnown)

	return nil
}

func printStatusText(out statusOutput, quotaKnown bool) {
	bold := color.New(color.Bold).SprintFunc()

	if out.Provider == "" || out.Provider == "none" {
		fmt.Printf("Provider:  %s (run 'schulsync connect' to configure one)\n", bold("none"))
	} else {
		fmt.Printf("Provider:  %s\n", bold(out.Provider))
		fmt.Printf("Remote:    %s\n", out.RemoteDir)
	}

	fmt.Printf("Auto-sync: %v\n", out.AutoSync)

	if quotaKnown {
		fmt.Printf("Quota:     %s / %s\n", formatSize(out.QuotaUsed), formatSize(out.QuotaTotal))
	}

	if len(out.History) == 0 {
		fmt.Println("\nNo submissions merged yet.")
		return
	}

	fmt.Printf("\nRecent merges (%d total):\n", len(out.History))

	shown := out.History
	if len(shown) > historyLimit {
		shown = shown[:historyLimit]
	}

	rows := make([][]string, 0, len(shown))
	for _, h := range shown {
		rows = append(rows, []string{formatTime(h.MergedAt), h.MergedBy, h.SourcePath})
	}

	printTable(os.Stdout, []string{"MERGED", "BY", "SOURCE"}, rows)
}
