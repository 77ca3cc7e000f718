package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mbeckmann/schulsync/internal/config"
	"github.com/mbeckmann/schulsync/internal/inbox"
	"github.com/mbeckmann/schulsync/internal/provider"
	"github.com/mbeckmann/schulsync/internal/store"
)

var flagList bool

func newInboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Ingest pending submissions from the remote inbox",
		Long: "Downloads pending submission files from the remote inbox, merges them " +
			"into the local database, and relocates each consumed file so no other " +
			"installation ingests it twice.",
		Args: cobra.NoArgs,
		RunE: runInbox,
	}

	cmd.Flags().BoolVar(&flagList, "list", false, "list pending submissions without ingesting them")

	return cmd
}

// inboxResult is the JSON schema for inbox --json output.
type inboxResult struct {
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Duplicate int      `json:"duplicate"`
	Malformed []string `json:"malformed,omitempty"`
}

func runInbox(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := context.Background()

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if flagList {
		return listInbox(ctx, st)
	}

	var result *inbox.PollResult

	if cfg.Provider == config.ProviderSupabase {
		result, err = pollSubmissionsTable(ctx)
		if err == nil {
			var merged map[string]bool

			merged, err = st.MergedPaths(ctx)
			if err == nil {
				dropMerged(result, merged)
			}
		}
	} else {
		backend, buildErr := buildBackend(logger)
		if buildErr != nil {
			return buildErr
		}

		queue := inbox.NewQueue(backend, cfg.InboxDir(), logger)
		result, err = queue.Poll(ctx)
	}

	if err != nil {
		return err
	}

	summary, err := mergeSubmissions(ctx, st, result)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(summary)
	}

	printInboxSummary(summary)

	return nil
}

// pollSubmissionsTable reads every row of the submissions table. Rows are
// never mutated remotely; the history ledger is the consumed-once mechanism
// on this backend, so ingest callers filter with dropMerged afterwards.
func pollSubmissionsTable(ctx context.Context) (*inbox.PollResult, error) {
	logger := buildLogger()
	sb := provider.NewSupabase(cfg.Supabase.BaseURL, cfg.Supabase.APIKey, logger)

	return inbox.PollTable(ctx, sb, cfg.Supabase.SubmissionsTable, logger)
}

// dropMerged removes submissions the ledger already consumed.
func dropMerged(result *inbox.PollResult, merged map[string]bool) {
	fresh := result.Submissions[:0]

	for _, sub := range result.Submissions {
		if !merged[sub.Path] {
			fresh = append(fresh, sub)
		}
	}

	result.Submissions = fresh
}

// mergeSubmissions applies the merge policy: insert a person the natural key
// has never seen, update an existing one only when the submission is newer,
// and count everything else as a duplicate. Every consumed item lands in the
// history ledger under its source path.
func mergeSubmissions(ctx context.Context, st *store.Store, result *inbox.PollResult) (*inboxResult, error) {
	summary := &inboxResult{}

	for _, perr := range result.Malformed {
		summary.Malformed = append(summary.Malformed, perr.Path)
	}

	for _, sub := range result.Submissions {
		app := sub.Application

		extra := ""

		if len(app.Extra) > 0 {
			raw, err := json.Marshal(app.Extra)
			if err != nil {
				return nil, fmt.Errorf("encoding submission extras: %w", err)
			}

			extra = string(raw)
		}

		existing, err := st.PersonByNaturalKey(ctx, app.NaturalKey())
		if err != nil {
			return nil, err
		}

		switch {
		case existing == nil:
			person := &store.Person{
				LastName:   app.LastName,
				FirstName:  app.FirstName,
				BirthDate:  app.BirthDate,
				Phone:      app.Phone,
				Email:      app.Email,
				GradeLevel: app.GradeLevel,
				Status:     "new",
				NaturalKey: app.NaturalKey(),
				Extra:      extra,
			}

			if _, err := st.InsertPerson(ctx, person); err != nil {
				return nil, err
			}

			summary.Inserted++

		case !app.SubmittedAt.IsZero() && app.SubmittedAt.After(existing.UpdatedAt):
			existing.BirthDate = app.BirthDate
			existing.Phone = app.Phone
			existing.Email = app.Email
			existing.GradeLevel = app.GradeLevel
			existing.Extra = extra

			if err := st.UpdatePerson(ctx, existing); err != nil {
				return nil, err
			}

			summary.Updated++

		default:
			summary.Duplicate++
		}

		if _, err := st.RecordMerge(ctx, sub.Path, cfg.AdminName, 1); err != nil {
			return nil, err
		}
	}

	return summary, nil
}

func printInboxSummary(summary *inboxResult) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("Inserted:  %s\n", green(summary.Inserted))
	fmt.Printf("Updated:   %s\n", green(summary.Updated))
	fmt.Printf("Duplicate: %s\n", yellow(summary.Duplicate))

	if len(summary.Malformed) > 0 {
		fmt.Printf("Malformed: %s\n", red(len(summary.Malformed)))

		for _, p := range summary.Malformed {
			fmt.Printf("  %s (left in inbox)\n", p)
		}
	}
}

// inboxItem is one submission in the inbox --list output, marked against
// the history ledger.
type inboxItem struct {
	Path     string    `json:"path"`
	Merged   bool      `json:"merged"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified,omitempty"`
}

// sortInboxItems orders unmerged items before merged ones, newest first
// within each group.
func sortInboxItems(items []inboxItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Merged != items[j].Merged {
			return !items[i].Merged
		}

		return items[i].Modified.After(items[j].Modified)
	})
}

// ledgerPathFor maps a relocated file back to the inbox identity the ledger
// is keyed by. Relocation may have autorenamed the file, so a parenthesized
// suffix before the extension is stripped.
func ledgerPathFor(inboxDir, name string) string {
	ext := path.Ext(name)

	base := strings.TrimSuffix(name, ext)
	if i := strings.LastIndex(base, " ("); i > 0 && strings.HasSuffix(base, ")") {
		base = base[:i]
	}

	return path.Join(inboxDir, base+ext)
}

// buildInboxListing merges inbox and processed directory entries into one
// listing marked against the ledger. A processed file whose source the
// ledger does not know was relocated but never merged, which happens when a
// run dies between the two steps; it surfaces as unmerged so the admin can
// see it.
func buildInboxListing(pending, processed []provider.Entry, inboxDir string, merged map[string]bool) []inboxItem {
	var items []inboxItem

	for _, entry := range pending {
		if !entry.IsFile || !inbox.MatchesNaming(entry.Name) {
			continue
		}

		items = append(items, inboxItem{
			Path:     entry.Path,
			Merged:   merged[entry.Path],
			Size:     entry.Size,
			Modified: entry.Modified,
		})
	}

	for _, entry := range processed {
		if !entry.IsFile || !inbox.MatchesNaming(entry.Name) {
			continue
		}

		items = append(items, inboxItem{
			Path:     entry.Path,
			Merged:   merged[ledgerPathFor(inboxDir, entry.Name)],
			Size:     entry.Size,
			Modified: entry.Modified,
		})
	}

	sortInboxItems(items)

	return items
}

// listInbox shows inbox contents without consuming anything, including
// recently processed files, each marked merged or pending against the
// history ledger.
func listInbox(ctx context.Context, st *store.Store) error {
	logger := buildLogger()

	merged, err := st.MergedPaths(ctx)
	if err != nil {
		return err
	}

	var items []inboxItem

	if cfg.Provider == config.ProviderSupabase {
		result, err := pollSubmissionsTable(ctx)
		if err != nil {
			return err
		}

		for _, sub := range result.Submissions {
			items = append(items, inboxItem{
				Path:     sub.Path,
				Merged:   merged[sub.Path],
				Modified: sub.Application.SubmittedAt,
			})
		}

		sortInboxItems(items)
	} else {
		backend, err := buildBackend(logger)
		if err != nil {
			return err
		}

		pending, err := backend.List(ctx, cfg.InboxDir())
		if err != nil {
			return err
		}

		processed, err := backend.List(ctx, cfg.ProcessedDir())
		if err != nil {
			return err
		}

		items = buildInboxListing(pending, processed, cfg.InboxDir(), merged)
	}

	if flagJSON {
		return printJSON(items)
	}

	if len(items) == 0 {
		statusf(flagQuiet, "Inbox is empty.\n")
		return nil
	}

	unmerged := 0

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		status := "merged"
		if !item.Merged {
			status = "pending"
			unmerged++
		}

		rows = append(rows, []string{item.Path, status, formatSize(item.Size), formatTime(item.Modified)})
	}

	printTable(os.Stdout, []string{"PATH", "STATUS", "SIZE", "MODIFIED"}, rows)

	bold := color.New(color.Bold).SprintFunc()
	statusf(flagQuiet, "%s pending submission(s).\n", bold(unmerged))

	return nil
}
