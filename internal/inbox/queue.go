package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/mbeckmann/schulsync/internal/provider"
)

// Queue reads submissions out of a remote inbox directory.
type Queue struct {
	backend provider.Provider
	dir     string
	logger  *slog.Logger
}

// NewQueue creates a queue over the inbox directory dir.
func NewQueue(backend provider.Provider, dir string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{backend: backend, dir: dir, logger: logger}
}

// PollResult is the outcome of one poll: the submissions handed over to the
// caller plus the malformed files left behind for a human to inspect.
type PollResult struct {
	Submissions []Submission
	Malformed   []*ParseError
}

// Poll lists the inbox, downloads every file matching the submission naming
// convention, parses it, and relocates it to the processed sub-path in
// autorename mode so a concurrent admin polling the same inbox cannot
// double-consume it. An absent inbox directory yields an empty result.
//
// Items are isolated from each other: a file that fails to download or move
// is skipped and remains claimable on the next poll, and a file that fails
// validation is left in place and reported in Malformed. Only a failure to
// list the inbox at all aborts the poll.
//
// A submission is relocated before it is returned, so a caller crash after
// Poll cannot re-ingest it as new; recovery from such a crash is the
// processed sub-path plus the history ledger.
func (q *Queue) Poll(ctx context.Context) (*PollResult, error) {
	q.logger.Info("polling inbox", slog.String("dir", q.dir))

	entries, err := q.backend.List(ctx, q.dir)
	if err != nil {
		return nil, fmt.Errorf("inbox: listing %s: %w", q.dir, err)
	}

	result := &PollResult{}

	for _, entry := range entries {
		if !entry.IsFile || !MatchesNaming(entry.Name) {
			continue
		}

		data, err := q.backend.Download(ctx, entry.Path)
		if err != nil {
			q.logger.Warn("inbox: download failed, will retry next poll",
				slog.String("path", entry.Path),
				slog.Any("error", err),
			)

			continue
		}

		app, err := parseApplication(entry.Path, data)
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				q.logger.Warn("inbox: malformed submission left in place",
					slog.String("path", entry.Path),
					slog.Any("error", perr.Err),
				)

				result.Malformed = append(result.Malformed, perr)
				continue
			}

			return nil, err
		}

		if err := q.backend.Move(ctx, entry.Path, processedPath(entry.Path), true); err != nil {
			q.logger.Warn("inbox: relocating to processed failed, will retry next poll",
				slog.String("path", entry.Path),
				slog.Any("error", err),
			)

			continue
		}

		result.Submissions = append(result.Submissions, Submission{
			Path:        entry.Path,
			Application: app,
		})
	}

	q.logger.Info("inbox polled",
		slog.Int("submissions", len(result.Submissions)),
		slog.Int("malformed", len(result.Malformed)),
	)

	return result, nil
}

// PollTable is the inbox-equivalent flow for the hosted relational backend,
// where submitters insert rows instead of depositing files. Rows are read
// only, never relocated or mutated; consumed-once semantics come from the
// caller's history ledger, keyed by the synthetic source path
// "supabase://<table>/<id>".
func PollTable(ctx context.Context, tq provider.TableQuerier, table string, logger *slog.Logger) (*PollResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("polling submissions table", slog.String("table", table))

	rows, err := tq.Query(ctx, table, nil)
	if err != nil {
		return nil, fmt.Errorf("inbox: querying %s: %w", table, err)
	}

	result := &PollResult{}

	for _, row := range rows {
		sourcePath := tableRowPath(table, row)

		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("inbox: re-encoding row %s: %w", sourcePath, err)
		}

		app, err := parseApplication(sourcePath, raw)
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				logger.Warn("inbox: malformed submission row",
					slog.String("path", sourcePath),
					slog.Any("error", perr.Err),
				)

				result.Malformed = append(result.Malformed, perr)
				continue
			}

			return nil, err
		}

		result.Submissions = append(result.Submissions, Submission{
			Path:        sourcePath,
			Application: app,
		})
	}

	logger.Info("submissions table polled",
		slog.Int("submissions", len(result.Submissions)),
		slog.Int("malformed", len(result.Malformed)),
	)

	return result, nil
}

// tableRowPath builds the ledger identity of a table row. The id column is
// preferred; a row without one is keyed by a digest of its content, which
// still dedups exact re-reads.
func tableRowPath(table string, row map[string]any) string {
	if id, ok := row["id"]; ok {
		return "supabase://" + path.Join(table, fmt.Sprint(id))
	}

	raw, _ := json.Marshal(row)
	sum := sha256.Sum256(raw)

	return "supabase://" + path.Join(table, hex.EncodeToString(sum[:8]))
}
