package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// filesTable is the table the blob operations are mapped onto. The hosted
// relational backend has no filesystem concept, so each remote file becomes
// one row keyed by its path.
const filesTable = "sync_files"

// Supabase implements Provider and TableQuerier against a PostgREST-style
// table endpoint, authenticated by a static API key.
type Supabase struct {
	client *resty.Client
	logger *slog.Logger
}

// NewSupabase creates a hosted-relational backend. baseURL is the project
// URL without the /rest/v1 suffix.
func NewSupabase(baseURL, apiKey string, logger *slog.Logger) *Supabase {
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/rest/v1").
		SetHeader("apikey", apiKey).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetHeader("Content-Type", "application/json")

	return &Supabase{client: client, logger: logger}
}

// fileRow is the row shape of the sync_files table.
type fileRow struct {
	Path      string `json:"path"`
	Folder    string `json:"folder"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// List returns all file rows whose folder column equals dir. A folder that
// no writer has touched yet simply has no rows, so absence and emptiness are
// indistinguishable here by construction.
func (s *Supabase) List(ctx context.Context, dir string) ([]Entry, error) {
	s.logger.Debug("supabase: listing folder", slog.String("dir", dir))

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "path,folder,name,updated_at").
		SetQueryParam("folder", "eq."+strings.TrimRight(dir, "/")).
		Get("/" + filesTable)
	if err != nil {
		return nil, transportError("supabase", err)
	}

	if resp.IsError() {
		return nil, statusError("supabase", resp.StatusCode(), resp.Body())
	}

	var rows []fileRow
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("supabase: decoding list response: %w", err)
	}

	entries := make([]Entry, 0, len(rows))

	for _, r := range rows {
		entry := Entry{Name: r.Name, Path: r.Path, IsFile: true}

		if r.UpdatedAt != "" {
			if t, parseErr := time.Parse(time.RFC3339, r.UpdatedAt); parseErr == nil {
				entry.Modified = t
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// Download fetches the content column of the row at p.
func (s *Supabase) Download(ctx context.Context, p string) ([]byte, error) {
	s.logger.Debug("supabase: downloading", slog.String("path", p))

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "content").
		SetQueryParam("path", "eq."+p).
		Get("/" + filesTable)
	if err != nil {
		return nil, transportError("supabase", err)
	}

	if resp.IsError() {
		return nil, statusError("supabase", resp.StatusCode(), resp.Body())
	}

	var rows []fileRow
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("supabase: decoding download response: %w", err)
	}

	if len(rows) == 0 {
		return nil, &Error{
			Backend:    "supabase",
			StatusCode: http.StatusNotFound,
			Message:    "no row for path " + p,
			Err:        ErrNotFound,
		}
	}

	return []byte(rows[0].Content), nil
}

// Upload writes data as a row keyed by p. Overwrite upserts on the path key;
// Add inserts and retries once under a suffixed sibling path when the key is
// already taken, mirroring server-side autorename.
func (s *Supabase) Upload(ctx context.Context, p string, data []byte, mode WriteMode) error {
	s.logger.Debug("supabase: uploading",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.String("mode", mode.String()),
	)

	err := s.insertRow(ctx, p, data, mode == Overwrite)
	if mode == Add && errors.Is(err, ErrConflict) {
		renamed := autorenamePath(p)
		s.logger.Debug("supabase: upload key occupied, renaming",
			slog.String("path", p),
			slog.String("renamed", renamed),
		)

		return s.insertRow(ctx, renamed, data, false)
	}

	return err
}

func (s *Supabase) insertRow(ctx context.Context, p string, data []byte, upsert bool) error {
	req := s.client.R().
		SetContext(ctx).
		SetBody(fileRow{
			Path:      p,
			Folder:    path.Dir(p),
			Name:      path.Base(p),
			Content:   string(data),
			UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		})

	if upsert {
		req.SetHeader("Prefer", "resolution=merge-duplicates")
	}

	resp, err := req.Post("/" + filesTable)
	if err != nil {
		return transportError("supabase", err)
	}

	if resp.IsError() {
		return statusError("supabase", resp.StatusCode(), resp.Body())
	}

	return nil
}

// Move rewrites the path key of the row at from. With autorename a duplicate
// destination key retries once under a suffixed sibling path.
func (s *Supabase) Move(ctx context.Context, from, to string, autorename bool) error {
	s.logger.Debug("supabase: moving",
		slog.String("from", from),
		slog.String("to", to),
		slog.Bool("autorename", autorename),
	)

	err := s.rewritePath(ctx, from, to)
	if autorename && errors.Is(err, ErrConflict) {
		renamed := autorenamePath(to)
		s.logger.Debug("supabase: move destination occupied, renaming",
			slog.String("to", to),
			slog.String("renamed", renamed),
		)

		return s.rewritePath(ctx, from, renamed)
	}

	return err
}

func (s *Supabase) rewritePath(ctx context.Context, from, to string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("path", "eq."+from).
		SetHeader("Prefer", "return=representation").
		SetBody(map[string]string{
			"path":   to,
			"folder": path.Dir(to),
			"name":   path.Base(to),
		}).
		Patch("/" + filesTable)
	if err != nil {
		return transportError("supabase", err)
	}

	if resp.IsError() {
		return statusError("supabase", resp.StatusCode(), resp.Body())
	}

	// A PATCH matching zero rows succeeds with an empty representation;
	// surface that as the source being absent.
	var rows []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err == nil && len(rows) == 0 {
		return &Error{
			Backend:    "supabase",
			StatusCode: http.StatusNotFound,
			Message:    "no row for path " + from,
			Err:        ErrNotFound,
		}
	}

	return nil
}

// Delete removes the row at p.
func (s *Supabase) Delete(ctx context.Context, p string) error {
	s.logger.Debug("supabase: deleting", slog.String("path", p))

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("path", "eq."+p).
		Delete("/" + filesTable)
	if err != nil {
		return transportError("supabase", err)
	}

	if resp.IsError() {
		return statusError("supabase", resp.StatusCode(), resp.Body())
	}

	return nil
}

// Quota is not a concept the table endpoint exposes.
func (s *Supabase) Quota(_ context.Context) (Quota, error) {
	return Quota{}, ErrQuotaUnsupported
}

// Query selects rows from an arbitrary table with equality filters, e.g.
// {"status": "new"}. This is the inbox-equivalent flow for installations
// whose submitters write rows instead of files.
func (s *Supabase) Query(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	s.logger.Debug("supabase: querying table",
		slog.String("table", table),
		slog.Int("filters", len(filter)),
	)

	req := s.client.R().SetContext(ctx).SetQueryParam("select", "*")
	for k, v := range filter {
		req.SetQueryParam(k, "eq."+v)
	}

	resp, err := req.Get("/" + table)
	if err != nil {
		return nil, transportError("supabase", err)
	}

	if resp.IsError() {
		return nil, statusError("supabase", resp.StatusCode(), resp.Body())
	}

	var rows []map[string]any
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("supabase: decoding query response: %w", err)
	}

	return rows, nil
}
