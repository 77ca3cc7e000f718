package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Dropbox endpoint defaults. RPC-style calls go to the API host; upload and
// download carry raw bytes and go to the content host.
const (
	dropboxAPIBase     = "https://api.dropboxapi.com"
	dropboxContentBase = "https://content.dropboxapi.com"
)

// Dropbox implements Provider against the Dropbox HTTP API v2, authenticating
// every call with a bearer token from the TokenSource.
type Dropbox struct {
	apiBase     string
	contentBase string
	httpClient  *http.Client
	token       TokenSource
	logger      *slog.Logger
}

// NewDropbox creates a Dropbox backend.
func NewDropbox(token TokenSource, httpClient *http.Client, logger *slog.Logger) *Dropbox {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dropbox{
		apiBase:     dropboxAPIBase,
		contentBase: dropboxContentBase,
		httpClient:  httpClient,
		token:       token,
		logger:      logger,
	}
}

// dropboxEntry mirrors one metadata object in a list_folder response.
type dropboxEntry struct {
	Tag            string `json:".tag"` //nolint:tagliatelle // Dropbox union tag key
	Name           string `json:"name"`
	PathDisplay    string `json:"path_display"`
	Size           int64  `json:"size"`
	ServerModified string `json:"server_modified"`
}

type dropboxListResponse struct {
	Entries []dropboxEntry `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

// dropboxErrorBody mirrors the API error envelope. The error_summary string
// (e.g. "path/not_found/..") is the stable way to classify path errors,
// which Dropbox reports uniformly as HTTP 409.
type dropboxErrorBody struct {
	ErrorSummary string `json:"error_summary"`
}

func (d *Dropbox) toEntry(e dropboxEntry) Entry {
	entry := Entry{
		Name:   e.Name,
		Path:   e.PathDisplay,
		IsFile: e.Tag == "file",
		Size:   e.Size,
	}

	if e.ServerModified != "" {
		t, err := time.Parse(time.RFC3339, e.ServerModified)
		if err != nil {
			d.logger.Warn("invalid server_modified timestamp",
				slog.String("path", e.PathDisplay),
				slog.String("raw", e.ServerModified),
			)
		} else {
			entry.Modified = t
		}
	}

	return entry
}

// List returns all entries under dir, following pagination cursors.
// A missing folder is normalized to an empty result.
func (d *Dropbox) List(ctx context.Context, dir string) ([]Entry, error) {
	d.logger.Debug("dropbox: listing folder", slog.String("dir", dir))

	var entries []Entry

	body, err := d.rpc(ctx, "/2/files/list_folder", map[string]any{"path": dir})
	if isNotFound(err) {
		return []Entry{}, nil
	}

	if err != nil {
		return nil, err
	}

	for {
		var lr dropboxListResponse
		if err := json.Unmarshal(body, &lr); err != nil {
			return nil, fmt.Errorf("dropbox: decoding list response: %w", err)
		}

		for _, e := range lr.Entries {
			entries = append(entries, d.toEntry(e))
		}

		if !lr.HasMore {
			break
		}

		body, err = d.rpc(ctx, "/2/files/list_folder/continue", map[string]any{"cursor": lr.Cursor})
		if err != nil {
			return nil, err
		}
	}

	d.logger.Debug("dropbox: listed folder",
		slog.String("dir", dir),
		slog.Int("entries", len(entries)),
	)

	return entries, nil
}

// Download fetches the raw contents of the file at path.
func (d *Dropbox) Download(ctx context.Context, path string) ([]byte, error) {
	d.logger.Debug("dropbox: downloading", slog.String("path", path))

	resp, err := d.content(ctx, "/2/files/download", map[string]any{"path": path}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("dropbox", err)
	}

	return data, nil
}

// Upload writes data to path. The operation descriptor (target path, write
// mode, autorename flag) travels JSON-encoded in the Dropbox-API-Arg header;
// the request body carries the raw bytes.
func (d *Dropbox) Upload(ctx context.Context, path string, data []byte, mode WriteMode) error {
	d.logger.Debug("dropbox: uploading",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.String("mode", mode.String()),
	)

	arg := map[string]any{
		"path":       path,
		"mode":       mode.String(),
		"autorename": mode == Add,
		"mute":       true,
	}

	resp, err := d.content(ctx, "/2/files/upload", arg, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return transportError("dropbox", err)
	}

	return nil
}

// Move relocates a file server-side. With autorename a name clash at the
// destination yields a renamed sibling instead of an error, which is what
// lets two ingestion passes race on the same inbox entry.
func (d *Dropbox) Move(ctx context.Context, from, to string, autorename bool) error {
	d.logger.Debug("dropbox: moving",
		slog.String("from", from),
		slog.String("to", to),
		slog.Bool("autorename", autorename),
	)

	_, err := d.rpc(ctx, "/2/files/move_v2", map[string]any{
		"from_path":  from,
		"to_path":    to,
		"autorename": autorename,
	})

	return err
}

// Delete removes the file at path.
func (d *Dropbox) Delete(ctx context.Context, path string) error {
	d.logger.Debug("dropbox: deleting", slog.String("path", path))

	_, err := d.rpc(ctx, "/2/files/delete_v2", map[string]any{"path": path})

	return err
}

type spaceUsageResponse struct {
	Used       int64 `json:"used"`
	Allocation struct {
		Allocated int64 `json:"allocated"`
	} `json:"allocation"`
}

// Quota reports account space usage.
func (d *Dropbox) Quota(ctx context.Context) (Quota, error) {
	body, err := d.rpc(ctx, "/2/users/get_space_usage", nil)
	if err != nil {
		return Quota{}, err
	}

	var su spaceUsageResponse
	if err := json.Unmarshal(body, &su); err != nil {
		return Quota{}, fmt.Errorf("dropbox: decoding space usage: %w", err)
	}

	return Quota{Used: su.Used, Total: su.Allocation.Allocated}, nil
}

// rpc performs a JSON-in/JSON-out call against the API host and returns the
// response body.
func (d *Dropbox) rpc(ctx context.Context, path string, arg map[string]any) ([]byte, error) {
	var reqBody io.Reader

	if arg != nil {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("dropbox: encoding %s request: %w", path, err)
		}

		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiBase+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("dropbox: creating request: %w", err)
	}

	if arg != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := d.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, transportError("dropbox", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("dropbox", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, d.apiError(resp.StatusCode, body)
	}

	return body, nil
}

// content performs a call against the content host with the operation
// descriptor in the Dropbox-API-Arg header and raw bytes in the body.
// The caller owns the response body on success.
func (d *Dropbox) content(ctx context.Context, path string, arg map[string]any, body io.Reader) (*http.Response, error) {
	encoded, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("dropbox: encoding %s descriptor: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.contentBase+path, body)
	if err != nil {
		return nil, fmt.Errorf("dropbox: creating request: %w", err)
	}

	req.Header.Set("Dropbox-API-Arg", string(encoded))
	req.Header.Set("Content-Type", "application/octet-stream")

	if err := d.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, transportError("dropbox", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		return nil, d.apiError(resp.StatusCode, errBody)
	}

	return resp, nil
}

func (d *Dropbox) authorize(ctx context.Context, req *http.Request) error {
	tok, err := d.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("dropbox: obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)

	return nil
}

// apiError classifies a non-2xx Dropbox response. Path errors all arrive as
// HTTP 409; the error_summary distinguishes not_found from real conflicts.
func (d *Dropbox) apiError(status int, body []byte) error {
	sentinel := classifyStatus(status)

	if status == http.StatusConflict {
		var eb dropboxErrorBody
		if err := json.Unmarshal(body, &eb); err == nil {
			if strings.Contains(eb.ErrorSummary, "not_found") {
				sentinel = ErrNotFound
			}
		}
	}

	return &Error{
		Backend:    "dropbox",
		StatusCode: status,
		Message:    string(body),
		Err:        sentinel,
	}
}

// isNotFound reports whether err classifies as ErrNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
