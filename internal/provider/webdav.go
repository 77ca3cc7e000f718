package provider

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WebDAV implements Provider against a basic-auth-secured WebDAV server at a
// configured base URL. Credentials are static; there is no token refresh
// cycle on this backend.
type WebDAV struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebDAV creates a WebDAV backend. baseURL must not end with a slash.
func NewWebDAV(baseURL, username, password string, httpClient *http.Client, logger *slog.Logger) *WebDAV {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &WebDAV{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: httpClient,
		logger:     logger,
	}
}

// propfindBody requests the properties List and Quota need.
const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:displayname/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:resourcetype/>
    <d:quota-used-bytes/>
    <d:quota-available-bytes/>
  </d:prop>
</d:propfind>`

// Multistatus response types. Local-name matching handles arbitrary
// namespace prefixes across server implementations.
type davMultistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string        `xml:"href"`
	Propstats []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

// Numeric properties decode as strings: servers emit empty elements for
// collections, which would fail direct integer decoding.
type davProp struct {
	DisplayName    string          `xml:"displayname"`
	ContentLength  string          `xml:"getcontentlength"`
	LastModified   string          `xml:"getlastmodified"`
	ResourceType   davResourceType `xml:"resourcetype"`
	QuotaUsed      string          `xml:"quota-used-bytes"`
	QuotaAvailable string          `xml:"quota-available-bytes"`
}

// davInt parses a numeric DAV property, treating absent or empty as zero.
func davInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}

	return n
}

type davResourceType struct {
	Collection *struct{} `xml:"collection"`
}

// List returns all entries directly under dir (Depth: 1). A missing
// collection is normalized to an empty result.
func (w *WebDAV) List(ctx context.Context, dir string) ([]Entry, error) {
	w.logger.Debug("webdav: listing collection", slog.String("dir", dir))

	resp, err := w.do(ctx, "PROPFIND", dir, strings.NewReader(propfindBody), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml",
	})
	if errors.Is(err, ErrNotFound) {
		return []Entry{}, nil
	}

	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ms davMultistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("webdav: decoding multistatus: %w", err)
	}

	selfPath := strings.TrimRight(dir, "/")

	entries := make([]Entry, 0, len(ms.Responses))

	for _, r := range ms.Responses {
		entry, ok := w.toEntry(r)
		if !ok {
			continue
		}

		// The collection itself appears as the first response; skip it.
		if strings.TrimRight(entry.Path, "/") == selfPath {
			continue
		}

		entries = append(entries, entry)
	}

	w.logger.Debug("webdav: listed collection",
		slog.String("dir", dir),
		slog.Int("entries", len(entries)),
	)

	return entries, nil
}

// toEntry converts one multistatus response to an Entry. Responses without a
// 200-class propstat are dropped.
func (w *WebDAV) toEntry(r davResponse) (Entry, bool) {
	var prop *davProp

	for i := range r.Propstats {
		if strings.Contains(r.Propstats[i].Status, "200") {
			prop = &r.Propstats[i].Prop
			break
		}
	}

	if prop == nil {
		return Entry{}, false
	}

	href, err := url.PathUnescape(r.Href)
	if err != nil {
		href = r.Href
	}

	// Hrefs may be absolute URLs or server-rooted paths; reduce to the path
	// relative to the base URL so callers see the same paths they passed in.
	href = w.relativePath(href)

	entry := Entry{
		Name:   prop.DisplayName,
		Path:   href,
		IsFile: prop.ResourceType.Collection == nil,
		Size:   davInt(prop.ContentLength),
	}

	if entry.Name == "" {
		entry.Name = path.Base(strings.TrimRight(href, "/"))
	}

	if prop.LastModified != "" {
		if t, parseErr := time.Parse(time.RFC1123, prop.LastModified); parseErr == nil {
			entry.Modified = t
		}
	}

	return entry, true
}

// relativePath strips the base URL's path prefix from an href.
func (w *WebDAV) relativePath(href string) string {
	if u, err := url.Parse(w.baseURL); err == nil && u.Path != "" {
		href = strings.TrimPrefix(href, u.Path)
	}

	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}

	return href
}

// Download fetches the raw contents of the file at p.
func (w *WebDAV) Download(ctx context.Context, p string) ([]byte, error) {
	w.logger.Debug("webdav: downloading", slog.String("path", p))

	resp, err := w.do(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("webdav", err)
	}

	return data, nil
}

// Upload writes data to p. WebDAV has no server-side autorename, so Add mode
// is emulated: If-None-Match guards the PUT, and a 412 from an occupied path
// retries once with a uniquely suffixed sibling name.
func (w *WebDAV) Upload(ctx context.Context, p string, data []byte, mode WriteMode) error {
	w.logger.Debug("webdav: uploading",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.String("mode", mode.String()),
	)

	if err := w.ensureParents(ctx, p); err != nil {
		return err
	}

	headers := map[string]string{"Content-Type": "application/octet-stream"}
	if mode == Add {
		headers["If-None-Match"] = "*"
	}

	err := w.drain(w.do(ctx, http.MethodPut, p, bytes.NewReader(data), headers))
	if mode == Add && errors.Is(err, ErrConflict) {
		renamed := autorenamePath(p)
		w.logger.Debug("webdav: upload target occupied, renaming",
			slog.String("path", p),
			slog.String("renamed", renamed),
		)

		return w.drain(w.do(ctx, http.MethodPut, renamed, bytes.NewReader(data), headers))
	}

	return err
}

// Move relocates a file via the MOVE method. With autorename the move is
// issued with Overwrite: F and retried once to a suffixed sibling when the
// destination is occupied; without it the destination is overwritten.
func (w *WebDAV) Move(ctx context.Context, from, to string, autorename bool) error {
	w.logger.Debug("webdav: moving",
		slog.String("from", from),
		slog.String("to", to),
		slog.Bool("autorename", autorename),
	)

	if err := w.ensureParents(ctx, to); err != nil {
		return err
	}

	overwrite := "T"
	if autorename {
		overwrite = "F"
	}

	err := w.drain(w.do(ctx, "MOVE", from, nil, map[string]string{
		"Destination": w.fileURL(to),
		"Overwrite":   overwrite,
	}))
	if autorename && errors.Is(err, ErrConflict) {
		renamed := autorenamePath(to)
		w.logger.Debug("webdav: move destination occupied, renaming",
			slog.String("to", to),
			slog.String("renamed", renamed),
		)

		return w.drain(w.do(ctx, "MOVE", from, nil, map[string]string{
			"Destination": w.fileURL(renamed),
			"Overwrite":   "F",
		}))
	}

	return err
}

// Delete removes the file at p.
func (w *WebDAV) Delete(ctx context.Context, p string) error {
	w.logger.Debug("webdav: deleting", slog.String("path", p))

	return w.drain(w.do(ctx, http.MethodDelete, p, nil, nil))
}

// Quota reads the DAV quota properties from the root collection. Servers
// that do not expose them yield ErrQuotaUnsupported.
func (w *WebDAV) Quota(ctx context.Context) (Quota, error) {
	resp, err := w.do(ctx, "PROPFIND", "/", strings.NewReader(propfindBody), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml",
	})
	if err != nil {
		return Quota{}, err
	}
	defer resp.Body.Close()

	var ms davMultistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return Quota{}, fmt.Errorf("webdav: decoding quota response: %w", err)
	}

	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if !strings.Contains(ps.Status, "200") {
				continue
			}

			if strings.TrimSpace(ps.Prop.QuotaAvailable) == "" {
				continue
			}

			used := davInt(ps.Prop.QuotaUsed)

			return Quota{
				Used:  used,
				Total: used + davInt(ps.Prop.QuotaAvailable),
			}, nil
		}
	}

	return Quota{}, ErrQuotaUnsupported
}

// ensureParents creates the parent collections of p, ignoring already-exists
// responses. Servers answer MKCOL on an existing collection with 405.
func (w *WebDAV) ensureParents(ctx context.Context, p string) error {
	dir := path.Dir(strings.TrimRight(p, "/"))
	if dir == "/" || dir == "." {
		return nil
	}

	var prefix string

	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		prefix += "/" + seg

		err := w.drain(w.do(ctx, "MKCOL", prefix, nil, nil))
		if err == nil || errors.Is(err, ErrConflict) {
			continue
		}

		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusMethodNotAllowed {
			continue
		}

		return err
	}

	return nil
}

// fileURL returns the absolute URL for a repository path.
func (w *WebDAV) fileURL(p string) string {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return w.baseURL + "/" + strings.Join(segments, "/")
}

// do executes one HTTP request with basic auth. The caller owns the response
// body on success.
func (w *WebDAV) do(ctx context.Context, method, p string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.fileURL(p), body)
	if err != nil {
		return nil, fmt.Errorf("webdav: creating request: %w", err)
	}

	req.SetBasicAuth(w.username, w.password)

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, transportError("webdav", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		return nil, statusError("webdav", resp.StatusCode, errBody)
	}

	return resp, nil
}

// drain closes and discards a response used only for its status.
func (w *WebDAV) drain(resp *http.Response, err error) error {
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return transportError("webdav", copyErr)
	}

	return nil
}

// autorenamePath returns a sibling path with a short unique suffix before the
// extension, mirroring server-side autorename on backends without one.
func autorenamePath(p string) string {
	ext := path.Ext(p)
	stem := strings.TrimSuffix(p, ext)

	return fmt.Sprintf("%s (%s)%s", stem, uuid.NewString()[:8], ext)
}
