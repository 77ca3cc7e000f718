package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a test TokenSource returning a fixed bearer token.
type staticToken string

func (t staticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always errors.
type failingToken struct{}

func (failingToken) Token(_ context.Context) (string, error) {
	return "", errors.New("token error")
}

// newTestDropbox points both hosts at the given test server URL.
func newTestDropbox(t *testing.T, url string) *Dropbox {
	t.Helper()

	d := NewDropbox(staticToken("test-token"), http.DefaultClient, nil)
	d.apiBase = url
	d.contentBase = url

	return d
}

func TestDropboxList_Pagination(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /2/files/list_folder", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var arg map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&arg))
		assert.Equal(t, "/schulsync/inbox", arg["path"])

		_, _ = w.Write([]byte(`{
			"entries": [
				{".tag": "file", "name": "application_a.json", "path_display": "/schulsync/inbox/application_a.json",
				 "size": 120, "server_modified": "2026-03-01T10:00:00Z"},
				{".tag": "folder", "name": "processed", "path_display": "/schulsync/inbox/processed"}
			],
			"cursor": "cursor-1",
			"has_more": true
		}`))
	})

	mux.HandleFunc("POST /2/files/list_folder/continue", func(w http.ResponseWriter, r *http.Request) {
		var arg map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&arg))
		assert.Equal(t, "cursor-1", arg["cursor"])

		_, _ = w.Write([]byte(`{
			"entries": [
				{".tag": "file", "name": "application_b.json", "path_display": "/schulsync/inbox/application_b.json", "size": 80}
			],
			"has_more": false
		}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDropbox(t, srv.URL)

	entries, err := d.List(context.Background(), "/schulsync/inbox")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "application_a.json", entries[0].Name)
	assert.True(t, entries[0].IsFile)
	assert.Equal(t, int64(120), entries[0].Size)
	assert.False(t, entries[0].Modified.IsZero())

	assert.False(t, entries[1].IsFile)
	assert.Equal(t, "application_b.json", entries[2].Name)
}

func TestDropboxList_MissingFolderIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_summary": "path/not_found/..", "error": {".tag": "path"}}`))
	}))
	defer srv.Close()

	d := newTestDropbox(t, srv.URL)

	entries, err := d.List(context.Background(), "/never/created")
	require.NoError(t, err, "missing folder must not be an error")
	assert.Empty(t, entries)
}

func TestDropboxDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/files/download", r.URL.Path)

		var arg map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg))
		assert.Equal(t, "/schulsync/snapshot.json", arg["path"])

		_, _ = w.Write([]byte("snapshot-bytes"))
	}))
	defer srv.Close()

	d := newTestDropbox(t, srv.URL)

	data, err := d.Download(context.Background(), "/schulsync/snapshot.json")
	require.NoError(t, err)
	assert.Equal(t, "snapshot-bytes", string(data))
}

func TestDropboxDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_summary": "path/not_found/.."}`))
	}))
	defer srv.Close()

	d := newTestDropbox(t, srv.URL)

	_, err := d.Download(context.Background(), "/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDropboxUpload_DescriptorHeader(t *testing.T) {
	tests := []struct {
		name           string
		mode           WriteMode
		wantMode       string
		wantAutorename bool
	}{
		{"overwrite", Overwrite, "overwrite", false},
		{"add", Add, "add", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/2/files/upload", r.URL.Path)
				assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

				var arg map[string]any
				require.NoError(t, json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg))
				assert.Equal(t, "/schulsync/snapshot.json", arg["path"])
				assert.Equal(t, tt.wantMode, arg["mode"])
				assert.Equal(t, tt.wantAutorename, arg["autorename"])

				_, _ = w.Write([]byte(`{"name": "snapshot.json"}`))
			}))
			defer srv.Close()

			d := newTestDropbox(t, srv.URL)

			err := d.Upload(context.Background(), "/schulsync/snapshot.json", []byte("data"), tt.mode)
			require.NoError(t, err)
		})
	}
}

func TestDropboxMove_Autorename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/files/move_v2", r.URL.Path)

		var arg map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&arg))
		assert.Equal(t, "/inbox/a.json", arg["from_path"])
		assert.Equal(t, "/inbox/processed/a.json", arg["to_path"])
		assert.Equal(t, true, arg["autorename"])

		_, _ = w.Write([]byte(`{"metadata": {}}`))
	}))
	defer srv.Close()

	d := newTestDropbox(t, srv.URL)

	err := d.Move(context.Background(), "/inbox/a.json", "/inbox/processed/a.json", true)
	require.NoError(t, err)
}

func TestDropboxQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/users/get_space_usage", r.URL.Path)
		_, _ = w.Write([]byte(`{"used": 1024, "allocation": {".tag": "individual", "allocated": 2048}}`))
	}))
	defer srv.Close()

	d := newTestDropbox(t, srv.URL)

	quota, err := d.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1024), quota.Used)
	assert.Equal(t, int64(2048), quota.Total)
}

func TestDropbox_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, ErrUnauthorized},
		{"throttled", http.StatusTooManyRequests, `{}`, ErrThrottled},
		{"conflict", http.StatusConflict, `{"error_summary": "to/conflict/.."}`, ErrConflict},
		{"server error", http.StatusInternalServerError, `{}`, ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := newTestDropbox(t, srv.URL)

			err := d.Delete(context.Background(), "/x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "dropbox", perr.Backend)
			assert.Equal(t, tt.status, perr.StatusCode)
		})
	}
}

func TestDropbox_TokenFailure(t *testing.T) {
	d := NewDropbox(failingToken{}, http.DefaultClient, nil)

	_, err := d.List(context.Background(), "/any")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "obtaining token")
}
