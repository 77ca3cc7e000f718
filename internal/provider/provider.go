// Package provider defines the uniform storage backend interface and its
// concrete implementations (Dropbox, WebDAV, Supabase). Each backend maps
// the same small set of blob operations onto its own wire protocol; the
// rest of the engine never branches on the selected backend.
package provider

import (
	"context"
	"time"
)

// WriteMode controls collision behavior for Upload.
type WriteMode int

const (
	// Overwrite replaces any existing file at the target path.
	Overwrite WriteMode = iota
	// Add requests server-side autorename so concurrent writers depositing
	// files under the same name never clobber each other.
	Add
)

// String returns the wire name of the write mode.
func (m WriteMode) String() string {
	if m == Add {
		return "add"
	}

	return "overwrite"
}

// Entry describes one remote directory entry returned by List.
type Entry struct {
	Name     string
	Path     string
	IsFile   bool
	Size     int64
	Modified time.Time
}

// Quota reports remote storage usage in bytes.
type Quota struct {
	Used  int64
	Total int64
}

// Provider is the capability interface every backend implements.
//
// List normalizes a missing directory to an empty result; a not-yet-created
// inbox folder is normal, and callers must not be able to distinguish
// "folder absent" from "folder empty". Everywhere else ErrNotFound
// propagates to the caller.
type Provider interface {
	List(ctx context.Context, dir string) ([]Entry, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, mode WriteMode) error
	// Move relocates a file. With autorename the backend must tolerate an
	// occupied destination by renaming the incoming file instead of failing.
	Move(ctx context.Context, from, to string, autorename bool) error
	Delete(ctx context.Context, path string) error
	// Quota returns ErrQuotaUnsupported on backends without a usage concept.
	// That is a normal outcome, not a failure.
	Quota(ctx context.Context) (Quota, error)
}

// TableQuerier is the narrower, table-scoped capability of the hosted
// relational backend, which has no filesystem concept. Used only by the
// inbox-equivalent flow when that backend is selected.
type TableQuerier interface {
	Query(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error)
}

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs"; the token package provides
// the real implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
