package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbeckmann/schulsync/internal/provider"
	"github.com/mbeckmann/schulsync/internal/store"
)

// Service runs the push and pull operations against one backend and one
// local store. Both are injected; the service holds no other state and
// performs no retries; a failed operation is re-invoked whole by the
// caller, which is safe because push overwrites and pull replaces wholesale.
type Service struct {
	store    *store.Store
	backend  provider.Provider
	path     string // well-known remote snapshot path
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a snapshot service writing to remotePath.
func NewService(st *store.Store, backend provider.Provider, remotePath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:   st,
		backend: backend,
		path:    remotePath,
		logger:  logger,
		now:     time.Now,
	}
}

// Push serializes the full local state and uploads it to the well-known
// remote path in overwrite mode. The remote object model replaces whole
// objects atomically, so a failed upload leaves no partial remote state.
// Returns the envelope's creation timestamp.
func (s *Service) Push(ctx context.Context) (time.Time, error) {
	s.logger.Info("pushing snapshot", slog.String("remote_path", s.path))

	dumps, err := s.store.DumpTables(ctx)
	if err != nil {
		return time.Time{}, err
	}

	createdAt := s.now().UTC()

	data, err := Encode(dumps, createdAt)
	if err != nil {
		return time.Time{}, err
	}

	if err := s.backend.Upload(ctx, s.path, data, provider.Overwrite); err != nil {
		return time.Time{}, fmt.Errorf("snapshot: uploading: %w", err)
	}

	s.logger.Info("snapshot pushed",
		slog.Time("created_at", createdAt),
		slog.Int("size", len(data)),
	)

	return createdAt, nil
}

// Pull downloads the remote snapshot and replaces every covered local table
// within one transaction. Either every table is replaced or none is: a
// failure on the last table rolls back the first. NotFound propagates:
// pulling before any admin has pushed is a real error, unlike an empty
// inbox. Returns the envelope's recorded creation timestamp.
func (s *Service) Pull(ctx context.Context) (time.Time, error) {
	s.logger.Info("pulling snapshot", slog.String("remote_path", s.path))

	data, err := s.backend.Download(ctx, s.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: downloading: %w", err)
	}

	env, err := Decode(data)
	if err != nil {
		return time.Time{}, err
	}

	if err := s.store.ReplaceTables(ctx, env.Dumps()); err != nil {
		return time.Time{}, err
	}

	s.logger.Info("snapshot pulled", slog.Time("created_at", env.CreatedAt))

	return env.CreatedAt, nil
}
