package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Scratch file permissions: owner-only, like any credential material.
const (
	scratchFilePerms = 0o600
	scratchDirPerms  = 0o700
)

// scratchMaxAge bounds how long a pending authorization may sit between the
// redirect out and the redirect back. Stale verifiers are refused so an
// abandoned handshake cannot be completed weeks later.
const scratchMaxAge = time.Hour

// ErrNoPendingAuthorization indicates Take found no scratch file, either because no
// handshake was started or it was already consumed.
var ErrNoPendingAuthorization = errors.New("token: no pending authorization")

// scratchFile is the on-disk shape of the pending-authorization scratch.
type scratchFile struct {
	Verifier  string    `json:"verifier"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveScratch writes the PKCE verifier and state to a single-use scratch
// file, atomically (write-to-temp + rename) with 0600 permissions. Used by
// the manual (headless) flow where the redirect returns in a later process.
func SaveScratch(path, verifier, state string) error {
	data, err := json.Marshal(scratchFile{
		Verifier:  verifier,
		State:     state,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("token: encoding scratch: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, scratchDirPerms); err != nil {
		return fmt.Errorf("token: creating scratch directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".authstate-*.tmp")
	if err != nil {
		return fmt.Errorf("token: creating scratch temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, scratchFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("token: setting scratch permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("token: writing scratch: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("token: closing scratch: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("token: renaming scratch: %w", err)
	}

	success = true

	return nil
}

// TakeScratch reads the scratch file and deletes it. Single-use: a second
// call returns ErrNoPendingAuthorization.
func TakeScratch(path string) (verifier, state string, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", "", ErrNoPendingAuthorization
	}

	if err != nil {
		return "", "", fmt.Errorf("token: reading scratch %s: %w", path, err)
	}

	// Consume before parsing so even a corrupt scratch is single-use.
	if rmErr := os.Remove(path); rmErr != nil {
		return "", "", fmt.Errorf("token: removing scratch %s: %w", path, rmErr)
	}

	var sf scratchFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return "", "", fmt.Errorf("token: decoding scratch %s: %w", path, err)
	}

	if time.Since(sf.CreatedAt) > scratchMaxAge {
		return "", "", fmt.Errorf("token: pending authorization expired, restart connect")
	}

	return sf.Verifier, sf.State, nil
}
