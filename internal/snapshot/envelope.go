// Package snapshot implements the full-state sync protocol: the local tables
// are serialized into one versioned envelope at a well-known remote path,
// and a pull replaces the entire local state transactionally. Last writer
// wins at whole-snapshot granularity; concurrent contributions travel
// through the inbox, not through snapshots.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbeckmann/schulsync/internal/store"
)

// FormatVersion is the envelope format this build reads and writes.
const FormatVersion = 2

// ErrVersionMismatch indicates a snapshot from a different format
// generation. A lossy partial import is never attempted; the user updates
// the software (or the peer does) instead.
var ErrVersionMismatch = errors.New("snapshot: unrecognized format version")

// Envelope is the serialized full state: every covered table's dump, the
// format version, and the creation instant.
type Envelope struct {
	FormatVersion int                          `json:"format_version"`
	CreatedAt     time.Time                    `json:"created_at"`
	Tables        map[string][]json.RawMessage `json:"tables"`
}

// Encode serializes dumps into envelope bytes.
func Encode(dumps []store.TableDump, createdAt time.Time) ([]byte, error) {
	env := Envelope{
		FormatVersion: FormatVersion,
		CreatedAt:     createdAt.UTC(),
		Tables:        make(map[string][]json.RawMessage, len(dumps)),
	}

	for _, d := range dumps {
		rows := d.Rows
		if rows == nil {
			rows = []json.RawMessage{}
		}

		env.Tables[d.Name] = rows
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("snapshot: encoding envelope: %w", err)
	}

	return data, nil
}

// Decode parses envelope bytes and validates the format version before
// anything else is looked at.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("snapshot: decoding envelope: %w", err)
	}

	if env.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d",
			ErrVersionMismatch, env.FormatVersion, FormatVersion)
	}

	return &env, nil
}

// Dumps converts the envelope back to table dumps in the covered-set order.
func (e *Envelope) Dumps() []store.TableDump {
	names := store.SnapshotTableNames()
	dumps := make([]store.TableDump, 0, len(names))

	for _, name := range names {
		dumps = append(dumps, store.TableDump{Name: name, Rows: e.Tables[name]})
	}

	return dumps
}
