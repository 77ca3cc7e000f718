package snapshot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeckmann/schulsync/internal/store"
)

// testCreatedAt is a fixed instant so envelope bytes are reproducible.
var testCreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// testDumps builds a dump set with two populated tables and the rest empty.
func testDumps(t *testing.T) []store.TableDump {
	t.Helper()

	dumps := make([]store.TableDump, 0)

	for _, name := range store.SnapshotTableNames() {
		d := store.TableDump{Name: name, Rows: []json.RawMessage{}}

		switch name {
		case "settings":
			d.Rows = []json.RawMessage{json.RawMessage(`{"key":"school_name","value":"GS Musterstadt"}`)}
		case "persons":
			d.Rows = []json.RawMessage{json.RawMessage(`{"id":1,"last_name":"Muster"}`)}
		}

		dumps = append(dumps, d)
	}

	return dumps
}

func TestEncode_Golden(t *testing.T) {
	data, err := Encode(testDumps(t), testCreatedAt)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "envelope", data)
}

func TestEncode_Deterministic(t *testing.T) {
	first, err := Encode(testDumps(t), testCreatedAt)
	require.NoError(t, err)

	second, err := Encode(testDumps(t), testCreatedAt)
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical state must serialize identically")
}

func TestDecode_RoundTrip(t *testing.T) {
	data, err := Encode(testDumps(t), testCreatedAt)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, env.FormatVersion)
	assert.True(t, env.CreatedAt.Equal(testCreatedAt))

	dumps := env.Dumps()
	require.Len(t, dumps, len(store.SnapshotTableNames()))
	assert.Equal(t, "settings", dumps[0].Name)
	require.Len(t, dumps[0].Rows, 1)
	assert.JSONEq(t, `{"key":"school_name","value":"GS Musterstadt"}`, string(dumps[0].Rows[0]))
}

func TestDecode_VersionMismatch(t *testing.T) {
	tests := []struct {
		name    string
		version int
	}{
		{"older generation", 1},
		{"newer generation", 3},
		{"missing version", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(map[string]any{
				"format_version": tt.version,
				"created_at":     testCreatedAt,
				"tables":         map[string][]json.RawMessage{},
			})
			require.NoError(t, err)

			_, err = Decode(raw)
			assert.ErrorIs(t, err, ErrVersionMismatch)
		})
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not an envelope`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionMismatch)
}
