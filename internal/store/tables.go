package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// tableSpec names one covered table and its column set, in dump order.
type tableSpec struct {
	name    string
	columns []string
	orderBy string
}

// snapshotTables is the fixed, ordered set of tables the snapshot protocol
// covers. Adding a table to the schema without adding it here is a
// correctness gap: the new table would silently survive a pull.
// sync_history is local-only and deliberately absent.
var snapshotTables = []tableSpec{
	{"settings", []string{"key", "value"}, "key"},
	{"persons", []string{"id", "last_name", "first_name", "birth_date", "phone", "email",
		"grade_level", "status", "natural_key", "extra", "created_at", "updated_at"}, "id"},
	{"billing_records", []string{"id", "person_id", "title", "amount", "issued_on", "due_on", "status"}, "id"},
	{"payments", []string{"id", "billing_record_id", "person_id", "amount", "paid_on", "method", "note"}, "id"},
	{"balances", []string{"person_id", "amount", "updated_at"}, "person_id"},
	{"balance_ledger", []string{"id", "person_id", "delta", "reason", "entry_date"}, "id"},
	{"cash_ledger", []string{"id", "entry_date", "amount", "description", "category"}, "id"},
	{"letter_templates", []string{"id", "name", "subject", "body", "updated_at"}, "id"},
	{"letter_archive", []string{"id", "person_id", "template_name", "subject", "body", "generated_at"}, "id"},
}

// SnapshotTableNames returns the covered table names in dump order.
func SnapshotTableNames() []string {
	names := make([]string, len(snapshotTables))
	for i, t := range snapshotTables {
		names[i] = t.name
	}

	return names
}

// TableDump is one table's full contents as JSON row objects.
type TableDump struct {
	Name string
	Rows []json.RawMessage
}

// DumpTables reads every covered table in full, in the fixed order, with a
// deterministic row order per table.
func (s *Store) DumpTables(ctx context.Context) ([]TableDump, error) {
	dumps := make([]TableDump, 0, len(snapshotTables))

	for _, spec := range snapshotTables {
		rows, err := s.dumpTable(ctx, spec)
		if err != nil {
			return nil, err
		}

		dumps = append(dumps, TableDump{Name: spec.name, Rows: rows})
	}

	return dumps, nil
}

func (s *Store) dumpTable(ctx context.Context, spec tableSpec) ([]json.RawMessage, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(spec.columns, ", "), spec.name, spec.orderBy)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: dumping %s: %w", spec.name, err)
	}
	defer rows.Close()

	dump := make([]json.RawMessage, 0)

	for rows.Next() {
		values := make([]any, len(spec.columns))
		ptrs := make([]any, len(spec.columns))

		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: scanning %s row: %w", spec.name, err)
		}

		obj := make(map[string]any, len(spec.columns))

		for i, col := range spec.columns {
			if b, ok := values[i].([]byte); ok {
				values[i] = string(b)
			}

			obj[col] = values[i]
		}

		// Map marshaling sorts keys, so the dump bytes are deterministic.
		encoded, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("store: encoding %s row: %w", spec.name, err)
		}

		dump = append(dump, json.RawMessage(encoded))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s rows: %w", spec.name, err)
	}

	return dump, nil
}

// ReplaceTables replaces the full contents of every covered table inside one
// transaction: each table is cleared, then bulk-inserted from its dump. Any
// failure rolls the whole transaction back, so no table is ever left in a
// mixed old/new state. Dumps naming a table outside the covered set are
// rejected before the transaction starts.
func (s *Store) ReplaceTables(ctx context.Context, dumps []TableDump) error {
	byName := make(map[string][]json.RawMessage, len(dumps))

	for _, d := range dumps {
		if specFor(d.Name) == nil {
			return fmt.Errorf("store: dump names unknown table %q", d.Name)
		}

		byName[d.Name] = d.Rows
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin replace: %w", err)
	}
	defer tx.Rollback()

	// Clear children before parents so foreign keys hold mid-transaction.
	for i := len(snapshotTables) - 1; i >= 0; i-- {
		name := snapshotTables[i].name
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+name); err != nil {
			return fmt.Errorf("store: clearing %s: %w", name, err)
		}
	}

	for _, spec := range snapshotTables {
		if err := insertDump(ctx, tx, spec, byName[spec.name]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit replace: %w", err)
	}

	s.logger.Info("local tables replaced", slog.Int("tables", len(snapshotTables)))

	return nil
}

func insertDump(ctx context.Context, tx *sql.Tx, spec tableSpec, rows []json.RawMessage) error {
	if len(rows) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(spec.columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.name, strings.Join(spec.columns, ", "), placeholders)

	for i, raw := range rows {
		obj, err := decodeRow(raw)
		if err != nil {
			return fmt.Errorf("store: decoding %s row %d: %w", spec.name, i, err)
		}

		args := make([]any, len(spec.columns))

		for j, col := range spec.columns {
			args[j], err = toDBValue(obj[col])
			if err != nil {
				return fmt.Errorf("store: %s row %d column %s: %w", spec.name, i, col, err)
			}
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: inserting into %s: %w", spec.name, err)
		}
	}

	return nil
}

// decodeRow parses one JSON row object preserving integer fidelity.
func decodeRow(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	return obj, nil
}

// toDBValue converts a decoded JSON value to a driver-friendly value,
// keeping integers integral.
func toDBValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}

		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("unparseable number %q", val.String())
		}

		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func specFor(name string) *tableSpec {
	for i := range snapshotTables {
		if snapshotTables[i].name == name {
			return &snapshotTables[i]
		}
	}

	return nil
}
