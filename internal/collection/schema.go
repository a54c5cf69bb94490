// Package collection provides SQLite-backed access to user collection
// databases across the schema generations produced by different client
// versions, plus the open-handle registry the server shares.
package collection

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// Generation identifies the structural generation of a collection database.
// Clients of different vintages upload databases of different shapes; the
// sync row format follows the shape, so every query goes through the field
// lists resolved here.
type Generation int

const (
	GenLegacy     Generation = 11 // JSON models/decks inside the col row
	GenConfigs    Generation = 14 // deck_config, config, tags tables added
	GenStructured Generation = 15 // fields, templates, notetypes, decks tables
	GenTagsV2     Generation = 17 // tags table restructured
	GenGravesV2   Generation = 18 // graves restructured, composite key
)

// TableInfo is the introspected shape of one table.
type TableInfo struct {
	Columns   []string
	CreateSQL string
}

// Snapshot maps table name to its shape. Built by Probe, consumed by the
// pure detection and field-list functions below so they stay testable
// without a database.
type Snapshot map[string]TableInfo

// Probe reads the table metadata snapshot from an open database.
func Probe(db *sql.DB) (Snapshot, error) {
	rows, err := db.Query(`SELECT name, sql FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	snap := make(Snapshot)
	for rows.Next() {
		var name string
		var createSQL sql.NullString
		if err := rows.Scan(&name, &createSQL); err != nil {
			return nil, err
		}
		snap[name] = TableInfo{CreateSQL: createSQL.String}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for name, info := range snap {
		cols, err := tableColumns(db, name)
		if err != nil {
			return nil, err
		}
		info.Columns = cols
		snap[name] = info
	}
	return snap, nil
}

func tableColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// DetectGeneration determines the schema generation from a snapshot,
// probing newest first.
func DetectGeneration(snap Snapshot) Generation {
	if graves, ok := snap["graves"]; ok {
		sql := strings.ToUpper(graves.CreateSQL)
		if strings.Contains(sql, "WITHOUT ROWID") || strings.Contains(sql, "PRIMARY KEY (OID, TYPE)") {
			return GenGravesV2
		}
	}
	if tags, ok := snap["tags"]; ok && len(tags.Columns) >= 4 {
		return GenTagsV2
	}
	if hasAll(snap, "fields", "templates", "notetypes", "decks") {
		return GenStructured
	}
	if hasAll(snap, "deck_config", "config") {
		return GenConfigs
	}
	return GenLegacy
}

func hasAll(snap Snapshot, tables ...string) bool {
	for _, t := range tables {
		if _, ok := snap[t]; !ok {
			return false
		}
	}
	return true
}

// Legacy field lists, used when a table cannot be introspected.
var legacyFields = map[string][]string{
	"cards": {"id", "nid", "did", "ord", "mod", "usn", "type", "queue",
		"due", "ivl", "factor", "reps", "lapses", "left", "odue", "odid",
		"flags", "data"},
	"notes": {"id", "guid", "mid", "mod", "usn", "tags", "flds", "sfld",
		"csum", "flags", "data"},
	"revlog": {"id", "cid", "usn", "ease", "ivl", "lastIvl", "factor",
		"time", "type"},
	"graves": {"usn", "oid", "type"},
	"tags":   {"tag", "usn"},
}

// Minimum field counts a syncable collection must carry.
var minFields = map[string]int{
	"cards":  15,
	"notes":  8,
	"revlog": 8,
}

// Fields returns the live column list for a synced table, falling back to
// the legacy list when the snapshot has no entry.
func (s Snapshot) Fields(table string) []string {
	if info, ok := s[table]; ok && len(info.Columns) > 0 {
		return info.Columns
	}
	return legacyFields[table]
}

// SelectList returns the comma-joined column list for SELECTs on table.
func (s Snapshot) SelectList(table string) string {
	return strings.Join(s.Fields(table), ", ")
}

// Placeholders returns the "?, ?, ..." string matching the table's columns.
func (s Snapshot) Placeholders(table string) string {
	n := len(s.Fields(table))
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CheckCompatible verifies the snapshot describes a syncable collection:
// required tables present with at least the minimum field counts.
func (s Snapshot) CheckCompatible() error {
	for _, table := range []string{"col", "cards", "notes", "revlog", "graves"} {
		if _, ok := s[table]; !ok {
			return fmt.Errorf("collection schema missing table %s", table)
		}
	}
	for table, min := range minFields {
		if got := len(s.Fields(table)); got < min {
			return fmt.Errorf("table %s has %d fields, need at least %d", table, got, min)
		}
	}
	return nil
}

// FitRow adjusts a wire row to the local column count for table: short rows
// are padded with NULLs, long rows truncated. Either adjustment is logged
// since it means the peer runs a different generation.
func (s Snapshot) FitRow(logger *slog.Logger, table string, row []any) []any {
	want := len(s.Fields(table))
	switch {
	case len(row) == want:
		return row
	case len(row) < want:
		logger.Warn("padding short row", "table", table, "got", len(row), "want", want)
		padded := make([]any, want)
		copy(padded, row)
		return padded
	default:
		logger.Warn("truncating long row", "table", table, "got", len(row), "want", want)
		return row[:want]
	}
}

// SyncVersionFor maps a generation to the minimum sync protocol version its
// rows require on the wire.
func SyncVersionFor(gen Generation) int {
	if gen >= GenGravesV2 {
		return 11
	}
	return 10
}
