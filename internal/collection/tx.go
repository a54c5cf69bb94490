package collection

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
)

// Grave type discriminators, fixed by the wire protocol.
const (
	GraveCard = 0
	GraveNote = 1
	GraveDeck = 2
)

// GraveSet holds deleted object IDs grouped by type.
type GraveSet struct {
	Cards []int64
	Notes []int64
	Decks []int64
}

// Tx is the transaction a sync session runs inside. Every mutation between
// start and finish happens here; an aborted session rolls the whole thing
// back.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// Commit commits the session.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the session.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// Usn returns the collection's current update sequence number.
func (t *Tx) Usn() (int, error) {
	var usn int
	err := t.tx.QueryRow(`SELECT usn FROM col`).Scan(&usn)
	return usn, err
}

// GravesSince returns deletions recorded at or after minUsn.
func (t *Tx) GravesSince(minUsn int) (*GraveSet, error) {
	rows, err := t.tx.Query(`SELECT oid, type FROM graves WHERE usn >= ?`, minUsn)
	if err != nil {
		return nil, fmt.Errorf("failed to read graves: %w", err)
	}
	defer rows.Close()

	gs := &GraveSet{}
	for rows.Next() {
		var oid int64
		var typ int
		if err := rows.Scan(&oid, &typ); err != nil {
			return nil, err
		}
		switch typ {
		case GraveCard:
			gs.Cards = append(gs.Cards, oid)
		case GraveNote:
			gs.Notes = append(gs.Notes, oid)
		case GraveDeck:
			gs.Decks = append(gs.Decks, oid)
		}
	}
	return gs, rows.Err()
}

// ApplyGraves deletes the objects the client removed and records the
// deletions at maxUsn so other devices pick them up. Removing a note's last
// card removes the note as well, with its own grave.
func (t *Tx) ApplyGraves(gs *GraveSet, maxUsn int) error {
	nids := map[int64]struct{}{}
	for _, id := range gs.Cards {
		var nid int64
		err := t.tx.QueryRow(`SELECT nid FROM cards WHERE id = ?`, id).Scan(&nid)
		if err == nil {
			nids[nid] = struct{}{}
		} else if err != sql.ErrNoRows {
			return err
		}
		if _, err := t.tx.Exec(`DELETE FROM cards WHERE id = ?`, id); err != nil {
			return err
		}
		if err := t.addGrave(id, GraveCard, maxUsn); err != nil {
			return err
		}
	}
	for nid := range nids {
		var remaining int
		if err := t.tx.QueryRow(`SELECT count(*) FROM cards WHERE nid = ?`, nid).Scan(&remaining); err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		res, err := t.tx.Exec(`DELETE FROM notes WHERE id = ?`, nid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := t.addGrave(nid, GraveNote, maxUsn); err != nil {
				return err
			}
		}
	}
	for _, id := range gs.Notes {
		if _, err := t.tx.Exec(`DELETE FROM cards WHERE nid = ?`, id); err != nil {
			return err
		}
		if _, err := t.tx.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
			return err
		}
		if err := t.addGrave(id, GraveNote, maxUsn); err != nil {
			return err
		}
	}
	for _, id := range gs.Decks {
		if _, err := t.tx.Exec(`DELETE FROM cards WHERE did = ?`, id); err != nil {
			return err
		}
		if err := t.removeDeckJSON(id); err != nil {
			return err
		}
		if err := t.addGrave(id, GraveDeck, maxUsn); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) addGrave(oid int64, typ, usn int) error {
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO graves (usn, oid, type) VALUES (?, ?, ?)`, usn, oid, typ)
	return err
}

// ChunkRows reads one batch of pending rows from table, with the usn column
// rewritten to maxUsn as the wire format requires. Paging is keyset-based on
// the id column: only rows past afterID are returned, so graves applied
// between batches cannot shift rows under the cursor.
func (t *Tx) ChunkRows(table string, minUsn, maxUsn, limit int, afterID int64) ([][]any, error) {
	fields := t.s.snap.Fields(table)
	sel := make([]string, len(fields))
	for i, f := range fields {
		if f == "usn" {
			sel[i] = fmt.Sprintf("%d", maxUsn)
		} else {
			sel[i] = f
		}
	}

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE usn >= ? AND id > ? ORDER BY id LIMIT ?`,
		strings.Join(sel, ", "), table)
	rows, err := t.tx.Query(q, minUsn, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s chunk: %w", table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		row := make([]any, len(fields))
		ptrs := make([]any, len(fields))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkTableSent restamps a drained table's pending rows at maxUsn.
func (t *Tx) MarkTableSent(table string, minUsn, maxUsn int) error {
	_, err := t.tx.Exec(
		fmt.Sprintf(`UPDATE %s SET usn = ? WHERE usn >= ?`, table), maxUsn, minUsn)
	return err
}

// ApplyRevlog inserts client review-log rows. Existing entries win; the log
// is append-only on both sides.
func (t *Tx) ApplyRevlog(rows [][]any) error {
	q := fmt.Sprintf(`INSERT OR IGNORE INTO revlog VALUES (%s)`, t.s.snap.Placeholders("revlog"))
	return t.insertRows(q, "revlog", rows)
}

// ApplyCards merges client card rows, keeping locally-changed rows that are
// newer than the incoming ones.
func (t *Tx) ApplyCards(rows [][]any, minUsn int) error {
	return t.applyNewer(rows, "cards", 4, minUsn)
}

// ApplyNotes merges client note rows the same way.
func (t *Tx) ApplyNotes(rows [][]any, minUsn int) error {
	return t.applyNewer(rows, "notes", 3, minUsn)
}

// applyNewer keeps the newer of two versions of a row, but only consults
// the local copy when it has unsent changes. Rows the server already synced
// are overwritten outright.
func (t *Tx) applyNewer(rows [][]any, table string, modIdx, minUsn int) error {
	if len(rows) == 0 {
		return nil
	}

	localMods := make(map[int64]int64)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, fmt.Sprintf("%d", asInt64(r[0])))
	}
	q := fmt.Sprintf(`SELECT id, mod FROM %s WHERE id IN (%s) AND usn >= ?`,
		table, strings.Join(ids, ","))
	dbRows, err := t.tx.Query(q, minUsn)
	if err != nil {
		return fmt.Errorf("failed to read local mods for %s: %w", table, err)
	}
	for dbRows.Next() {
		var id, mod int64
		if err := dbRows.Scan(&id, &mod); err != nil {
			dbRows.Close()
			return err
		}
		localMods[id] = mod
	}
	dbRows.Close()
	if err := dbRows.Err(); err != nil {
		return err
	}

	ins := fmt.Sprintf(`INSERT OR REPLACE INTO %s VALUES (%s)`,
		table, t.s.snap.Placeholders(table))
	var keep [][]any
	for _, r := range rows {
		if localMod, ok := localMods[asInt64(r[0])]; ok && localMod >= asInt64(r[modIdx]) {
			continue
		}
		keep = append(keep, r)
	}
	return t.insertRows(ins, table, keep)
}

func (t *Tx) insertRows(query, table string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", table, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		fitted := t.s.snap.FitRow(t.s.logger, table, r)
		for i, v := range fitted {
			fitted[i] = normalizeValue(v)
		}
		if _, err := stmt.Exec(fitted...); err != nil {
			return fmt.Errorf("failed to insert %s row: %w", table, err)
		}
	}
	return nil
}

// normalizeValue maps JSON-decoded values onto SQLite storage classes.
// Integral floats become integers so id and timestamp columns keep their
// INTEGER affinity.
func normalizeValue(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
		return int64(f)
	}
	return f
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// ColText reads one of the col row's text columns (conf, models, decks,
// dconf, tags).
func (t *Tx) ColText(column string) (string, error) {
	if !validColColumn(column) {
		return "", fmt.Errorf("invalid col column %q", column)
	}
	var v string
	err := t.tx.QueryRow(fmt.Sprintf(`SELECT %s FROM col`, column)).Scan(&v)
	return v, err
}

// SetColText writes one of the col row's text columns.
func (t *Tx) SetColText(column, value string) error {
	if !validColColumn(column) {
		return fmt.Errorf("invalid col column %q", column)
	}
	_, err := t.tx.Exec(fmt.Sprintf(`UPDATE col SET %s = ?`, column), value)
	return err
}

func validColColumn(c string) bool {
	switch c {
	case "conf", "models", "decks", "dconf", "tags":
		return true
	}
	return false
}

// SetCrt updates the collection creation time.
func (t *Tx) SetCrt(crt int64) error {
	_, err := t.tx.Exec(`UPDATE col SET crt = ?`, crt)
	return err
}

// Crt reads the collection creation time.
func (t *Tx) Crt() (int64, error) {
	var crt int64
	err := t.tx.QueryRow(`SELECT crt FROM col`).Scan(&crt)
	return crt, err
}

// Mod reads the collection modification time.
func (t *Tx) Mod() (int64, error) {
	var mod int64
	err := t.tx.QueryRow(`SELECT mod FROM col`).Scan(&mod)
	return mod, err
}

func (t *Tx) removeDeckJSON(id int64) error {
	decks, err := t.ColText("decks")
	if err != nil {
		return err
	}
	updated, changed := removeJSONKey(decks, id)
	if !changed {
		return nil
	}
	return t.SetColText("decks", updated)
}

// TableCount returns the row count for a synced table.
func (t *Tx) TableCount(table string) (int, error) {
	if _, ok := t.s.snap[table]; !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	err := t.tx.QueryRow(fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n)
	return n, err
}

// Finish stamps the sync completion: modification time, last-sync time, and
// the next update sequence number.
func (t *Tx) Finish(mod int64, nextUsn int) error {
	_, err := t.tx.Exec(`UPDATE col SET mod = ?, ls = ?, usn = ?`, mod, mod, nextUsn)
	return err
}
