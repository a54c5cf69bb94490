// Package media implements the media half of the sync protocol: an
// append-only operation log over a per-user media directory, batch zips on
// the wire, and self-correction when the log and the filesystem disagree.
package media

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Log operation discriminators.
const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// LogEntry is one row of the media operation log.
type LogEntry struct {
	Usn   int
	Op    string
	Fname string
	Csum  string // empty for removals
	Size  int64
	Ts    int64
}

// FileInfo is the current state of one registered file.
type FileInfo struct {
	Fname string
	Csum  string
	Size  int64
	Usn   int
	Mtime int64
}

// DB is the per-user media sync database. The log is the source of truth;
// the current table and the meta counters are derived and repairable.
type DB struct {
	db *sql.DB
}

// OpenDB opens or creates the media database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open media db: %w", err)
	}

	d := &DB{db: db}
	if err := d.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.recoverLastUsn(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_log (
		usn INTEGER PRIMARY KEY,
		op TEXT NOT NULL,
		fname TEXT NOT NULL,
		csum TEXT,
		sz INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_media_log_fname ON media_log (fname);

	CREATE TABLE IF NOT EXISTS media_current (
		fname TEXT PRIMARY KEY,
		csum TEXT NOT NULL,
		sz INTEGER NOT NULL,
		usn INTEGER NOT NULL,
		mtime INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		last_usn INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		total_nonempty_files INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create media schema: %w", err)
	}

	var n int
	if err := d.db.QueryRow(`SELECT count(*) FROM meta`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := d.db.Exec(`INSERT INTO meta (last_usn, total_bytes, total_nonempty_files) VALUES (0, 0, 0)`); err != nil {
			return err
		}
	}
	return nil
}

// recoverLastUsn repairs a meta row that lost its counter: when the log has
// entries but last_usn claims zero, the log wins.
func (d *DB) recoverLastUsn() error {
	var last int
	if err := d.db.QueryRow(`SELECT last_usn FROM meta`).Scan(&last); err != nil {
		return err
	}
	if last != 0 {
		return nil
	}

	var maxUsn sql.NullInt64
	if err := d.db.QueryRow(`SELECT max(usn) FROM media_log`).Scan(&maxUsn); err != nil {
		return err
	}
	if maxUsn.Valid && maxUsn.Int64 > 0 {
		_, err := d.db.Exec(`UPDATE meta SET last_usn = ?`, maxUsn.Int64)
		return err
	}
	return nil
}

// LastUsn returns the newest log position.
func (d *DB) LastUsn() (int, error) {
	var usn int
	err := d.db.QueryRow(`SELECT last_usn FROM meta`).Scan(&usn)
	return usn, err
}

// Stats returns the tracked byte and nonempty-file totals.
func (d *DB) Stats() (bytes int64, files int, err error) {
	err = d.db.QueryRow(`SELECT total_bytes, total_nonempty_files FROM meta`).Scan(&bytes, &files)
	return
}

// Current looks up the registered state of a file.
func (d *DB) Current(fname string) (*FileInfo, error) {
	var fi FileInfo
	err := d.db.QueryRow(
		`SELECT fname, csum, sz, usn, mtime FROM media_current WHERE fname = ?`, fname).
		Scan(&fi.Fname, &fi.Csum, &fi.Size, &fi.Usn, &fi.Mtime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fi, nil
}

// LogAdd appends an add operation and updates the derived state. Returns
// the assigned usn.
func (d *DB) LogAdd(fname, csum string, size, mtime int64) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	usn, err := d.appendLog(tx, OpAdd, fname, csum, size)
	if err != nil {
		return 0, err
	}

	var oldSize sql.NullInt64
	err = tx.QueryRow(`SELECT sz FROM media_current WHERE fname = ?`, fname).Scan(&oldSize)
	replacing := err == nil
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO media_current (fname, csum, sz, usn, mtime) VALUES (?, ?, ?, ?, ?)`,
		fname, csum, size, usn, mtime); err != nil {
		return 0, err
	}

	deltaBytes := size
	deltaFiles := 0
	if size > 0 {
		deltaFiles = 1
	}
	if replacing {
		deltaBytes -= oldSize.Int64
		if oldSize.Int64 > 0 {
			deltaFiles--
		}
	}
	if err := d.bumpMeta(tx, usn, deltaBytes, deltaFiles); err != nil {
		return 0, err
	}
	return usn, tx.Commit()
}

// LogRemove appends a removal and updates the derived state. Removing an
// unregistered file still records the operation so peers converge.
func (d *DB) LogRemove(fname string) (int, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	usn, err := d.appendLog(tx, OpRemove, fname, "", 0)
	if err != nil {
		return 0, err
	}

	var oldSize sql.NullInt64
	err = tx.QueryRow(`SELECT sz FROM media_current WHERE fname = ?`, fname).Scan(&oldSize)
	if err == nil {
		if _, err := tx.Exec(`DELETE FROM media_current WHERE fname = ?`, fname); err != nil {
			return 0, err
		}
		deltaFiles := 0
		if oldSize.Int64 > 0 {
			deltaFiles = -1
		}
		if err := d.bumpMeta(tx, usn, -oldSize.Int64, deltaFiles); err != nil {
			return 0, err
		}
	} else if err == sql.ErrNoRows {
		if err := d.bumpMeta(tx, usn, 0, 0); err != nil {
			return 0, err
		}
	} else {
		return 0, err
	}
	return usn, tx.Commit()
}

func (d *DB) appendLog(tx *sql.Tx, op, fname, csum string, size int64) (int, error) {
	var last int
	if err := tx.QueryRow(`SELECT last_usn FROM meta`).Scan(&last); err != nil {
		return 0, err
	}
	usn := last + 1

	var csumVal any
	if csum != "" {
		csumVal = csum
	}
	_, err := tx.Exec(
		`INSERT INTO media_log (usn, op, fname, csum, sz, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		usn, op, fname, csumVal, size, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to append media log: %w", err)
	}
	return usn, nil
}

func (d *DB) bumpMeta(tx *sql.Tx, usn int, deltaBytes int64, deltaFiles int) error {
	_, err := tx.Exec(
		`UPDATE meta SET last_usn = ?,
		 total_bytes = max(0, total_bytes + ?),
		 total_nonempty_files = max(0, total_nonempty_files + ?)`,
		usn, deltaBytes, deltaFiles)
	return err
}

// ChangesSince returns log entries after usn, oldest first, capped at limit.
func (d *DB) ChangesSince(usn, limit int) ([]LogEntry, error) {
	rows, err := d.db.Query(
		`SELECT usn, op, fname, csum, sz, ts FROM media_log WHERE usn > ? ORDER BY usn LIMIT ?`,
		usn, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read media log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var csum sql.NullString
		if err := rows.Scan(&e.Usn, &e.Op, &e.Fname, &csum, &e.Size, &e.Ts); err != nil {
			return nil, err
		}
		e.Csum = csum.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecountFiles recomputes the derived totals from the current table and
// stores them. Used when a sanity check disagrees with the counters.
func (d *DB) RecountFiles() (int, error) {
	var files int
	var bytes sql.NullInt64
	err := d.db.QueryRow(
		`SELECT count(*), sum(sz) FROM media_current WHERE sz > 0`).Scan(&files, &bytes)
	if err != nil {
		return 0, err
	}
	_, err = d.db.Exec(
		`UPDATE meta SET total_bytes = ?, total_nonempty_files = ?`, bytes.Int64, files)
	return files, err
}
