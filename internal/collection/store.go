package collection

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is an open collection database. All sync mutations go through Tx;
// the Store itself only serves metadata reads and maintenance.
type Store struct {
	db     *sql.DB
	path   string
	snap   Snapshot
	gen    Generation
	logger *slog.Logger
}

// Open opens an existing collection database, creating a fresh legacy-shape
// one when the file does not exist yet.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fresh := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create collection directory: %w", err)
		}
		fresh = true
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open collection: %w", err)
	}
	// One writer (the sync transaction) plus one reader for metadata.
	db.SetMaxOpenConns(2)

	s := &Store{db: db, path: path, logger: logger}
	if fresh {
		if err := s.initialize(); err != nil {
			db.Close()
			return nil, err
		}
	}

	snap, err := Probe(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := snap.CheckCompatible(); err != nil {
		db.Close()
		return nil, err
	}
	s.snap = snap
	s.gen = DetectGeneration(snap)
	return s, nil
}

// Close closes the database. A WAL checkpoint runs first so the base file
// is complete for full-sync downloads.
func (s *Store) Close() error {
	s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Generation returns the detected schema generation.
func (s *Store) Generation() Generation { return s.gen }

// Snapshot returns the probed table shapes.
func (s *Store) Snapshot() Snapshot { return s.snap }

func (s *Store) initialize() error {
	now := time.Now()
	crt := dayStart(now).Unix()
	ms := now.UnixMilli()

	schema := `
	CREATE TABLE col (
		id integer PRIMARY KEY,
		crt integer NOT NULL,
		mod integer NOT NULL,
		scm integer NOT NULL,
		ver integer NOT NULL,
		dty integer NOT NULL,
		usn integer NOT NULL,
		ls integer NOT NULL,
		conf text NOT NULL,
		models text NOT NULL,
		decks text NOT NULL,
		dconf text NOT NULL,
		tags text NOT NULL
	);
	CREATE TABLE notes (
		id integer PRIMARY KEY,
		guid text NOT NULL,
		mid integer NOT NULL,
		mod integer NOT NULL,
		usn integer NOT NULL,
		tags text NOT NULL,
		flds text NOT NULL,
		sfld integer NOT NULL,
		csum integer NOT NULL,
		flags integer NOT NULL,
		data text NOT NULL
	);
	CREATE TABLE cards (
		id integer PRIMARY KEY,
		nid integer NOT NULL,
		did integer NOT NULL,
		ord integer NOT NULL,
		mod integer NOT NULL,
		usn integer NOT NULL,
		type integer NOT NULL,
		queue integer NOT NULL,
		due integer NOT NULL,
		ivl integer NOT NULL,
		factor integer NOT NULL,
		reps integer NOT NULL,
		lapses integer NOT NULL,
		left integer NOT NULL,
		odue integer NOT NULL,
		odid integer NOT NULL,
		flags integer NOT NULL,
		data text NOT NULL
	);
	CREATE TABLE revlog (
		id integer PRIMARY KEY,
		cid integer NOT NULL,
		usn integer NOT NULL,
		ease integer NOT NULL,
		ivl integer NOT NULL,
		lastIvl integer NOT NULL,
		factor integer NOT NULL,
		time integer NOT NULL,
		type integer NOT NULL
	);
	CREATE TABLE graves (
		usn integer NOT NULL,
		oid integer NOT NULL,
		type integer NOT NULL
	);
	CREATE INDEX ix_notes_usn ON notes (usn);
	CREATE INDEX ix_cards_usn ON cards (usn);
	CREATE INDEX ix_revlog_usn ON revlog (usn);
	CREATE INDEX ix_cards_nid ON cards (nid);
	CREATE INDEX ix_cards_sched ON cards (did, queue, due);
	CREATE INDEX ix_notes_csum ON notes (csum);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create collection schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags)
		 VALUES (1, ?, ?, ?, 11, 0, 0, 0, ?, '{}', ?, ?, '{}')`,
		crt, ms, ms, defaultConf, defaultDecks(ms), defaultDconf(ms))
	if err != nil {
		return fmt.Errorf("failed to seed collection row: %w", err)
	}
	return nil
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 4, 0, 0, 0, t.Location())
}

const defaultConf = `{"activeDecks":[1],"curDeck":1,"newSpread":0,"collapseTime":1200,"timeLim":0,"estTimes":true,"dueCounts":true,"curModel":null,"nextPos":1,"sortType":"noteFld","sortBackwards":false,"addToCur":true,"dayLearnFirst":false}`

func defaultDecks(ms int64) string {
	return fmt.Sprintf(`{"1":{"id":1,"mod":%d,"name":"Default","usn":0,"lrnToday":[0,0],"revToday":[0,0],"newToday":[0,0],"timeToday":[0,0],"collapsed":false,"browserCollapsed":false,"desc":"","dyn":0,"conf":1,"extendNew":10,"extendRev":50}}`, ms/1000)
}

func defaultDconf(ms int64) string {
	return fmt.Sprintf(`{"1":{"id":1,"mod":%d,"name":"Default","usn":0,"maxTaken":60,"autoplay":true,"timer":0,"replayq":true,"new":{"bury":false,"delays":[1,10],"initialFactor":2500,"ints":[1,4,7],"order":1,"perDay":20},"rev":{"bury":false,"ease4":1.3,"ivlFct":1,"maxIvl":36500,"perDay":200,"hardFactor":1.2},"lapse":{"delays":[10],"leechAction":1,"leechFails":8,"minInt":1,"mult":0},"dyn":false}}`, ms/1000)
}

// Meta is the collection-level metadata read outside a sync transaction.
type Meta struct {
	Crt int64 // creation time, s
	Mod int64 // modification time, ms
	Scm int64 // schema change time, ms
	Usn int
	Ls  int64 // last sync time, ms
	Ver int
}

// ReadMeta returns the col row metadata.
func (s *Store) ReadMeta() (*Meta, error) {
	var m Meta
	err := s.db.QueryRow(`SELECT crt, mod, scm, ver, usn, ls FROM col`).
		Scan(&m.Crt, &m.Mod, &m.Scm, &m.Ver, &m.Usn, &m.Ls)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection meta: %w", err)
	}
	return &m, nil
}

// Empty reports whether the collection has no cards.
func (s *Store) Empty() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM cards`).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// FileSize returns the on-disk size of the collection in bytes.
func (s *Store) FileSize() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// UsesV2Scheduler reports whether the collection's scheduler version is 2,
// which old protocol versions cannot sync.
func (s *Store) UsesV2Scheduler() (bool, error) {
	var conf string
	if err := s.db.QueryRow(`SELECT conf FROM col`).Scan(&conf); err != nil {
		return false, err
	}
	return confSchedulerVersion(conf) >= 2, nil
}

// HasNewTimezone reports whether the creation UTC offset is set, which
// protocol versions below 10 cannot sync.
func (s *Store) HasNewTimezone() (bool, error) {
	var conf string
	if err := s.db.QueryRow(`SELECT conf FROM col`).Scan(&conf); err != nil {
		return false, err
	}
	return confHasCreationOffset(conf), nil
}

// Checkpoint flushes the WAL into the base file.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Begin opens the sync transaction. The caller owns it for the whole
// session and must Commit or Rollback exactly once.
func (s *Store) Begin() (*Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	return &Tx{tx: tx, s: s}, nil
}

// ValidateFile runs an integrity check against a candidate collection file
// before it replaces a user's database.
func ValidateFile(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open uploaded collection: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("uploaded collection failed integrity check: %s", result)
	}

	snap, err := Probe(db)
	if err != nil {
		return err
	}
	return snap.CheckCompatible()
}
