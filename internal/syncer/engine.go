package syncer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/cardsyncd/internal/collection"
	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// DefaultChunkRows is how many rows one chunk carries at most.
const DefaultChunkRows = 250

// MetaInput gathers what the meta operation needs from the surrounding
// server: the open collection, the media counter, and the negotiated
// protocol details.
type MetaInput struct {
	Store              *collection.Store
	MediaUsn           int
	Version            int
	Username           string
	MaxCollectionBytes int64
}

// BuildMeta assembles the meta reply, refusing continuation when the client
// cannot handle the collection's features.
func BuildMeta(in MetaInput) (*protocol.Meta, error) {
	m, err := in.Store.ReadMeta()
	if err != nil {
		return nil, err
	}

	out := &protocol.Meta{
		Mod:      m.Mod,
		Scm:      m.Scm,
		Usn:      m.Usn,
		Ts:       time.Now().Unix(),
		MediaUsn: in.MediaUsn,
		Cont:     true,
		Username: in.Username,
	}

	if !protocol.SupportsV2Scheduler(in.Version) {
		v2, err := in.Store.UsesV2Scheduler()
		if err != nil {
			return nil, err
		}
		if v2 {
			out.Cont = false
			out.Msg = "Your client does not support the v2 scheduler"
			return out, nil
		}
	}
	if !protocol.SupportsNewTimezone(in.Version) {
		tz, err := in.Store.HasNewTimezone()
		if err != nil {
			return nil, err
		}
		if tz {
			out.Cont = false
			out.Msg = "Your client does not support the new timezone handling"
			return out, nil
		}
	}

	empty, err := in.Store.Empty()
	if err != nil {
		return nil, err
	}
	out.Empty = empty

	// An oversized collection cannot sync incrementally in reasonable time;
	// reporting a fresh schema time forces the client into a full sync.
	if in.MaxCollectionBytes > 0 {
		size, err := in.Store.FileSize()
		if err == nil && size > in.MaxCollectionBytes {
			out.Scm = time.Now().UnixMilli()
		}
	}

	return out, nil
}

// Session is one incremental sync in progress. All operations between Start
// and Finish run inside a single collection transaction.
type Session struct {
	logger *slog.Logger
	store  *collection.Store
	tx     *collection.Tx

	minUsn int
	maxUsn int
	// serverNewer marks which side's conf and crt win during applyChanges.
	serverNewer bool

	tablesLeft []string
	lastID     int64
	chunkRows  int
	closed     bool
}

// Start opens a sync session and returns the server-side deletions the
// client needs. The server's graves are collected before the client's are
// applied so the reply reflects the pre-merge state.
func Start(store *collection.Store, req *protocol.StartRequest, chunkRows int, logger *slog.Logger) (*Session, *protocol.Graves, error) {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	if logger == nil {
		logger = slog.Default()
	}

	tx, err := store.Begin()
	if err != nil {
		return nil, nil, err
	}
	maxUsn, err := tx.Usn()
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	s := &Session{
		logger:      logger,
		store:       store,
		tx:          tx,
		minUsn:      req.MinUsn,
		maxUsn:      maxUsn,
		serverNewer: !req.LocalNewer,
		tablesLeft:  []string{"revlog", "cards", "notes"},
		chunkRows:   chunkRows,
	}

	serverGraves, err := tx.GravesSince(req.MinUsn)
	if err != nil {
		s.Abort()
		return nil, nil, err
	}

	// Some clients send their graves along with start.
	if req.Graves != nil {
		if err := s.ApplyGraves(req.Graves); err != nil {
			s.Abort()
			return nil, nil, err
		}
	}

	return s, &protocol.Graves{
		Cards: serverGraves.Cards,
		Notes: serverGraves.Notes,
		Decks: serverGraves.Decks,
	}, nil
}

// MaxUsn returns the update sequence number this session stamps onto
// everything it touches.
func (s *Session) MaxUsn() int { return s.maxUsn }

// ApplyGraves records a batch of client deletions at maxUsn.
func (s *Session) ApplyGraves(g *protocol.Graves) error {
	if s.closed {
		return fmt.Errorf("sync session already closed")
	}
	return s.tx.ApplyGraves(&collection.GraveSet{
		Cards: g.Cards,
		Notes: g.Notes,
		Decks: g.Decks,
	}, s.maxUsn)
}

// Chunk returns the next batch of server rows, draining revlog, cards and
// notes in that order. Rows go out stamped at maxUsn; a drained table's
// local rows are restamped so they are not sent twice.
func (s *Session) Chunk() (*protocol.Chunk, error) {
	if s.closed {
		return nil, fmt.Errorf("sync session already closed")
	}

	buf := &protocol.Chunk{}
	lim := s.chunkRows
	for len(s.tablesLeft) > 0 && lim > 0 {
		table := s.tablesLeft[0]
		rows, err := s.tx.ChunkRows(table, s.minUsn, s.maxUsn, lim, s.lastID)
		if err != nil {
			return nil, err
		}

		switch table {
		case "revlog":
			buf.Revlog = append(buf.Revlog, rows...)
		case "cards":
			buf.Cards = append(buf.Cards, rows...)
		case "notes":
			buf.Notes = append(buf.Notes, rows...)
		}

		if len(rows) > 0 {
			s.lastID = rows[len(rows)-1][0].(int64)
		}
		if len(rows) < lim {
			// Fewer rows than asked for: this table is drained.
			if err := s.tx.MarkTableSent(table, s.minUsn, s.maxUsn); err != nil {
				return nil, err
			}
			s.tablesLeft = s.tablesLeft[1:]
			s.lastID = 0
		}
		lim -= len(rows)
	}

	buf.Done = len(s.tablesLeft) == 0
	return buf, nil
}

// ApplyChunk merges a batch of client rows.
func (s *Session) ApplyChunk(c *protocol.Chunk) error {
	if s.closed {
		return fmt.Errorf("sync session already closed")
	}
	if err := s.tx.ApplyRevlog(c.Revlog); err != nil {
		return err
	}
	if err := s.tx.ApplyCards(c.Cards, s.minUsn); err != nil {
		return err
	}
	return s.tx.ApplyNotes(c.Notes, s.minUsn)
}

// Finish stamps the sync completion, commits the session transaction, and
// checkpoints the WAL so the base file is whole for later downloads.
func (s *Session) Finish() (int64, error) {
	if s.closed {
		return 0, fmt.Errorf("sync session already closed")
	}
	mod := time.Now().UnixMilli()
	if err := s.tx.Finish(mod, s.maxUsn+1); err != nil {
		s.Abort()
		return 0, err
	}
	if err := s.tx.Commit(); err != nil {
		s.closed = true
		return 0, err
	}
	s.closed = true

	if err := s.store.Checkpoint(); err != nil {
		s.logger.Warn("checkpoint after sync", "error", err)
	}
	return mod, nil
}

// Abort rolls the session back. Safe to call more than once.
func (s *Session) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.tx.Rollback(); err != nil {
		s.logger.Warn("rolling back sync session", "error", err)
	}
}

// Closed reports whether the session finished or aborted.
func (s *Session) Closed() bool { return s.closed }
