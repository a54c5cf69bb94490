package collection

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collection.anki2")
	s, err := Open(path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// ==================== Schema Detection Tests ====================

func TestDetectGeneration(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want Generation
	}{
		{
			"legacy",
			Snapshot{
				"col": {}, "cards": {}, "notes": {}, "revlog": {},
				"graves": {CreateSQL: "CREATE TABLE graves (usn integer, oid integer, type integer)"},
			},
			GenLegacy,
		},
		{
			"configs added",
			Snapshot{
				"col": {}, "cards": {}, "notes": {}, "revlog": {},
				"graves":      {CreateSQL: "CREATE TABLE graves (usn integer, oid integer, type integer)"},
				"deck_config": {}, "config": {},
			},
			GenConfigs,
		},
		{
			"structured notetypes",
			Snapshot{
				"col": {}, "cards": {}, "notes": {}, "revlog": {},
				"graves": {CreateSQL: "CREATE TABLE graves (usn integer, oid integer, type integer)"},
				"fields": {}, "templates": {}, "notetypes": {}, "decks": {},
				"deck_config": {}, "config": {},
			},
			GenStructured,
		},
		{
			"restructured tags",
			Snapshot{
				"col": {}, "cards": {}, "notes": {}, "revlog": {},
				"graves": {CreateSQL: "CREATE TABLE graves (usn integer, oid integer, type integer)"},
				"fields": {}, "templates": {}, "notetypes": {}, "decks": {},
				"tags": {Columns: []string{"tag", "usn", "collapsed", "config"}},
			},
			GenTagsV2,
		},
		{
			"restructured graves",
			Snapshot{
				"col": {}, "cards": {}, "notes": {}, "revlog": {},
				"graves": {CreateSQL: "CREATE TABLE graves (oid integer, type integer, usn integer, PRIMARY KEY (oid, type)) WITHOUT ROWID"},
			},
			GenGravesV2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectGeneration(tt.snap))
		})
	}
}

func TestSyncVersionFor(t *testing.T) {
	assert.Equal(t, 11, SyncVersionFor(GenGravesV2))
	assert.Equal(t, 10, SyncVersionFor(GenTagsV2))
	assert.Equal(t, 10, SyncVersionFor(GenLegacy))
}

func TestFieldsFallback(t *testing.T) {
	snap := Snapshot{}
	assert.Len(t, snap.Fields("cards"), 18)
	assert.Len(t, snap.Fields("notes"), 11)
	assert.Len(t, snap.Fields("revlog"), 9)
	assert.Equal(t, []string{"usn", "oid", "type"}, snap.Fields("graves"))
}

func TestFitRow(t *testing.T) {
	snap := Snapshot{"revlog": {Columns: []string{"id", "cid", "usn"}}}
	logger := slog.Default()

	exact := snap.FitRow(logger, "revlog", []any{int64(1), int64(2), int64(3)})
	assert.Len(t, exact, 3)

	padded := snap.FitRow(logger, "revlog", []any{int64(1)})
	require.Len(t, padded, 3)
	assert.Equal(t, int64(1), padded[0])
	assert.Nil(t, padded[1])
	assert.Nil(t, padded[2])

	truncated := snap.FitRow(logger, "revlog", []any{int64(1), int64(2), int64(3), int64(4)})
	assert.Len(t, truncated, 3)
}

// ==================== Store Tests ====================

func TestOpenCreatesLegacyCollection(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, GenLegacy, s.Generation())
	require.NoError(t, s.Snapshot().CheckCompatible())

	meta, err := s.ReadMeta()
	require.NoError(t, err)
	assert.Equal(t, 0, meta.Usn)
	assert.Equal(t, 11, meta.Ver)
	assert.Greater(t, meta.Mod, int64(0))

	empty, err := s.Empty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestChunkRoundTrip(t *testing.T) {
	s := newTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)

	// A client chunk: one note, one card, one review.
	note := []any{float64(100), "guid1", float64(1), float64(5000), float64(7),
		"", "front\x1fback", "front", float64(12345), float64(0), ""}
	card := []any{float64(200), float64(100), float64(1), float64(0), float64(5000),
		float64(7), float64(0), float64(0), float64(1), float64(0), float64(2500),
		float64(0), float64(0), float64(0), float64(0), float64(0), float64(0), ""}
	rev := []any{float64(300), float64(200), float64(7), float64(3), float64(1),
		float64(0), float64(2500), float64(4000), float64(0)}

	require.NoError(t, tx.ApplyNotes([][]any{note}, 5))
	require.NoError(t, tx.ApplyCards([][]any{card}, 5))
	require.NoError(t, tx.ApplyRevlog([][]any{rev}))

	n, err := tx.TableCount("cards")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Reading the chunk back rewrites usn to maxUsn.
	rows, err := tx.ChunkRows("cards", 0, 9, 250, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(9), rows[0][5])

	require.NoError(t, tx.MarkTableSent("cards", 0, 9))
	rows, err = tx.ChunkRows("cards", 10, 11, 250, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, tx.Commit())
}

func TestApplyNewerKeepsLocalChanges(t *testing.T) {
	s := newTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)

	local := []any{float64(1), float64(10), float64(1), float64(0), float64(9000),
		float64(7), float64(0), float64(0), float64(1), float64(0), float64(2500),
		float64(0), float64(0), float64(0), float64(0), float64(0), float64(0), "local"}
	require.NoError(t, tx.ApplyCards([][]any{local}, 0))

	// Older incoming copy of the same card loses against the unsent local row.
	stale := append([]any{}, local...)
	stale[4] = float64(8000)
	stale[17] = "stale"
	require.NoError(t, tx.ApplyCards([][]any{stale}, 0))

	rows, err := tx.ChunkRows("cards", 0, 7, 250, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "local", rows[0][17])

	// A newer incoming copy wins.
	newer := append([]any{}, local...)
	newer[4] = float64(9500)
	newer[17] = "newer"
	require.NoError(t, tx.ApplyCards([][]any{newer}, 0))

	rows, err = tx.ChunkRows("cards", 0, 7, 250, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "newer", rows[0][17])

	require.NoError(t, tx.Rollback())
}

func TestApplyGraves(t *testing.T) {
	s := newTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)

	card := []any{float64(200), float64(100), float64(1), float64(0), float64(5000),
		float64(7), float64(0), float64(0), float64(1), float64(0), float64(2500),
		float64(0), float64(0), float64(0), float64(0), float64(0), float64(0), ""}
	require.NoError(t, tx.ApplyCards([][]any{card}, 0))

	gs := &GraveSet{Cards: []int64{200}, Decks: []int64{1}}
	require.NoError(t, tx.ApplyGraves(gs, 7))

	n, err := tx.TableCount("cards")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := tx.GravesSince(7)
	require.NoError(t, err)
	assert.Equal(t, []int64{200}, got.Cards)
	assert.Equal(t, []int64{1}, got.Decks)

	// The default deck is gone from the decks column.
	decks, err := tx.ColText("decks")
	require.NoError(t, err)
	assert.Equal(t, "{}", decks)

	require.NoError(t, tx.Commit())
}

func TestApplyGravesRemovesOrphanedNotes(t *testing.T) {
	s := newTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)

	noteRow := func(id int64) []any {
		return []any{float64(id), "guid" + fmt.Sprint(id), float64(1), float64(5000),
			float64(7), "", "front\x1fback", "front", float64(12345), float64(0), ""}
	}
	cardRow := func(id, nid int64) []any {
		return []any{float64(id), float64(nid), float64(1), float64(0), float64(5000),
			float64(7), float64(0), float64(0), float64(1), float64(0), float64(2500),
			float64(0), float64(0), float64(0), float64(0), float64(0), float64(0), ""}
	}

	// Note 100 has two cards; note 300 has one.
	require.NoError(t, tx.ApplyNotes([][]any{noteRow(100), noteRow(300)}, 0))
	require.NoError(t, tx.ApplyCards([][]any{cardRow(200, 100), cardRow(201, 100), cardRow(400, 300)}, 0))

	require.NoError(t, tx.ApplyGraves(&GraveSet{Cards: []int64{201, 400}}, 9))

	// Note 300 lost its only card and goes away with its own grave; note 100
	// keeps its remaining card.
	n, err := tx.TableCount("notes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tx.GravesSince(9)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{201, 400}, got.Cards)
	assert.Equal(t, []int64{300}, got.Notes)

	require.NoError(t, tx.Rollback())
}

func TestFinishStampsMeta(t *testing.T) {
	s := newTestStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Finish(123456, 8))
	require.NoError(t, tx.Commit())

	meta, err := s.ReadMeta()
	require.NoError(t, err)
	assert.Equal(t, int64(123456), meta.Mod)
	assert.Equal(t, int64(123456), meta.Ls)
	assert.Equal(t, 8, meta.Usn)
}

// ==================== Registry Tests ====================

func TestRegistryCachesHandles(t *testing.T) {
	reg := NewRegistry(slog.Default())
	t.Cleanup(reg.CloseAll)

	path := filepath.Join(t.TempDir(), "collection.anki2")
	a, err := reg.Open(path)
	require.NoError(t, err)
	b, err := reg.Open(path)
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, reg.Close(path))
	c, err := reg.Open(path)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestRegistryRejectsTraversal(t *testing.T) {
	reg := NewRegistry(slog.Default())
	_, err := reg.Open("../../etc/passwd")
	assert.Error(t, err)
}

func TestReplaceRejectsCorruptUpload(t *testing.T) {
	reg := NewRegistry(slog.Default())
	t.Cleanup(reg.CloseAll)

	dir := t.TempDir()
	path := filepath.Join(dir, "collection.anki2")
	_, err := reg.Open(path)
	require.NoError(t, err)

	bad := filepath.Join(dir, "upload.tmp")
	require.NoError(t, os.WriteFile(bad, []byte("not a database"), 0644))
	assert.Error(t, reg.Replace(path, bad))
}
