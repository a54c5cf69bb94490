package syncer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/cardsyncd/internal/collection"
	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

func newTestCollection(t *testing.T) *collection.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collection.anki2")
	s, err := collection.Open(path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func cardRow(id, nid, mod, usn int64) []any {
	return []any{float64(id), float64(nid), float64(1), float64(0), float64(mod),
		float64(usn), float64(0), float64(0), float64(1), float64(0), float64(2500),
		float64(0), float64(0), float64(0), float64(0), float64(0), float64(0), ""}
}

func noteRow(id, mod, usn int64) []any {
	return []any{float64(id), fmt.Sprintf("guid%d", id), float64(1), float64(mod),
		float64(usn), "", "front\x1fback", "front", float64(12345), float64(0), ""}
}

// ==================== Meta Tests ====================

func TestBuildMeta(t *testing.T) {
	store := newTestCollection(t)

	meta, err := BuildMeta(MetaInput{
		Store:    store,
		MediaUsn: 3,
		Version:  11,
		Username: "alice",
	})
	require.NoError(t, err)
	assert.True(t, meta.Cont)
	assert.True(t, meta.Empty)
	assert.Equal(t, 0, meta.Usn)
	assert.Equal(t, 3, meta.MediaUsn)
	assert.Equal(t, "alice", meta.Username)
	assert.Greater(t, meta.Ts, int64(0))
}

func TestBuildMetaRefusesOldClientWithV2Scheduler(t *testing.T) {
	store := newTestCollection(t)

	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.SetColText("conf", `{"schedVer":2}`))
	require.NoError(t, tx.Commit())

	meta, err := BuildMeta(MetaInput{Store: store, Version: 8, Username: "alice"})
	require.NoError(t, err)
	assert.False(t, meta.Cont)
	assert.Contains(t, meta.Msg, "v2 scheduler")

	meta, err = BuildMeta(MetaInput{Store: store, Version: 9, Username: "alice"})
	require.NoError(t, err)
	assert.True(t, meta.Cont)
}

// ==================== Session Tests ====================

func TestSessionFullRound(t *testing.T) {
	store := newTestCollection(t)

	// Seed server state: one card and note pending at usn >= 0.
	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.ApplyNotes([][]any{noteRow(1, 1000, 0)}, 0))
	require.NoError(t, tx.ApplyCards([][]any{cardRow(10, 1, 1000, 0)}, 0))
	require.NoError(t, tx.Commit())

	sess, graves, err := Start(store, &protocol.StartRequest{MinUsn: 0, LocalNewer: false}, 250, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, graves)
	assert.Empty(t, graves.Cards)

	// Client pushes one of its own cards and notes.
	require.NoError(t, sess.ApplyChunk(&protocol.Chunk{
		Notes: [][]any{noteRow(2, 2000, int64(sess.MaxUsn()))},
		Cards: [][]any{cardRow(20, 2, 2000, int64(sess.MaxUsn()))},
	}))

	// Server streams its pending rows back.
	var gotCards, gotNotes int
	for {
		chunk, err := sess.Chunk()
		require.NoError(t, err)
		gotCards += len(chunk.Cards)
		gotNotes += len(chunk.Notes)
		if chunk.Done {
			break
		}
	}
	assert.Equal(t, 2, gotCards)
	assert.Equal(t, 2, gotNotes)

	resp, err := sess.SanityCheck2(protocol.SanityCheckCounts{
		[]any{5.0, 3.0, 1.0}, 2.0, 2.0, 0.0, 0.0, 0.0, 1.0, 1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	mod, err := sess.Finish()
	require.NoError(t, err)
	assert.Greater(t, mod, int64(0))

	meta, err := store.ReadMeta()
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Usn)
	assert.Equal(t, mod, meta.Ls)
}

func TestSessionGravesBeforeClientRemovals(t *testing.T) {
	store := newTestCollection(t)

	// Server already recorded a deletion at usn 0.
	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.ApplyGraves(&collection.GraveSet{Cards: []int64{99}}, 0))
	require.NoError(t, tx.Commit())

	clientGraves := &protocol.Graves{Notes: []int64{5}}
	sess, graves, err := Start(store, &protocol.StartRequest{
		MinUsn: 0, LocalNewer: false, Graves: clientGraves,
	}, 250, slog.Default())
	require.NoError(t, err)
	defer sess.Abort()

	// The reply contains only the pre-existing server grave, not the
	// client's own deletion echoed back.
	assert.Equal(t, []int64{99}, graves.Cards)
	assert.Empty(t, graves.Notes)
}

func TestSessionChunkPagination(t *testing.T) {
	store := newTestCollection(t)

	tx, err := store.Begin()
	require.NoError(t, err)
	var notes [][]any
	for i := int64(1); i <= 7; i++ {
		notes = append(notes, noteRow(i, 1000+i, 0))
	}
	require.NoError(t, tx.ApplyNotes(notes, 0))
	require.NoError(t, tx.Commit())

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 0}, 3, slog.Default())
	require.NoError(t, err)
	defer sess.Abort()

	var total int
	var chunks int
	for {
		chunk, err := sess.Chunk()
		require.NoError(t, err)
		total += len(chunk.Notes)
		chunks++
		require.LessOrEqual(t, len(chunk.Notes), 3)
		if chunk.Done {
			break
		}
		require.Less(t, chunks, 20, "chunking did not terminate")
	}
	assert.Equal(t, 7, total)
}

func TestSessionChunkSurvivesInterleavedGraves(t *testing.T) {
	store := newTestCollection(t)

	tx, err := store.Begin()
	require.NoError(t, err)
	var cards [][]any
	for i := int64(101); i <= 105; i++ {
		cards = append(cards, cardRow(i, 1, 1000+i, 0))
	}
	require.NoError(t, tx.ApplyCards(cards, 0))
	require.NoError(t, tx.Commit())

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 0}, 2, slog.Default())
	require.NoError(t, err)
	defer sess.Abort()

	first, err := sess.Chunk()
	require.NoError(t, err)
	require.Len(t, first.Cards, 2)

	// The client deletes a card it already received, mid-stream. The
	// remaining pending cards must still each go out exactly once.
	sentID := first.Cards[0][0].(int64)
	require.NoError(t, sess.ApplyGraves(&protocol.Graves{Cards: []int64{sentID}}))

	seen := map[int64]int{}
	for _, row := range first.Cards {
		seen[row[0].(int64)]++
	}
	for {
		chunk, err := sess.Chunk()
		require.NoError(t, err)
		for _, row := range chunk.Cards {
			seen[row[0].(int64)]++
		}
		if chunk.Done {
			break
		}
	}

	for id := int64(101); id <= 105; id++ {
		if id == sentID {
			continue
		}
		assert.Equal(t, 1, seen[id], "card %d", id)
	}
}

func TestSessionAbortRollsBack(t *testing.T) {
	store := newTestCollection(t)

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 0}, 250, slog.Default())
	require.NoError(t, err)
	require.NoError(t, sess.ApplyChunk(&protocol.Chunk{
		Cards: [][]any{cardRow(10, 1, 1000, 0)},
		Notes: [][]any{noteRow(1, 1000, 0)},
	}))
	sess.Abort()

	empty, err := store.Empty()
	require.NoError(t, err)
	assert.True(t, empty)
}

// ==================== Changes Tests ====================

func TestApplyChangesMergesModels(t *testing.T) {
	store := newTestCollection(t)

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 0, LocalNewer: true}, 250, slog.Default())
	require.NoError(t, err)

	model := json.RawMessage(`{"id":1700000000001,"name":"Basic","mod":5000,"usn":0}`)
	local, err := sess.ApplyChanges(&protocol.Changes{
		Models: []json.RawMessage{model},
		Decks:  []json.RawMessage{json.RawMessage(`[]`), json.RawMessage(`[]`)},
		Tags:   []string{"imported"},
	})
	require.NoError(t, err)

	// The fresh collection has a default deck and config but no models.
	assert.Empty(t, local.Models)
	var decks []json.RawMessage
	require.NoError(t, json.Unmarshal(local.Decks[0], &decks))
	assert.Len(t, decks, 1)

	// The client was newer, so no conf travels server to client.
	assert.Empty(t, local.Conf)

	_, err = sess.Finish()
	require.NoError(t, err)

	// Merged state survives: a second sync from another device picks the
	// model and tag up.
	sess2, _, err := Start(store, &protocol.StartRequest{MinUsn: 0, LocalNewer: false}, 250, slog.Default())
	require.NoError(t, err)
	defer sess2.Abort()

	local2, err := sess2.ApplyChanges(&protocol.Changes{
		Decks: []json.RawMessage{json.RawMessage(`[]`), json.RawMessage(`[]`)},
	})
	require.NoError(t, err)
	require.Len(t, local2.Models, 1)
	assert.Contains(t, string(local2.Models[0]), `"Basic"`)
	assert.Contains(t, local2.Tags, "imported")
	assert.NotEmpty(t, local2.Conf)
}

func TestApplyChangesStampsUnsyncedObjects(t *testing.T) {
	store := newTestCollection(t)

	// A model and a tag that were never synced carry usn -1.
	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.SetColText("models",
		`{"1700000000001":{"id":1700000000001,"name":"Basic","mod":5000,"usn":-1}}`))
	require.NoError(t, tx.SetColText("tags", `{"fresh":-1}`))
	require.NoError(t, tx.Commit())

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 3}, 250, slog.Default())
	require.NoError(t, err)

	local, err := sess.ApplyChanges(&protocol.Changes{})
	require.NoError(t, err)
	require.Len(t, local.Models, 1)
	assert.Contains(t, string(local.Models[0]), fmt.Sprintf(`"usn":%d`, sess.MaxUsn()))
	assert.Equal(t, []string{"fresh"}, local.Tags)

	_, err = sess.Finish()
	require.NoError(t, err)

	// The stamp is persisted, so the next incremental sync skips them.
	sess2, _, err := Start(store, &protocol.StartRequest{MinUsn: sess.MaxUsn() + 1}, 250, slog.Default())
	require.NoError(t, err)
	defer sess2.Abort()
	local2, err := sess2.ApplyChanges(&protocol.Changes{})
	require.NoError(t, err)
	assert.Empty(t, local2.Models)
	assert.Empty(t, local2.Tags)
}

func TestMergeObjectsKeepsNewerLocal(t *testing.T) {
	store := newTestCollection(t)

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 0}, 250, slog.Default())
	require.NoError(t, err)

	newer := json.RawMessage(`{"id":42,"name":"New","mod":9000,"usn":0}`)
	_, err = sess.ApplyChanges(&protocol.Changes{Models: []json.RawMessage{newer}})
	require.NoError(t, err)

	older := json.RawMessage(`{"id":42,"name":"Old","mod":1000,"usn":0}`)
	_, err = sess.ApplyChanges(&protocol.Changes{Models: []json.RawMessage{older}})
	require.NoError(t, err)

	_, err = sess.Finish()
	require.NoError(t, err)

	sess2, _, err := Start(store, &protocol.StartRequest{MinUsn: 0}, 250, slog.Default())
	require.NoError(t, err)
	defer sess2.Abort()
	local, err := sess2.ApplyChanges(&protocol.Changes{})
	require.NoError(t, err)
	require.Len(t, local.Models, 1)
	assert.Contains(t, string(local.Models[0]), `"New"`)
}

// ==================== Sanity Tests ====================

func TestSanityCheckMismatchAborts(t *testing.T) {
	store := newTestCollection(t)

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 0}, 250, slog.Default())
	require.NoError(t, err)

	resp, err := sess.SanityCheck2(protocol.SanityCheckCounts{
		[]any{0.0, 0.0, 0.0}, 5.0, 5.0, 0.0, 0.0, 0.0, 1.0, 1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "bad", resp.Status)
	assert.NotEmpty(t, resp.Server)
	assert.True(t, sess.Closed())
}

func TestSanityCheckZeroesSchedulerCounts(t *testing.T) {
	store := newTestCollection(t)

	sess, _, err := Start(store, &protocol.StartRequest{MinUsn: 0}, 250, slog.Default())
	require.NoError(t, err)
	defer sess.Abort()

	// Nonzero due counts from the client must not cause a mismatch.
	resp, err := sess.SanityCheck2(protocol.SanityCheckCounts{
		[]any{12.0, 3.0, 9.0}, 0.0, 0.0, 0.0, 0.0, 0.0, 1.0, 1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}
