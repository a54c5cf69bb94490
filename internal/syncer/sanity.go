package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// SanityCheck2 compares both sides' object counts after the merge. The
// client's scheduler counts are zeroed before comparing since due counts
// depend on the local clock. A mismatch aborts the session so the client
// falls back to a full sync against an unchanged server state.
func (s *Session) SanityCheck2(client protocol.SanityCheckCounts) (*protocol.SanityCheckResponse, error) {
	if s.closed {
		return nil, fmt.Errorf("sync session already closed")
	}

	if len(client) > 0 {
		client[0] = []any{0, 0, 0}
	}

	server, err := s.serverCounts()
	if err != nil {
		return nil, err
	}

	if countsEqual(client, server) {
		return &protocol.SanityCheckResponse{Status: "ok"}, nil
	}

	s.logger.Warn("sanity check mismatch", "client", client, "server", server)
	s.Abort()
	return &protocol.SanityCheckResponse{
		Status: "bad",
		Client: client,
		Server: server,
	}, nil
}

func (s *Session) serverCounts() (protocol.SanityCheckCounts, error) {
	counts := protocol.SanityCheckCounts{[]any{0, 0, 0}}
	for _, table := range []string{"cards", "notes", "revlog", "graves"} {
		n, err := s.tx.TableCount(table)
		if err != nil {
			return nil, err
		}
		counts = append(counts, n)
	}

	models, err := s.objectCount("notetypes", "models")
	if err != nil {
		return nil, err
	}
	decks, err := s.objectCount("decks", "decks")
	if err != nil {
		return nil, err
	}
	dconf, err := s.objectCount("deck_config", "dconf")
	if err != nil {
		return nil, err
	}
	return append(counts, models, decks, dconf), nil
}

// objectCount counts models, decks or deck configs: from the structured
// table when the schema has one, otherwise from the legacy JSON column.
func (s *Session) objectCount(table, column string) (int, error) {
	if _, ok := s.store.Snapshot()[table]; ok {
		return s.tx.TableCount(table)
	}
	doc, err := s.tx.ColText(column)
	if err != nil {
		return 0, err
	}
	container := map[string]json.RawMessage{}
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &container); err != nil {
			return 0, fmt.Errorf("corrupt %s column: %w", column, err)
		}
	}
	return len(container), nil
}

// countsEqual compares count lists with numeric tolerance for the mixed
// int/float values JSON decoding produces.
func countsEqual(a, b protocol.SanityCheckCounts) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	la, aIsList := asList(a)
	lb, bIsList := asList(b)
	if aIsList != bIsList {
		return false
	}
	if aIsList {
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !valueEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return asFloat(a) == asFloat(b)
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case protocol.SanityCheckCounts:
		return l, true
	}
	return nil, false
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return -1
	}
}
