package collection

import (
	"encoding/json"
	"fmt"
)

// removeJSONKey drops the entry for id from a JSON object column keyed by
// stringified IDs, as the legacy decks and models columns are.
func removeJSONKey(doc string, id int64) (string, bool) {
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return doc, false
	}
	key := fmt.Sprintf("%d", id)
	if _, ok := m[key]; !ok {
		return doc, false
	}
	delete(m, key)
	out, err := json.Marshal(m)
	if err != nil {
		return doc, false
	}
	return string(out), true
}
