package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// syncedObject is the slice of a model/deck/config JSON object the merge
// rules need. The full object stays opaque.
type syncedObject struct {
	ID  json.Number `json:"id"`
	Mod int64       `json:"mod"`
	Usn int         `json:"usn"`
}

// ApplyChanges exchanges the non-chunked objects. The server's outgoing
// changes are collected before the client's are merged in, so freshly
// merged objects are not echoed straight back.
func (s *Session) ApplyChanges(remote *protocol.Changes) (*protocol.Changes, error) {
	if s.closed {
		return nil, fmt.Errorf("sync session already closed")
	}

	local, err := s.collectChanges()
	if err != nil {
		return nil, err
	}
	if err := s.mergeChanges(remote); err != nil {
		return nil, err
	}
	return local, nil
}

func (s *Session) collectChanges() (*protocol.Changes, error) {
	models, err := s.changedObjects("models")
	if err != nil {
		return nil, err
	}
	decks, err := s.changedObjects("decks")
	if err != nil {
		return nil, err
	}
	dconf, err := s.changedObjects("dconf")
	if err != nil {
		return nil, err
	}
	tags, err := s.changedTags()
	if err != nil {
		return nil, err
	}

	out := &protocol.Changes{
		Models: models,
		Decks:  []json.RawMessage{marshalList(decks), marshalList(dconf)},
		Tags:   tags,
	}

	if s.serverNewer {
		conf, err := s.tx.ColText("conf")
		if err != nil {
			return nil, err
		}
		out.Conf = json.RawMessage(conf)
		crt, err := s.tx.Crt()
		if err != nil {
			return nil, err
		}
		out.Crt = crt
	}
	return out, nil
}

// changedObjects returns the entries of a JSON container column whose usn
// reached minUsn, meaning they changed since the client last synced.
// Entries still carrying usn -1 never made it into any sync; they count as
// changed and are stamped to maxUsn before going out.
func (s *Session) changedObjects(column string) ([]json.RawMessage, error) {
	doc, err := s.tx.ColText(column)
	if err != nil {
		return nil, err
	}
	container := map[string]json.RawMessage{}
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &container); err != nil {
			return nil, fmt.Errorf("corrupt %s column: %w", column, err)
		}
	}

	var changed []json.RawMessage
	dirty := false
	for key, raw := range container {
		var obj syncedObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if obj.Usn == -1 {
			stamped, err := stampUsn(raw, s.maxUsn)
			if err != nil {
				return nil, fmt.Errorf("corrupt %s entry %s: %w", column, key, err)
			}
			container[key] = stamped
			dirty = true
			changed = append(changed, stamped)
			continue
		}
		if obj.Usn >= s.minUsn {
			changed = append(changed, raw)
		}
	}
	if dirty {
		out, err := json.Marshal(container)
		if err != nil {
			return nil, err
		}
		if err := s.tx.SetColText(column, string(out)); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

// stampUsn rewrites the usn field of an opaque JSON object.
func stampUsn(raw json.RawMessage, usn int) (json.RawMessage, error) {
	obj := map[string]any{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	obj["usn"] = usn
	return json.Marshal(obj)
}

func (s *Session) changedTags() ([]string, error) {
	doc, err := s.tx.ColText("tags")
	if err != nil {
		return nil, err
	}
	tags := map[string]int{}
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &tags); err != nil {
			return nil, fmt.Errorf("corrupt tags column: %w", err)
		}
	}

	var changed []string
	dirty := false
	for tag, usn := range tags {
		if usn == -1 {
			tags[tag] = s.maxUsn
			dirty = true
			changed = append(changed, tag)
			continue
		}
		if usn >= s.minUsn {
			changed = append(changed, tag)
		}
	}
	if dirty {
		out, err := json.Marshal(tags)
		if err != nil {
			return nil, err
		}
		if err := s.tx.SetColText("tags", string(out)); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func (s *Session) mergeChanges(remote *protocol.Changes) error {
	if remote == nil {
		return nil
	}
	if err := s.mergeObjects("models", remote.Models); err != nil {
		return err
	}
	if len(remote.Decks) > 0 {
		var decks []json.RawMessage
		if err := json.Unmarshal(remote.Decks[0], &decks); err != nil {
			return fmt.Errorf("malformed decks payload: %w", err)
		}
		if err := s.mergeObjects("decks", decks); err != nil {
			return err
		}
	}
	if len(remote.Decks) > 1 {
		var dconf []json.RawMessage
		if err := json.Unmarshal(remote.Decks[1], &dconf); err != nil {
			return fmt.Errorf("malformed deck config payload: %w", err)
		}
		if err := s.mergeObjects("dconf", dconf); err != nil {
			return err
		}
	}
	if err := s.mergeTags(remote.Tags); err != nil {
		return err
	}

	// conf and crt only travel from the newer side.
	if len(remote.Conf) > 0 {
		if err := s.tx.SetColText("conf", string(remote.Conf)); err != nil {
			return err
		}
	}
	if remote.Crt != 0 {
		if err := s.tx.SetCrt(remote.Crt); err != nil {
			return err
		}
	}
	return nil
}

// mergeObjects folds client objects into a JSON container column. An
// incoming object wins when the column has no entry for its id or the
// incoming modification time is strictly newer.
func (s *Session) mergeObjects(column string, incoming []json.RawMessage) error {
	if len(incoming) == 0 {
		return nil
	}

	doc, err := s.tx.ColText(column)
	if err != nil {
		return err
	}
	container := map[string]json.RawMessage{}
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &container); err != nil {
			return fmt.Errorf("corrupt %s column: %w", column, err)
		}
	}

	changed := false
	for _, raw := range incoming {
		var obj syncedObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			s.logger.Warn("skipping malformed synced object", "column", column, "error", err)
			continue
		}
		key := obj.ID.String()
		if existing, ok := container[key]; ok {
			var cur syncedObject
			if err := json.Unmarshal(existing, &cur); err == nil && cur.Mod >= obj.Mod {
				continue
			}
		}
		container[key] = raw
		changed = true
	}
	if !changed {
		return nil
	}

	out, err := json.Marshal(container)
	if err != nil {
		return err
	}
	return s.tx.SetColText(column, string(out))
}

func (s *Session) mergeTags(incoming []string) error {
	if len(incoming) == 0 {
		return nil
	}

	doc, err := s.tx.ColText("tags")
	if err != nil {
		return err
	}
	tags := map[string]int{}
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &tags); err != nil {
			return fmt.Errorf("corrupt tags column: %w", err)
		}
	}

	changed := false
	for _, tag := range incoming {
		if _, ok := tags[tag]; !ok {
			tags[tag] = s.maxUsn
			changed = true
		}
	}
	if !changed {
		return nil
	}

	out, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	return s.tx.SetColText("tags", string(out))
}

func marshalList(objs []json.RawMessage) json.RawMessage {
	if objs == nil {
		objs = []json.RawMessage{}
	}
	out, _ := json.Marshal(objs)
	return out
}
