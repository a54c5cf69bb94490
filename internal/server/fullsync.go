package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// handleUpload receives a full collection file and replaces the server copy.
// The body is the raw sqlite file, zstd-framed for direct-post clients.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(r, s.cfg.MaxPayloadBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionFor(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if int64(len(req.body)) > s.cfg.MaxCollectionBytes {
		writeError(w, protocol.Errorf(protocol.KindBadRequest,
			"collection exceeds %d bytes", s.cfg.MaxCollectionBytes))
		return
	}

	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		// An upload invalidates any incremental sync in flight.
		s.mu.Lock()
		if a, ok := s.active[sess.Username]; ok {
			a.sess.Abort()
			delete(s.active, sess.Username)
		}
		s.mu.Unlock()

		target := s.cfg.CollectionPath(sess.Username)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating user directory: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
		if err != nil {
			return fmt.Errorf("creating temp file: %w", err)
		}
		tmpName := tmp.Name()
		defer os.Remove(tmpName)

		if _, err := tmp.Write(req.body); err != nil {
			tmp.Close()
			return fmt.Errorf("writing upload: %w", err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("syncing upload: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("closing upload: %w", err)
		}

		return s.registry.Replace(target, tmpName)
	})
	if err != nil {
		s.logger.Warn("collection upload rejected", "user", sess.Username, "error", err)
		// Clients display any body other than "OK" verbatim as the failure
		// reason, so the reply stays a 200 with the message as text.
		writeBytes(w, req, "text/plain", []byte(err.Error()))
		return
	}
	s.logger.Info("collection uploaded", "user", sess.Username, "bytes", len(req.body))
	writeBytes(w, req, "text/plain", []byte("OK"))
}

// handleDownload streams the server collection to the client.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(r, s.cfg.MaxPayloadBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessionFor(req)
	if err != nil {
		writeError(w, err)
		return
	}

	var data []byte
	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		store, err := s.openCollection(sess.Username)
		if err != nil {
			return err
		}
		// Flush the WAL so the main file carries every committed write.
		if err := store.Checkpoint(); err != nil {
			return err
		}
		data, err = os.ReadFile(store.Path())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("collection downloaded", "user", sess.Username, "bytes", len(data))
	writeBytes(w, req, "application/octet-stream", data)
}
