package server

import (
	"net/http"

	"github.com/kilupskalvis/cardsyncd/internal/auth"
	"github.com/kilupskalvis/cardsyncd/internal/media"
	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// mediaSessionFor resolves the session for a media request. Begin
// authenticates by host key; the remaining operations present the media
// session key issued by begin, except direct-post clients which keep
// sending the host key.
func (s *Server) mediaSessionFor(req *request) (*auth.Session, error) {
	if req.env.SessionKey != "" {
		sess, err := s.sessions.GetBySessionKey(req.env.SessionKey)
		if err == nil {
			return sess, nil
		}
	}
	return s.sessionFor(req)
}

func (s *Server) handleMediaBegin(w http.ResponseWriter, r *http.Request) {
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

	var begin protocol.MediaBegin
	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		mgr, err := s.mediaFor(sess.Username)
		if err != nil {
			return err
		}
		usn, err := mgr.LastUsn()
		if err != nil {
			return err
		}
		skey := auth.NewKey()
		if err := s.sessions.SetSessionKey(sess.HostKey, skey); err != nil {
			return err
		}
		begin = protocol.MediaBegin{SessionKey: skey, Usn: usn}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBody(w, req, protocol.MediaEnvelope{Data: begin})
}

// withMedia resolves the media session and runs fn under the user queue.
func (s *Server) withMedia(w http.ResponseWriter, r *http.Request, fn func(req *request, username string, mgr *media.Manager) (any, error)) {
	req, err := readRequest(r, s.cfg.MaxPayloadBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.mediaSessionFor(req)
	if err != nil {
		writeError(w, err)
		return
	}

	var result any
	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		mgr, err := s.mediaFor(sess.Username)
		if err != nil {
			return err
		}
		result, err = fn(req, sess.Username, mgr)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if raw, ok := result.([]byte); ok {
		writeBytes(w, req, "application/octet-stream", raw)
		return
	}
	writeJSONBody(w, req, protocol.MediaEnvelope{Data: result})
}

func (s *Server) handleMediaChanges(w http.ResponseWriter, r *http.Request) {
	s.withMedia(w, r, func(req *request, _ string, mgr *media.Manager) (any, error) {
		var cr protocol.MediaChangesRequest
		if err := parseJSONBody(req, &cr); err != nil {
			return nil, err
		}
		changes, err := mgr.Changes(cr.LastUsn, s.cfg.ChangesBatchEntries)
		if err != nil {
			return nil, err
		}
		if changes == nil {
			changes = []protocol.MediaChange{}
		}
		return changes, nil
	})
}

func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	s.withMedia(w, r, func(req *request, username string, mgr *media.Manager) (any, error) {
		processed, lastUsn, err := mgr.ApplyUpload(req.body)
		if err != nil {
			return nil, err
		}
		s.logger.Info("media uploaded", "user", username, "processed", processed, "usn", lastUsn)
		return []int64{int64(processed), int64(lastUsn)}, nil
	})
}

func (s *Server) handleMediaDownload(w http.ResponseWriter, r *http.Request) {
	s.withMedia(w, r, func(req *request, _ string, mgr *media.Manager) (any, error) {
		var dr protocol.DownloadFilesRequest
		if err := parseJSONBody(req, &dr); err != nil {
			return nil, err
		}
		zip, err := mgr.BuildDownload(dr.Files, s.cfg.DownloadBatchFiles, s.cfg.DownloadBatchBytes)
		if err != nil {
			return nil, err
		}
		return zip, nil
	})
}

func (s *Server) handleMediaSanity(w http.ResponseWriter, r *http.Request) {
	s.withMedia(w, r, func(req *request, username string, mgr *media.Manager) (any, error) {
		var sr protocol.MediaSanityRequest
		if err := parseJSONBody(req, &sr); err != nil {
			return nil, err
		}
		ok, err := mgr.Sanity(sr.Local)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Warn("media sanity mismatch", "user", username, "client_count", sr.Local)
			return "FAILED", nil
		}
		return "OK", nil
	})
}
