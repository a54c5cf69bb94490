package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/cardsyncd/internal/auth"
	"github.com/kilupskalvis/cardsyncd/internal/collection"
	"github.com/kilupskalvis/cardsyncd/internal/config"
	"github.com/kilupskalvis/cardsyncd/internal/media"
	"github.com/kilupskalvis/cardsyncd/internal/protocol"
	"github.com/kilupskalvis/cardsyncd/internal/syncer"
)

// Server wires the sync endpoints to the per-user stores.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	users    *auth.UserStore
	sessions *auth.SessionStore
	registry *collection.Registry
	queue    *syncer.UserQueue

	mu     sync.Mutex
	active map[string]*activeSync

	mediaMu sync.Mutex
	media   map[string]*media.Manager
}

// activeSync is the in-flight incremental sync for one user. A user has at
// most one; a new start displaces the old session.
type activeSync struct {
	hostKey string
	sess    *syncer.Session
}

// New creates a Server over already-open stores.
func New(cfg *config.Config, users *auth.UserStore, sessions *auth.SessionStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		users:    users,
		sessions: sessions,
		registry: collection.NewRegistry(logger),
		queue:    syncer.NewUserQueue(time.Duration(cfg.SessionTimeoutSecs) * time.Second),
		active:   make(map[string]*activeSync),
		media:    make(map[string]*media.Manager),
	}
}

// Handler builds the HTTP handler with all routes and middleware. The
// returned cleanup stops background goroutines and closes cached handles;
// call it on shutdown.
func (s *Server) Handler() (http.Handler, func()) {
	rl := newRateLimiter(s.cfg.RequestsPerMinute)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("POST /sync/hostKey", rl.middleware(http.HandlerFunc(s.handleHostKey)))
	mux.Handle("POST /sync/meta", rl.middleware(http.HandlerFunc(s.handleMeta)))
	mux.Handle("POST /sync/start", rl.middleware(http.HandlerFunc(s.handleStart)))
	mux.Handle("POST /sync/applyGraves", rl.middleware(http.HandlerFunc(s.handleApplyGraves)))
	mux.Handle("POST /sync/applyChanges", rl.middleware(http.HandlerFunc(s.handleApplyChanges)))
	mux.Handle("POST /sync/chunk", rl.middleware(http.HandlerFunc(s.handleChunk)))
	mux.Handle("POST /sync/applyChunk", rl.middleware(http.HandlerFunc(s.handleApplyChunk)))
	mux.Handle("POST /sync/sanityCheck2", rl.middleware(http.HandlerFunc(s.handleSanityCheck2)))
	mux.Handle("POST /sync/finish", rl.middleware(http.HandlerFunc(s.handleFinish)))
	mux.Handle("POST /sync/abort", rl.middleware(http.HandlerFunc(s.handleAbort)))
	mux.Handle("POST /sync/upload", rl.middleware(http.HandlerFunc(s.handleUpload)))
	mux.Handle("POST /sync/download", rl.middleware(http.HandlerFunc(s.handleDownload)))

	mux.Handle("POST /msync/begin", rl.middleware(http.HandlerFunc(s.handleMediaBegin)))
	mux.Handle("POST /msync/mediaChanges", rl.middleware(http.HandlerFunc(s.handleMediaChanges)))
	mux.Handle("POST /msync/uploadChanges", rl.middleware(http.HandlerFunc(s.handleMediaUpload)))
	mux.Handle("POST /msync/downloadFiles", rl.middleware(http.HandlerFunc(s.handleMediaDownload)))
	mux.Handle("POST /msync/mediaSanity", rl.middleware(http.HandlerFunc(s.handleMediaSanity)))

	handler := applyMiddleware(mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
		s.abortAll()
		s.closeMedia()
		s.registry.CloseAll()
	}
	return handler, cleanup
}

func (s *Server) abortAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, a := range s.active {
		a.sess.Abort()
		delete(s.active, user)
	}
}

func (s *Server) closeMedia() {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	for user, m := range s.media {
		if err := m.Close(); err != nil {
			s.logger.Warn("closing media manager", "user", user, "error", err)
		}
		delete(s.media, user)
	}
}

// sessionFor resolves the authenticated session for a collection request.
func (s *Server) sessionFor(req *request) (*auth.Session, error) {
	if req.env.HostKey == "" {
		return nil, protocol.Errorf(protocol.KindAuthFailed, "missing host key")
	}
	sess, err := s.sessions.Get(req.env.HostKey)
	if err != nil {
		return nil, protocol.Errorf(protocol.KindAuthFailed, "unknown host key")
	}
	return sess, nil
}

func (s *Server) openCollection(username string) (*collection.Store, error) {
	return s.registry.Open(s.cfg.CollectionPath(username))
}

func (s *Server) mediaFor(username string) (*media.Manager, error) {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	if m, ok := s.media[username]; ok {
		return m, nil
	}
	m, err := media.NewManager(
		s.cfg.MediaDirPath(username),
		s.cfg.MediaDBPath(username),
		s.cfg.MaxMediaFileBytes,
		s.logger,
	)
	if err != nil {
		return nil, err
	}
	s.media[username] = m
	return m, nil
}

// activeFor returns the user's in-flight session, checking it belongs to
// the presented host key.
func (s *Server) activeFor(username, hostKey string) (*syncer.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[username]
	if !ok || a.sess.Closed() {
		return nil, protocol.Errorf(protocol.KindBadRequest, "no sync in progress")
	}
	if a.hostKey != hostKey {
		return nil, protocol.Errorf(protocol.KindBadRequest, "sync owned by another device")
	}
	return a.sess, nil
}

func (s *Server) setActive(username, hostKey string, sess *syncer.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.active[username]; ok {
		old.sess.Abort()
	}
	s.active[username] = &activeSync{hostKey: hostKey, sess: sess}
}

func (s *Server) clearActive(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, username)
}

// ==================== Auth ====================

func (s *Server) handleHostKey(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(r, s.cfg.MaxPayloadBytes)
	if err != nil {
		writeError(w, err)
		return
	}

	var creds protocol.HostKeyRequest
	if err := parseJSONBody(req, &creds); err != nil {
		writeError(w, err)
		return
	}
	// Oldest clients post credentials as form fields.
	if creds.Username == "" {
		creds.Username = r.FormValue("u")
		creds.Password = r.FormValue("p")
	}

	user, err := s.users.Authenticate(creds.Username, creds.Password)
	if err != nil {
		s.logger.Warn("authentication failed", "user", creds.Username)
		writeError(w, err)
		return
	}

	sess, err := s.sessions.Create(user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("host key issued", "user", user.Username)
	writeJSONBody(w, req, protocol.HostKeyResponse{Key: sess.HostKey})
}

// ==================== Collection Sync ====================

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
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

	version := req.env.Version
	clientStr := req.env.Client
	if version == 0 {
		// Legacy clients carry version and client string in the body.
		var legacy struct {
			V  int    `json:"v"`
			Cv string `json:"cv"`
		}
		if err := parseJSONBody(req, &legacy); err != nil {
			writeError(w, err)
			return
		}
		version = legacy.V
		clientStr = legacy.Cv
	}

	if err := protocol.NegotiateVersion(version); err != nil {
		writeError(w, err)
		return
	}
	if protocol.ParseClient(clientStr).Obsolete() {
		writeError(w, protocol.Errorf(protocol.KindObsoleteClient,
			"client is too old, please upgrade"))
		return
	}

	var meta *protocol.Meta
	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		store, err := s.openCollection(sess.Username)
		if err != nil {
			return err
		}
		if v := protocol.MinVersionForGeneration(int(store.Generation())); version < v {
			return protocol.Errorf(protocol.KindProtocolMismatch,
				"collection requires sync version %d", v)
		}
		mgr, err := s.mediaFor(sess.Username)
		if err != nil {
			return err
		}
		musn, err := mgr.LastUsn()
		if err != nil {
			return err
		}
		meta, err = syncer.BuildMeta(syncer.MetaInput{
			Store:              store,
			MediaUsn:           musn,
			Version:            version,
			Username:           sess.Username,
			MaxCollectionBytes: s.cfg.MaxCollectionBytes,
		})
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBody(w, req, meta)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
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

	var startReq protocol.StartRequest
	if err := parseJSONBody(req, &startReq); err != nil {
		writeError(w, err)
		return
	}

	var graves *protocol.Graves
	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		store, err := s.openCollection(sess.Username)
		if err != nil {
			return err
		}
		syncSess, g, err := syncer.Start(store, &startReq, s.cfg.CollectionChunkRows, s.logger)
		if err != nil {
			return err
		}
		s.setActive(sess.Username, sess.HostKey, syncSess)
		graves = g
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBody(w, req, graves)
}

// withSession runs fn against the user's in-flight session under the user
// queue, aborting the session on failure.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(req *request, sync *syncer.Session) (any, error)) {
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

	var result any
	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		syncSess, err := s.activeFor(sess.Username, sess.HostKey)
		if err != nil {
			return err
		}
		result, err = fn(req, syncSess)
		if err != nil {
			syncSess.Abort()
			s.clearActive(sess.Username)
		}
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBody(w, req, result)
}

func (s *Server) handleApplyGraves(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(req *request, sync *syncer.Session) (any, error) {
		var gr protocol.ApplyGravesRequest
		if err := parseJSONBody(req, &gr); err != nil {
			return nil, err
		}
		return nil, sync.ApplyGraves(&gr.Chunk)
	})
}

func (s *Server) handleApplyChanges(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(req *request, sync *syncer.Session) (any, error) {
		var cr protocol.ApplyChangesRequest
		if err := parseJSONBody(req, &cr); err != nil {
			return nil, err
		}
		return sync.ApplyChanges(&cr.Changes)
	})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(req *request, sync *syncer.Session) (any, error) {
		return sync.Chunk()
	})
}

func (s *Server) handleApplyChunk(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(req *request, sync *syncer.Session) (any, error) {
		var cr protocol.ApplyChunkRequest
		if err := parseJSONBody(req, &cr); err != nil {
			return nil, err
		}
		return nil, sync.ApplyChunk(&cr.Chunk)
	})
}

func (s *Server) handleSanityCheck2(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(req *request, sync *syncer.Session) (any, error) {
		var sr protocol.SanityCheckRequest
		if err := parseJSONBody(req, &sr); err != nil {
			return nil, err
		}
		resp, err := sync.SanityCheck2(sr.Client)
		if err != nil {
			return nil, err
		}
		if resp.Status != "ok" {
			// The session is already rolled back; drop the handle.
			s.clearActiveIfClosed()
		}
		return resp, nil
	})
}

func (s *Server) clearActiveIfClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, a := range s.active {
		if a.sess.Closed() {
			delete(s.active, user)
		}
	}
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
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

	var mod int64
	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		syncSess, err := s.activeFor(sess.Username, sess.HostKey)
		if err != nil {
			return err
		}
		mod, err = syncSess.Finish()
		s.clearActive(sess.Username)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("sync finished", "user", sess.Username)
	writeJSONBody(w, req, mod)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
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

	err = s.queue.Execute(r.Context(), sess.Username, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if a, ok := s.active[sess.Username]; ok && a.hostKey == sess.HostKey {
			a.sess.Abort()
			delete(s.active, sess.Username)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONBody(w, req, nil)
}
