package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrSessionNotFound is returned for unknown or expired host keys.
var ErrSessionNotFound = errors.New("session not found")

var bucketSessions = []byte("sessions")

// Session ties a host key to a user. It survives server restarts so
// clients do not have to re-enter credentials after a redeploy.
type Session struct {
	HostKey    string    `json:"host_key"`
	Username   string    `json:"username"`
	SessionKey string    `json:"session_key"` // short-lived media session key
	Created    time.Time `json:"created"`
}

// SessionStore persists sessions in a bbolt database.
type SessionStore struct {
	db *bolt.DB
}

// OpenSessionStore opens or creates the session database at path.
func OpenSessionStore(path string) (*SessionStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session bucket: %w", err)
	}
	return &SessionStore{db: db}, nil
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Create registers a new session for username and returns it. Any previous
// session for the same user is replaced so stale host keys stop working.
func (s *SessionStore) Create(username string) (*Session, error) {
	sess := &Session{
		HostKey:  NewKey(),
		Username: username,
		Created:  time.Now(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var old Session
			if json.Unmarshal(v, &old) == nil && old.Username == username {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sess.HostKey), data)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get looks a session up by host key.
func (s *SessionStore) Get(hostKey string) (*Session, error) {
	var sess Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(hostKey))
		if data == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetBySessionKey looks a session up by its media session key.
func (s *SessionStore) GetBySessionKey(skey string) (*Session, error) {
	var found *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if json.Unmarshal(v, &sess) == nil && sess.SessionKey == skey && skey != "" {
				found = &sess
				return nil
			}
		}
		return ErrSessionNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// SetSessionKey stores a fresh media session key on an existing session.
func (s *SessionStore) SetSessionKey(hostKey, skey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(hostKey))
		if data == nil {
			return ErrSessionNotFound
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		sess.SessionKey = skey
		out, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(hostKey), out)
	})
}

// DeleteForUser drops every session belonging to username.
func (s *SessionStore) DeleteForUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess Session
			if json.Unmarshal(v, &sess) == nil && sess.Username == username {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// NewKey returns a fresh random 128-bit key in hex.
func NewKey() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
