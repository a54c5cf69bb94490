package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

func newTestUserStore(t *testing.T) *UserStore {
	t.Helper()
	s, err := OpenUserStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := OpenSessionStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// ==================== User Store Tests ====================

func TestUserLifecycle(t *testing.T) {
	s := newTestUserStore(t)

	require.NoError(t, s.Add("alice", "hunter2"))
	require.ErrorIs(t, s.Add("alice", "other"), ErrUserExists)

	users, err := s.List()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)

	u, err := s.Authenticate("alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	require.NoError(t, s.Delete("alice"))
	require.ErrorIs(t, s.Delete("alice"), ErrUserNotFound)
}

func TestAuthenticateFailures(t *testing.T) {
	s := newTestUserStore(t)
	require.NoError(t, s.Add("alice", "hunter2"))

	_, err := s.Authenticate("alice", "wrong")
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.KindAuthFailed, pe.Kind)
	assert.Equal(t, "auth", pe.AuthMessage())

	_, err = s.Authenticate("nobody", "hunter2")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.KindAuthFailed, pe.Kind)
}

func TestAuthenticateAccountFlags(t *testing.T) {
	s := newTestUserStore(t)
	require.NoError(t, s.Add("alice", "hunter2"))

	_, err := s.db.Exec(`UPDATE users SET unconfirmed = 1 WHERE username = 'alice'`)
	require.NoError(t, err)
	_, err = s.Authenticate("alice", "hunter2")
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.KindAccountUnconfirmed, pe.Kind)
	assert.Equal(t, "account-unconfirmed", pe.AuthMessage())

	_, err = s.db.Exec(`UPDATE users SET unconfirmed = 0, password_change_required = 1 WHERE username = 'alice'`)
	require.NoError(t, err)
	_, err = s.Authenticate("alice", "hunter2")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "password-change-required", pe.AuthMessage())

	// SetPassword clears the forced-change flag.
	require.NoError(t, s.SetPassword("alice", "newpass"))
	_, err = s.Authenticate("alice", "newpass")
	require.NoError(t, err)
}

// ==================== Session Store Tests ====================

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.db")

	s, err := OpenSessionStore(path)
	require.NoError(t, err)

	sess, err := s.Create("alice")
	require.NoError(t, err)
	assert.Len(t, sess.HostKey, 32)

	require.NoError(t, s.SetSessionKey(sess.HostKey, "mediakey"))
	require.NoError(t, s.Close())

	// Sessions survive a restart.
	s, err = OpenSessionStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(sess.HostKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "mediakey", got.SessionKey)

	bySkey, err := s.GetBySessionKey("mediakey")
	require.NoError(t, err)
	assert.Equal(t, sess.HostKey, bySkey.HostKey)
}

func TestSessionReplacedOnNewLogin(t *testing.T) {
	s := newTestSessionStore(t)

	first, err := s.Create("alice")
	require.NoError(t, err)
	second, err := s.Create("alice")
	require.NoError(t, err)

	_, err = s.Get(first.HostKey)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Get(second.HostKey)
	require.NoError(t, err)
}

func TestSessionDeleteForUser(t *testing.T) {
	s := newTestSessionStore(t)

	a, err := s.Create("alice")
	require.NoError(t, err)
	b, err := s.Create("bob")
	require.NoError(t, err)

	require.NoError(t, s.DeleteForUser("alice"))
	_, err = s.Get(a.HostKey)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Get(b.HostKey)
	require.NoError(t, err)
}

func TestSessionNotFound(t *testing.T) {
	s := newTestSessionStore(t)
	_, err := s.Get("deadbeef")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.GetBySessionKey("")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
