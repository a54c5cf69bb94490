// Package auth provides the user credential store and the persistent sync
// session store.
package auth

import (
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// Sentinel errors
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// User is one account row. The flags drive the auth refusal messages
// clients show to the user.
type User struct {
	Username               string
	Unconfirmed            bool
	PasswordChangeRequired bool
}

// UserStore keeps accounts in a SQLite database with bcrypt-hashed
// passwords.
type UserStore struct {
	db *sql.DB
}

// OpenUserStore opens or creates the credential database at path.
func OpenUserStore(path string) (*UserStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open user db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		unconfirmed INTEGER NOT NULL DEFAULT 0,
		password_change_required INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create user schema: %w", err)
	}
	return &UserStore{db: db}, nil
}

// Close closes the database.
func (s *UserStore) Close() error {
	return s.db.Close()
}

// Add creates an account.
func (s *UserStore) Add(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO users (username, hash) VALUES (?, ?)`, username, string(hash))
	if err != nil {
		var exists int
		if s.db.QueryRow(`SELECT count(*) FROM users WHERE username = ?`, username).Scan(&exists) == nil && exists > 0 {
			return ErrUserExists
		}
		return fmt.Errorf("failed to add user: %w", err)
	}
	return nil
}

// Delete removes an account.
func (s *UserStore) Delete(username string) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetPassword replaces an account's password and clears the forced-change
// flag.
func (s *UserStore) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE users SET hash = ?, password_change_required = 0 WHERE username = ?`,
		string(hash), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// List returns all accounts sorted by name.
func (s *UserStore) List() ([]User, error) {
	rows, err := s.db.Query(
		`SELECT username, unconfirmed, password_change_required FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Username, &u.Unconfirmed, &u.PasswordChangeRequired); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Authenticate verifies credentials. Refusals carry the protocol
// classification that selects the message the client shows.
func (s *UserStore) Authenticate(username, password string) (*User, error) {
	var hash string
	var u User
	err := s.db.QueryRow(
		`SELECT username, hash, unconfirmed, password_change_required FROM users WHERE username = ?`,
		username).Scan(&u.Username, &hash, &u.Unconfirmed, &u.PasswordChangeRequired)
	if err == sql.ErrNoRows {
		return nil, protocol.Errorf(protocol.KindAuthFailed, "unknown user or wrong password")
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, protocol.Errorf(protocol.KindAuthFailed, "unknown user or wrong password")
	}
	if u.Unconfirmed {
		return nil, protocol.Errorf(protocol.KindAccountUnconfirmed, "account not yet confirmed")
	}
	if u.PasswordChangeRequired {
		return nil, protocol.Errorf(protocol.KindPasswordChangeRequired, "password change required")
	}
	return &u, nil
}
