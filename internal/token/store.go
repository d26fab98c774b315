package token

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known credential keys.
const (
	KeyAccessToken = "access_token"
	KeyUserID      = "user_id"
)

// Store is the sqlite-backed credential store for a profile. It holds the
// bearer token and the authenticated user id between runs.
type Store struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open credentials db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping credentials db: %w", err)
	}
	return &Store{db}, nil
}

// Get returns the value for key, or "" if the key is absent.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.QueryRow(`SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set inserts or replaces the value for key.
func (s *Store) Set(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := s.Exec(`
		INSERT INTO credentials (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	_, err := s.Exec(`DELETE FROM credentials WHERE key = ?`, key)
	return err
}
