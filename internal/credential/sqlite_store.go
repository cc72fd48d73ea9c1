package credential

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SQLiteStore persists the user table in a SQLite database, for operators
// who want it to survive restarts without a separate JSON file. Generalized
// from the teacher's credential.DBStore (which stored groupID→passwordHash
// over a driver-agnostic database/sql handle) to this domain's
// userID→password shape, fixed to modernc.org/sqlite's pure-Go driver
// rather than the teacher's driver-agnostic DBConfig, since this repo has
// exactly one persistence backend to support.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed user table.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.createTable(); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (s *SQLiteStore) Set(userID, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE users SET password = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`, password, userID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.Exec(`INSERT INTO users (user_id, password) VALUES (?, ?)`, userID, password); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var password string
	err := s.db.QueryRow(`SELECT password FROM users WHERE user_id = ?`, userID).Scan(&password)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("no credentials for user %s", userID)
		}
		return "", fmt.Errorf("query user: %w", err)
	}
	return password, nil
}

func (s *SQLiteStore) Delete(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT user_id, password FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, pw string
		if err := rows.Scan(&id, &pw); err != nil {
			return nil, err
		}
		out[id] = pw
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
