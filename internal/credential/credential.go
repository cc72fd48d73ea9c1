// Package credential manages the per-protocol user table: user id (the
// UUID string a user is configured with) to password. Unlike the
// teacher's groupID→passwordHash credential store, the token derivation in
// spec §4.4 needs the plaintext password as TLS exporter context, so this
// store holds passwords, not hashes; hashing (Trojan's SHA-224) happens at
// the call site that needs a hash, not in the store.
package credential

import "fmt"

// Store is a pluggable backing for the user table. Implementations must be
// safe for concurrent use.
type Store interface {
	Set(userID string, password string) error
	Get(userID string) (string, error)
	Delete(userID string) error
	List() (map[string]string, error)
}

// Type selects a Store implementation.
type Type string

const (
	Memory Type = "memory"
	File   Type = "file"
	SQLite Type = "sqlite"
)

// Config configures the Manager's backing store.
type Config struct {
	Type       Type
	FilePath   string
	SQLitePath string
}

// Manager is the entry point callers use: register, look up or remove a
// user's password without caring which Store backs it.
type Manager struct {
	store Store
}

// NewManager builds a Manager from cfg, defaulting to an in-memory store.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = &Config{Type: Memory}
	}

	var store Store
	var err error

	switch cfg.Type {
	case "", Memory:
		store = NewMemoryStore()
	case File:
		path := cfg.FilePath
		if path == "" {
			path = "users.json"
		}
		store, err = NewFileStore(path)
	case SQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "users.db"
		}
		store, err = NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported credential store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	return &Manager{store: store}, nil
}

// Register adds or replaces a user's password.
func (m *Manager) Register(userID, password string) error {
	if userID == "" || password == "" {
		return fmt.Errorf("user id and password cannot be empty")
	}
	return m.store.Set(userID, password)
}

// Lookup returns the password for userID, or an error if unknown.
func (m *Manager) Lookup(userID string) (string, error) {
	return m.store.Get(userID)
}

// Remove deletes a user's entry.
func (m *Manager) Remove(userID string) error {
	return m.store.Delete(userID)
}

// All returns every user id → password pair currently stored, used to
// seed an in-memory auth manager at startup.
func (m *Manager) All() (map[string]string, error) {
	return m.store.List()
}
