package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists the user table as JSON, writing through a temp file
// and rename so a crash mid-write never corrupts the live file. Grounded
// on the teacher's credential.FileStore.
type FileStore struct {
	mu       sync.RWMutex
	filePath string
}

// NewFileStore opens (creating if absent) a JSON-backed user table at path.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	fs := &FileStore{filePath: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := fs.save(make(map[string]string)); err != nil {
			return nil, fmt.Errorf("create user file: %w", err)
		}
	}

	return fs, nil
}

func (fs *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(fs.filePath) // nolint:gosec // path fixed at construction
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	var passwords map[string]string
	if err := json.Unmarshal(data, &passwords); err != nil {
		return nil, err
	}
	if passwords == nil {
		passwords = make(map[string]string)
	}
	return passwords, nil
}

func (fs *FileStore) save(passwords map[string]string) error {
	data, err := json.MarshalIndent(passwords, "", "  ")
	if err != nil {
		return err
	}

	tmp := fs.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fs.filePath)
}

func (fs *FileStore) Set(userID, password string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	passwords, err := fs.load()
	if err != nil {
		return err
	}
	passwords[userID] = password
	return fs.save(passwords)
}

func (fs *FileStore) Get(userID string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	passwords, err := fs.load()
	if err != nil {
		return "", err
	}
	p, ok := passwords[userID]
	if !ok {
		return "", fmt.Errorf("no credentials for user %s", userID)
	}
	return p, nil
}

func (fs *FileStore) Delete(userID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	passwords, err := fs.load()
	if err != nil {
		return err
	}
	delete(passwords, userID)
	return fs.save(passwords)
}

func (fs *FileStore) List() (map[string]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.load()
}
