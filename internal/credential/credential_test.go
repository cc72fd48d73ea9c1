package credential

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerAcrossBackends(t *testing.T) {
	t.Run("MemoryStore", func(t *testing.T) {
		mgr, err := NewManager(&Config{Type: Memory})
		require.NoError(t, err)
		testManagerOperations(t, mgr)
	})

	t.Run("FileStore", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "users.json")
		mgr, err := NewManager(&Config{Type: File, FilePath: path})
		require.NoError(t, err)
		testManagerOperations(t, mgr)
	})

	t.Run("SQLiteStore", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "users.db")
		mgr, err := NewManager(&Config{Type: SQLite, SQLitePath: path})
		require.NoError(t, err)
		testManagerOperations(t, mgr)
	})

	t.Run("DefaultsToMemory", func(t *testing.T) {
		mgr, err := NewManager(nil)
		require.NoError(t, err)
		testManagerOperations(t, mgr)
	})
}

func testManagerOperations(t *testing.T, mgr *Manager) {
	t.Helper()

	require.NoError(t, mgr.Register("user-1", "secretpass"))

	pw, err := mgr.Lookup("user-1")
	require.NoError(t, err)
	assert.Equal(t, "secretpass", pw)

	// Re-registering updates rather than duplicates the entry.
	require.NoError(t, mgr.Register("user-1", "newpass"))
	pw, err = mgr.Lookup("user-1")
	require.NoError(t, err)
	assert.Equal(t, "newpass", pw)

	all, err := mgr.All()
	require.NoError(t, err)
	assert.Contains(t, all, "user-1")

	require.NoError(t, mgr.Remove("user-1"))
	_, err = mgr.Lookup("user-1")
	assert.Error(t, err)
}

func TestManagerRejectsEmptyFields(t *testing.T) {
	mgr, err := NewManager(&Config{Type: Memory})
	require.NoError(t, err)

	assert.Error(t, mgr.Register("", "pass"))
	assert.Error(t, mgr.Register("user", ""))
}
