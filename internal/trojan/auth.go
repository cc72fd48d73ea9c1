package trojan

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
)

// AuthManager verifies the hex(SHA-224(password)) hash that opens a
// Trojan request (spec §4.2). Hashes are precomputed at load time so
// Authenticate only needs a constant-time byte compare, matching the
// TUIC auth manager's shape (internal/tuic/auth.go).
//
// SHA-224 has no direct crypto/subtle-friendly constructor in the
// standard library's high-level API; it is available via
// crypto/sha256.Sum224, which is what this package uses.
type AuthManager struct {
	mu     sync.RWMutex
	hashes map[string]struct{} // hex(SHA-224(password)) -> present
}

// NewAuthManager builds an AuthManager from a set of plaintext passwords.
func NewAuthManager(passwords []string) *AuthManager {
	m := &AuthManager{hashes: make(map[string]struct{}, len(passwords))}
	for _, pw := range passwords {
		m.hashes[hashPassword(pw)] = struct{}{}
	}
	return m
}

func hashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Authenticate reports whether hashHex matches a known password hash,
// using a constant-time compare against every candidate so that whether,
// and which, entry matched does not leak through timing (the request's
// own hash is already fixed-length hex, so no allocation varies with a
// guess).
func (m *AuthManager) Authenticate(hashHex string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := []byte(hashHex)
	matched := false
	for known := range m.hashes {
		if subtle.ConstantTimeCompare(want, []byte(known)) == 1 {
			matched = true
		}
	}
	return matched
}
