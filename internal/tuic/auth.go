package tuic

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgebound/proxyd/internal/errs"
	"github.com/edgebound/proxyd/internal/logging"
)

// KeyMaterialExporter is satisfied by a TLS 1.3 connection state (Go's
// crypto/tls.ConnectionState, and quic-go's wrapper around it): it derives
// pseudo-random bytes bound to the session, a label, and a context, without
// transmitting secrets (spec §4.4, GLOSSARY "Keying-material exporter").
type KeyMaterialExporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

const (
	tokenLength        = 32
	failedAttemptsWindow = time.Hour
	maxFailedAttempts    = 5
)

// failedAttempts tracks consecutive authentication mismatches for one
// user id (spec §3 "Failed-attempts record").
type failedAttempts struct {
	count        int
	firstFailure time.Time
}

// AuthManager holds the TUIC user table and per-user failed-attempt
// counters, and verifies Authenticate commands (spec §4.4).
type AuthManager struct {
	mu       sync.Mutex
	users    map[[16]byte][]byte // user id -> password
	failures map[[16]byte]*failedAttempts
}

// NewAuthManager builds an AuthManager from a user id (UUID string) →
// password map, as loaded from configuration or a credential.Manager.
func NewAuthManager(users map[string]string) (*AuthManager, error) {
	m := &AuthManager{
		users:    make(map[[16]byte][]byte, len(users)),
		failures: make(map[[16]byte]*failedAttempts),
	}

	for idStr, password := range users {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", idStr, err)
		}
		m.users[id] = []byte(password)
	}

	return m, nil
}

// Authenticate runs spec §4.4's four steps: user lookup, rate-limit check,
// keying-material derivation, constant-time token comparison. It returns
// whether the client authenticated and the error kind driving a false
// result (nil on success).
func (m *AuthManager) Authenticate(cmd *Authenticate, exporter KeyMaterialExporter) (bool, error) {
	defer cmd.Zero()

	m.mu.Lock()
	password, known := m.users[cmd.UserID]
	m.mu.Unlock()
	if !known {
		return false, fmt.Errorf("%w: %x", errs.ErrUnknownUser, cmd.UserID)
	}

	if m.isRateLimited(cmd.UserID) {
		return false, fmt.Errorf("%w: user %x", errs.ErrRateLimited, cmd.UserID)
	}

	derived, err := exporter.ExportKeyingMaterial(string(cmd.UserID[:]), password, tokenLength)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrDeriveFailed, err)
	}

	if subtle.ConstantTimeCompare(derived, cmd.Token[:]) == 1 {
		m.clearFailures(cmd.UserID)
		return true, nil
	}

	m.recordFailure(cmd.UserID)
	return false, fmt.Errorf("%w: user %x", errs.ErrBadToken, cmd.UserID)
}

// isRateLimited reports whether userID currently has >= maxFailedAttempts
// recorded within the 1-hour window, without touching the record (a stale
// record outside the window is not rate-limited; it is reset on the next
// recordFailure call, matching spec §3/§4.4's "reset then recount").
func (m *AuthManager) isRateLimited(userID [16]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fa, ok := m.failures[userID]
	if !ok {
		return false
	}
	if time.Since(fa.firstFailure) > failedAttemptsWindow {
		return false
	}
	return fa.count >= maxFailedAttempts
}

func (m *AuthManager) recordFailure(userID [16]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fa, ok := m.failures[userID]
	if !ok || time.Since(fa.firstFailure) > failedAttemptsWindow {
		fa = &failedAttempts{count: 0, firstFailure: time.Now()}
		m.failures[userID] = fa
	}
	fa.count++

	logging.Warn("tuic authentication failed", "user_id", uuid.UUID(userID).String(), "attempt", fa.count)
}

func (m *AuthManager) clearFailures(userID [16]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, userID)
}
