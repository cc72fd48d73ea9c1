package tuic

import "sync"

// RuntimeContext is the per-connection shared state described in spec §3:
// the authentication gate and the concurrent assoc_id → UDP session map.
// It is owned by the connection processor; every stream task holds a
// shared pointer to it.
type RuntimeContext struct {
	Gate *Gate

	mu       sync.Mutex
	sessions map[uint16]*UDPSession
}

// NewRuntimeContext returns a fresh, unauthenticated context.
func NewRuntimeContext() *RuntimeContext {
	return &RuntimeContext{
		Gate:     NewGate(),
		sessions: make(map[uint16]*UDPSession),
	}
}

// SessionFor returns the existing session for assocID, creating one
// lazily if this is the first Packet seen for it (spec §3).
func (c *RuntimeContext) SessionFor(assocID uint16) *UDPSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[assocID]
	if !ok {
		s = NewUDPSession(assocID)
		c.sessions[assocID] = s
	}
	return s
}

// RemoveSession discards the session for assocID (spec §4.8 Dissociate
// handling).
func (c *RuntimeContext) RemoveSession(assocID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, assocID)
}
