package tuic

import (
	"context"
	"sync"
	"time"

	"github.com/edgebound/proxyd/internal/errs"
)

// DefaultGateTimeout is how long a non-Authenticate command waits for the
// gate before giving up (spec §4.7, §5).
const DefaultGateTimeout = 3 * time.Second

// Gate is a single-shot, multi-reader signal carrying a boolean outcome:
// every command task but Authenticate blocks on it, and Authenticate
// resolves it exactly once (spec §4.7 "OneShotNotifier"). Modeled on
// original_source's watch-channel notifier, using a channel close instead
// of a watch channel: closing a channel is itself a safe, happens-before
// multi-reader broadcast in Go, so a single bool plus sync.Once suffices.
type Gate struct {
	once   sync.Once
	done   chan struct{}
	result bool
}

// NewGate returns an unresolved gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Signal resolves the gate to v. Subsequent calls are no-ops (spec §4.7:
// "sets the state exactly once").
func (g *Gate) Signal(v bool) {
	g.once.Do(func() {
		g.result = v
		close(g.done)
	})
}

// Wait blocks until the gate resolves or ctx is done.
func (g *Gate) Wait(ctx context.Context) (bool, error) {
	select {
	case <-g.done:
		return g.result, nil
	case <-ctx.Done():
		return false, errs.ErrTimeout
	}
}

// WaitTimeout blocks until the gate resolves or d elapses, defaulting to
// DefaultGateTimeout when d <= 0.
func (g *Gate) WaitTimeout(d time.Duration) (bool, error) {
	if d <= 0 {
		d = DefaultGateTimeout
	}
	select {
	case <-g.done:
		return g.result, nil
	case <-time.After(d):
		return false, errs.ErrTimeout
	}
}
