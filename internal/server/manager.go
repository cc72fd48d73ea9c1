// Package server wires protocol listeners (TUIC, Trojan) into a single
// process lifecycle: init, start, and ordered graceful shutdown.
// Grounded on original_source's server/mod.rs::ServerManager, adapted
// from its Arc<Mutex<dyn Server>> map to a plain slice since this repo
// only ever runs the two protocols spec.md names.
package server

import (
	"fmt"

	"github.com/edgebound/proxyd/internal/config"
	"github.com/edgebound/proxyd/internal/logging"
	"github.com/edgebound/proxyd/internal/resolve"
)

// protocolServer is the lifecycle every protocol server implements.
type protocolServer interface {
	Init() error
	Start() error
	Stop() error
}

// Manager owns every enabled protocol server for the process's lifetime.
type Manager struct {
	servers []protocolServer
}

// NewManager builds the enabled protocol servers from cfg, sharing one
// resolver cache across all of them.
func NewManager(cfg *config.Config) (*Manager, error) {
	resolver := resolve.New(cfg.DNSCache.MaxEntries, cfg.DNSCache.TTL())

	m := &Manager{}

	if cfg.TUIC.Enabled {
		tuicSrv, err := NewTUICServer(cfg.TUIC, cfg.UDP, cfg.Credential, resolver)
		if err != nil {
			return nil, fmt.Errorf("server manager: %w", err)
		}
		m.servers = append(m.servers, tuicSrv)
	}

	if cfg.Trojan.Enabled {
		trojanSrv, err := NewTrojanServer(cfg.Trojan, cfg.Credential, resolver)
		if err != nil {
			return nil, fmt.Errorf("server manager: %w", err)
		}
		m.servers = append(m.servers, trojanSrv)
	}

	if len(m.servers) == 0 {
		return nil, fmt.Errorf("server manager: no protocol enabled")
	}

	return m, nil
}

// Start initializes and starts every server in order, stopping whatever
// already started if a later one fails.
func (m *Manager) Start() error {
	for i, srv := range m.servers {
		if err := srv.Init(); err != nil {
			m.stopFrom(i - 1)
			return fmt.Errorf("server manager: init server %d: %w", i, err)
		}
		if err := srv.Start(); err != nil {
			m.stopFrom(i - 1)
			return fmt.Errorf("server manager: start server %d: %w", i, err)
		}
	}
	logging.Info("server manager started", "server_count", len(m.servers))
	return nil
}

// Stop shuts every server down in reverse start order.
func (m *Manager) Stop() {
	logging.Info("server manager stopping", "server_count", len(m.servers))
	m.stopFrom(len(m.servers) - 1)
}

func (m *Manager) stopFrom(last int) {
	for i := last; i >= 0; i-- {
		if err := m.servers[i].Stop(); err != nil {
			logging.Error("server manager: error stopping server", "index", i, "err", err)
		}
	}
}
