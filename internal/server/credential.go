package server

import (
	"fmt"

	"github.com/edgebound/proxyd/internal/config"
	"github.com/edgebound/proxyd/internal/credential"
)

// loadUserTable builds a credential.Manager from cfg (defaulting to an
// in-memory store per credential.NewManager), seeds it with the protocol's
// statically configured users, and returns the full resulting user id →
// password table via Manager.All — the seed-at-startup use its doc comment
// describes. File/SQLite paths are prefixed per protocol so TUIC and Trojan
// never share one persisted table when both are enabled.
func loadUserTable(cfg config.CredentialConfig, protocol string, staticUsers []config.UserConfig) (map[string]string, error) {
	credCfg := &credential.Config{
		Type:       credential.Type(cfg.Type),
		FilePath:   perProtocolPath(cfg.FilePath, "users.json", protocol),
		SQLitePath: perProtocolPath(cfg.SQLitePath, "users.db", protocol),
	}

	mgr, err := credential.NewManager(credCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: load credential store: %w", protocol, err)
	}

	for _, u := range staticUsers {
		if err := mgr.Register(u.UUID, u.Password); err != nil {
			return nil, fmt.Errorf("%s: register configured user %q: %w", protocol, u.UUID, err)
		}
	}

	users, err := mgr.All()
	if err != nil {
		return nil, fmt.Errorf("%s: list credential store: %w", protocol, err)
	}
	return users, nil
}

// perProtocolPath namespaces a configured store path per protocol so the
// TUIC and Trojan servers never collide when both persist to the same
// backend kind. An empty path is first replaced by defaultPath (the same
// default credential.NewManager uses), so the default file is namespaced
// too.
func perProtocolPath(path, defaultPath, protocol string) string {
	if path == "" {
		path = defaultPath
	}
	return protocol + "-" + path
}
