// Package config loads the YAML startup configuration for proxyd: listen
// addresses, TLS material, per-protocol user tables, and the tuning knobs
// named in the wire-format specification (UDP session lifetime, reassembly
// caps, DNS cache sizing).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/edgebound/proxyd/internal/logging"
)

// UserConfig is one entry of a protocol's user table: a UUID-form user id
// and its plaintext password, as supplied by the operator.
type UserConfig struct {
	UUID     string `yaml:"uuid"`
	Password string `yaml:"password"`
}

// TUICConfig configures the TUIC v5 listener.
type TUICConfig struct {
	Enabled    bool         `yaml:"enabled"`
	ListenAddr string       `yaml:"listen_addr"`
	CertPath   string       `yaml:"cert_path"`
	KeyPath    string       `yaml:"key_path"`
	Users      []UserConfig `yaml:"users"`
}

// TrojanConfig configures the Trojan-over-TLS listener.
type TrojanConfig struct {
	Enabled      bool         `yaml:"enabled"`
	ListenAddr   string       `yaml:"listen_addr"`
	CertPath     string       `yaml:"cert_path"`
	KeyPath      string       `yaml:"key_path"`
	Users        []UserConfig `yaml:"users"`
	FallbackAddr string       `yaml:"fallback_addr"`
}

// UDPConfig tunes the shared UDP session / reassembly subsystem.
type UDPConfig struct {
	SessionTimeoutSecs           int `yaml:"session_timeout_secs"`
	CleanupIntervalSecs          int `yaml:"cleanup_interval_secs"`
	MaxSessions                  int `yaml:"max_sessions"`                    // 0 = unbounded
	MaxReassemblyBytesPerSession int `yaml:"max_reassembly_bytes_per_session"` // 0 = unbounded
}

// DNSCacheConfig tunes the address-resolution memoization cache.
type DNSCacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSecs    int `yaml:"ttl_secs"`
}

// TTL returns the configured cache entry lifetime as a time.Duration.
func (c DNSCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// CredentialConfig selects and configures the credential store backing a
// protocol's user table (beyond the static YAML list), e.g. for operators
// who want persistence across restarts.
type CredentialConfig struct {
	Type      string `yaml:"type"` // memory, file, sqlite
	FilePath  string `yaml:"file_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Config is the top-level proxyd configuration document.
type Config struct {
	Log        logging.Config   `yaml:"log"`
	TUIC       TUICConfig       `yaml:"tuic"`
	Trojan     TrojanConfig     `yaml:"trojan"`
	UDP        UDPConfig        `yaml:"udp"`
	DNSCache   DNSCacheConfig   `yaml:"dns_cache"`
	Credential CredentialConfig `yaml:"credential"`
}

// Defaults applied when the YAML document is silent, matching the values
// named in the wire-format specification.
func (c *Config) setDefaults() {
	if c.UDP.SessionTimeoutSecs == 0 {
		c.UDP.SessionTimeoutSecs = 30
	}
	if c.UDP.CleanupIntervalSecs == 0 {
		c.UDP.CleanupIntervalSecs = 30
	}
	if c.DNSCache.MaxEntries == 0 {
		c.DNSCache.MaxEntries = 2000
	}
	if c.DNSCache.TTLSecs == 0 {
		c.DNSCache.TTLSecs = 300
	}
	if c.Credential.Type == "" {
		c.Credential.Type = "memory"
	}
}

// Validate checks cross-field invariants that yaml.Unmarshal cannot.
func (c *Config) Validate() error {
	if !c.TUIC.Enabled && !c.Trojan.Enabled {
		return fmt.Errorf("at least one of tuic or trojan must be enabled")
	}
	if c.TUIC.Enabled {
		if c.TUIC.ListenAddr == "" {
			return fmt.Errorf("tuic.listen_addr cannot be empty when tuic is enabled")
		}
		if c.TUIC.CertPath == "" || c.TUIC.KeyPath == "" {
			return fmt.Errorf("tuic.cert_path and tuic.key_path are required when tuic is enabled")
		}
	}
	if c.Trojan.Enabled {
		if c.Trojan.ListenAddr == "" {
			return fmt.Errorf("trojan.listen_addr cannot be empty when trojan is enabled")
		}
		if c.Trojan.CertPath == "" || c.Trojan.KeyPath == "" {
			return fmt.Errorf("trojan.cert_path and trojan.key_path are required when trojan is enabled")
		}
	}
	return nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // nolint:gosec // path is operator-supplied via flag
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
