package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
tuic:
  enabled: true
  listen_addr: "0.0.0.0:443"
  cert_path: "/tmp/cert.pem"
  key_path: "/tmp/key.pem"
  users:
    - uuid: "550e8400-e29b-41d4-a716-446655440000"
      password: "hunter2"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.UDP.SessionTimeoutSecs)
	assert.Equal(t, 30, cfg.UDP.CleanupIntervalSecs)
	assert.Equal(t, 2000, cfg.DNSCache.MaxEntries)
	assert.Equal(t, 300, cfg.DNSCache.TTLSecs)
	assert.Equal(t, "memory", cfg.Credential.Type)
}

func TestValidateRequiresAtLeastOneProtocol(t *testing.T) {
	path := writeTestConfig(t, "tuic:\n  enabled: false\ntrojan:\n  enabled: false\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRequiresCertForEnabledProtocol(t *testing.T) {
	path := writeTestConfig(t, `
trojan:
  enabled: true
  listen_addr: "0.0.0.0:443"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
