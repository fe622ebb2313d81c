package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.Equal(t, 8100, cfg.Server.Port)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadsYAMLDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
api_provider:
  P1:
    base_url: "https://p1.example"
    limits: { rpm: 5 }
model_config:
  A:
    P1: { enable: true }
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Contains(t, cfg.Gateway.APIProvider, "P1")
	require.Equal(t, []string{"A"}, cfg.Gateway.ModelOrder)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_SERVER_PORT", "7000")
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Server.Port)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	require.NoError(t, err)
	require.Equal(t, 8100, cfg.Server.Port)
}

func TestConfig_Validate_RejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())
}
