package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "8080", cfg.Share.Port)
	assert.True(t, cfg.Cloud.AutoUpload)
	assert.True(t, cfg.Cloud.AutoSync.OwnDevices)
	assert.True(t, cfg.Cloud.AutoSync.Friends)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/tabletally
peer:
  relay_url: wss://relay.example.com
cloud:
  owner_id: owner-42
  auto_upload: false
  friends:
    - f1
    - f2
share:
  port: "9090"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tabletally", cfg.DataDir)
	assert.Equal(t, "wss://relay.example.com", cfg.Peer.RelayURL)
	assert.Equal(t, "owner-42", cfg.Cloud.OwnerID)
	assert.False(t, cfg.Cloud.AutoUpload)
	assert.Equal(t, []string{"f1", "f2"}, cfg.Cloud.Friends)
	assert.Equal(t, "9090", cfg.Share.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("share:\n  port: \"9090\"\n"), 0o600))

	t.Setenv("SHARE_PORT", "7070")
	t.Setenv("OWNER_ID", "owner-env")
	t.Setenv("AUTO_UPLOAD", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Share.Port)
	assert.Equal(t, "owner-env", cfg.Cloud.OwnerID)
	assert.False(t, cfg.Cloud.AutoUpload)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
