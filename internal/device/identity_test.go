package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIdentityGeneratesOnce(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadIdentity(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	require.NoError(t, err)

	second, err := LoadIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadIdentityCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	id, err := LoadIdentity(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	data, err := os.ReadFile(filepath.Join(dir, "device_id"))
	require.NoError(t, err)
	assert.Contains(t, string(data), id)
}

func TestLoadIdentityRegeneratesWhenFileEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device_id"), []byte("  \n"), 0o600))

	id, err := LoadIdentity(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
}
