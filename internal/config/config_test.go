package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"beacon_addr": "127.0.0.1:5002"}`)
	require.NoError(t, Load(path))
	assert.Equal(t, uint16(DefaultPubsubPort), Global.PubsubPort)
	assert.Equal(t, uint16(DefaultDiscoveryPort), Global.DiscoveryPort)
	assert.Equal(t, "empty", Global.AttesterKind)
	assert.Equal(t, "bloom", Global.WitnesserKind)
}

func TestLoadRejectsMissingBeacon(t *testing.T) {
	path := writeTempConfig(t, `{"datadir": "/tmp/x"}`)
	err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownAttester(t *testing.T) {
	path := writeTempConfig(t, `{"beacon_addr": "127.0.0.1:5002", "attester": "bogus"}`)
	err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
