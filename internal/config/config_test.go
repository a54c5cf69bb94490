package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardsyncd.toml")

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, ":27701", cfg.ListenAddr)

	// A second init must not clobber an existing file.
	_, err = Initialize(path)
	assert.Error(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ListenAddr, loaded.ListenAddr)
	assert.Equal(t, cfg.MaxPayloadBytes, loaded.MaxPayloadBytes)
}

func TestLoadFillsMissingLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardsyncd.toml")
	partial := []byte("listen_addr = \"0.0.0.0:9000\"\ndata_root = \"/srv/anki\"\n")
	require.NoError(t, os.WriteFile(path, partial, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "/srv/anki", cfg.DataRoot)
	assert.Equal(t, Default().CollectionChunkRows, cfg.CollectionChunkRows)
	assert.Equal(t, Default().DownloadBatchFiles, cfg.DownloadBatchFiles)
	assert.Equal(t, Default().SessionTimeoutSecs, cfg.SessionTimeoutSecs)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.toml")

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardsyncd.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr = [broken"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestUserPaths(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = "/data"

	assert.Equal(t, filepath.Join("/data", "alice"), cfg.UserDir("alice"))
	assert.Equal(t, filepath.Join("/data", "alice", "collection.anki2"), cfg.CollectionPath("alice"))
	assert.Equal(t, filepath.Join("/data", "alice", "collection.media"), cfg.MediaDirPath("alice"))
	assert.Equal(t, filepath.Join("/data", "alice", "collection.media.server.db"), cfg.MediaDBPath("alice"))
	assert.Equal(t, filepath.Join("/data", "auth.db"), cfg.UsersDBPath())
	assert.Equal(t, filepath.Join("/data", "session.db"), cfg.SessionDBPath())
}
