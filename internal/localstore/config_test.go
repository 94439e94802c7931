package localstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Lifecycle(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, TypePebble, cfg.Type)
	assert.Equal(t, "localstore", cfg.Path)

	cfg.ResolvePaths("config", "/var/lib/medsync")
	assert.Equal(t, filepath.Join("/var/lib/medsync", "localstore"), cfg.Path)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_SQLiteDefaultPath(t *testing.T) {
	cfg := Config{Type: TypeSQLite}
	cfg.ApplyDefaults()
	assert.Equal(t, "localstore.db", cfg.Path)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MEDSYNC_LOCALSTORE_TYPE", "sqlite")
	t.Setenv("MEDSYNC_LOCALSTORE_PATH", "/tmp/x.db")
	t.Setenv("MEDSYNC_LOCALSTORE_PASSPHRASE", "pw")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, TypeSQLite, cfg.Type)
	assert.Equal(t, "/tmp/x.db", cfg.Path)
	assert.Equal(t, "pw", cfg.Passphrase)
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, (&Config{Type: "redis", Path: "x"}).Validate())
	assert.Error(t, (&Config{Type: TypePebble}).Validate())
	assert.NoError(t, (&Config{Type: TypeMemory}).Validate())
}

func TestOpen(t *testing.T) {
	st, err := Open(Config{Type: TypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)

	st, err = Open(Config{Type: TypeMemory, Passphrase: "pw"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SealedStore{}, st)

	st, err = Open(Config{Type: TypeSQLite, Path: filepath.Join(t.TempDir(), "kv.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, st)
	require.NoError(t, st.Close())

	_, err = Open(Config{Type: "bogus"}, nil)
	assert.Error(t, err)
}
