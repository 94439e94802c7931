package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medislot/medsync/internal/remote/memory"
	"github.com/medislot/medsync/internal/remote/rest"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, TypeMongo, cfg.Type)
	assert.Equal(t, 500, cfg.MaxBatchSize)
	assert.Equal(t, "documents", cfg.Mongo.Collection)
	assert.Equal(t, 5*time.Second, cfg.REST.PollInterval)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MEDSYNC_REMOTE_TYPE", "rest")
	t.Setenv("MEDSYNC_REMOTE_URL", "http://api.local")
	t.Setenv("MONGO_URI", "mongodb://db:27017")
	t.Setenv("DB_NAME", "clinic")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, TypeREST, cfg.Type)
	assert.Equal(t, "http://api.local", cfg.REST.BaseURL)
	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.Equal(t, "clinic", cfg.Mongo.DatabaseName)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = "firebase"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Type = TypeREST
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxBatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	st, err := NewStore(ctx, Config{Type: TypeMemory, MaxBatchSize: 10}, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
	assert.Equal(t, 10, st.MaxBatchSize())

	st, err = NewStore(ctx, Config{Type: TypeREST, MaxBatchSize: 10, REST: RESTConfig{BaseURL: "http://localhost:1", Database: "d"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &rest.Store{}, st)

	_, err = NewStore(ctx, Config{Type: "nope"}, nil)
	assert.Error(t, err)
}
