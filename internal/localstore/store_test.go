package localstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"pebble": func() Store {
			st, err := OpenPebble(filepath.Join(t.TempDir(), "pebble"), nil)
			require.NoError(t, err)
			return st
		},
		"sqlite": func() Store {
			st, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"), nil)
			require.NoError(t, err)
			return st
		},
		"sealed": func() Store {
			st, err := NewSealed(NewMemoryStore(), "secret")
			require.NoError(t, err)
			return st
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open()

			_, err := st.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Set("queue", []byte("v1")))
			v, err := st.Get("queue")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v)

			require.NoError(t, st.Set("queue", []byte("v2")))
			v, err = st.Get("queue")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), v)

			require.NoError(t, st.Delete("queue"))
			require.NoError(t, st.Delete("queue"))
			_, err = st.Get("queue")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Close())
			_, err = st.Get("queue")
			assert.Error(t, err)
		})
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	st := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, st.Set("k", buf))
	buf[0] = 'x'

	v, err := st.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)

	v[1] = 'y'
	again, _ := st.Get("k")
	assert.Equal(t, []byte("abc"), again)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")

	st, err := OpenPebble(dir, nil)
	require.NoError(t, err)
	require.NoError(t, st.Set("queue", []byte("persisted")))
	require.NoError(t, st.Close())

	st, err = OpenPebble(dir, nil)
	require.NoError(t, err)
	defer st.Close()

	v, err := st.Get("queue")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), v)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kv.db")

	st, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, st.Set("queue", []byte("persisted")))
	require.NoError(t, st.Close())

	st, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	defer st.Close()

	v, err := st.Get("queue")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), v)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := OpenPebble("", nil)
	assert.Error(t, err)
	_, err = OpenSQLite("", nil)
	assert.Error(t, err)
}
