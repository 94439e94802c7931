package localstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealedStore_EncryptsAtRest(t *testing.T) {
	inner := NewMemoryStore()
	st, err := NewSealed(inner, "secret")
	require.NoError(t, err)

	plain := []byte(`{"patientId":"p1"}`)
	require.NoError(t, st.Set("queue", plain))

	raw, err := inner.Get("queue")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "patientId")

	got, err := st.Get("queue")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestSealedStore_ReopenWithSamePassphrase(t *testing.T) {
	inner := NewMemoryStore()
	st, err := NewSealed(inner, "secret")
	require.NoError(t, err)
	require.NoError(t, st.Set("queue", []byte("v")))

	again, err := NewSealed(inner, "secret")
	require.NoError(t, err)
	got, err := again.Get("queue")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestSealedStore_WrongPassphrase(t *testing.T) {
	inner := NewMemoryStore()
	st, err := NewSealed(inner, "secret")
	require.NoError(t, err)
	require.NoError(t, st.Set("queue", []byte("v")))

	_, err = NewSealed(inner, "other")
	assert.ErrorIs(t, err, ErrSealed)

	// The original passphrase still opens the data.
	again, err := NewSealed(inner, "secret")
	require.NoError(t, err)
	got, err := again.Get("queue")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestSealedStore_KeyBinding(t *testing.T) {
	inner := NewMemoryStore()
	st, err := NewSealed(inner, "secret")
	require.NoError(t, err)
	require.NoError(t, st.Set("a", []byte("v")))

	raw, _ := inner.Get("a")
	require.NoError(t, inner.Set("b", raw))

	_, err = st.Get("b")
	assert.ErrorIs(t, err, ErrSealed)
}

func TestSealedStore_Truncated(t *testing.T) {
	inner := NewMemoryStore()
	st, err := NewSealed(inner, "secret")
	require.NoError(t, err)
	require.NoError(t, inner.Set("q", []byte("short")))

	_, err = st.Get("q")
	assert.ErrorIs(t, err, ErrSealed)
}

func TestNewSealed_RequiresPassphrase(t *testing.T) {
	_, err := NewSealed(NewMemoryStore(), "")
	assert.Error(t, err)
}
