package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

func recv(t *testing.T, ch <-chan types.Snapshot) types.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return types.Snapshot{}
	}
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	assert.Equal(t, types.DefaultMaxBatchSize, s.MaxBatchSize())

	require.NoError(t, s.Set(ctx, "appointments", "apt1", map[string]interface{}{"status": "BOOKED", "doctorId": "d1"}))

	doc, err := s.Get(ctx, "appointments", "apt1")
	require.NoError(t, err)
	assert.Equal(t, "apt1", doc.GetID())
	assert.Equal(t, "BOOKED", doc["status"])

	require.NoError(t, s.Update(ctx, "appointments", "apt1", map[string]interface{}{"status": "CANCELLED"}))
	doc, _ = s.Get(ctx, "appointments", "apt1")
	assert.Equal(t, "CANCELLED", doc["status"])
	assert.Equal(t, "d1", doc["doctorId"])

	err = s.Update(ctx, "appointments", "missing", map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "appointments", "apt1"))
	require.NoError(t, s.Delete(ctx, "appointments", "apt1"))
	_, err = s.Get(ctx, "appointments", "apt1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	id, err := s.Add(ctx, "medications", map[string]interface{}{"name": "X"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, s.Count("medications"))
	assert.Equal(t, 5, s.Writes())
}

func TestSet_NilData(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	require.NoError(t, s.Set(ctx, "c", "a", nil))
	doc, err := s.Get(ctx, "c", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", doc.GetID())
}

func TestBatch_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	require.NoError(t, s.Set(ctx, "appointments", "apt1", map[string]interface{}{"status": "BOOKED"}))

	b := s.NewBatch()
	b.Update("appointments", "apt1", map[string]interface{}{"status": "CANCELLED"})
	b.Update("appointments", "ghost", map[string]interface{}{"status": "CANCELLED"})
	assert.Equal(t, 2, b.Len())
	err := b.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	doc, _ := s.Get(ctx, "appointments", "apt1")
	assert.Equal(t, "BOOKED", doc["status"])
	assert.Equal(t, 0, s.Commits())
}

func TestBatch_OrderWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := New(0)

	b := s.NewBatch()
	b.Set("appointments", "apt1", map[string]interface{}{"status": "BOOKED"})
	b.Update("appointments", "apt1", map[string]interface{}{"status": "CONFIRMED"})
	b.Set("appointments", "apt2", map[string]interface{}{"status": "BOOKED"})
	b.Delete("appointments", "apt2")
	require.NoError(t, b.Commit(ctx))

	doc, err := s.Get(ctx, "appointments", "apt1")
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", doc["status"])
	_, err = s.Get(ctx, "appointments", "apt2")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, 1, s.Commits())
}

func TestBatch_Limit(t *testing.T) {
	s := New(2)
	b := s.NewBatch()
	for i := 0; i < 3; i++ {
		b.Delete("c", "x")
	}
	err := b.Commit(context.Background())
	assert.True(t, model.IsRejected(err))
}

func TestFailNextCommits(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	boom := errors.New("boom")
	s.FailNextCommits(boom)

	b := s.NewBatch()
	b.Set("c", "a", map[string]interface{}{})
	assert.ErrorIs(t, b.Commit(ctx), boom)
	require.NoError(t, b.Commit(ctx))
	assert.Equal(t, 1, s.Count("c"))
}

func TestUnreachable(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	s.SetReachable(false)

	assert.ErrorIs(t, s.Ping(ctx), model.ErrOffline)
	_, err := s.Get(ctx, "c", "a")
	assert.True(t, model.IsTransient(err))
	assert.ErrorIs(t, s.Set(ctx, "c", "a", map[string]interface{}{}), model.ErrOffline)
	b := s.NewBatch()
	b.Delete("c", "a")
	assert.ErrorIs(t, b.Commit(ctx), model.ErrOffline)
	_, err = s.Watch(ctx, types.Target{Collection: "c"})
	assert.Error(t, err)

	s.SetReachable(true)
	assert.NoError(t, s.Ping(ctx))
}

func TestWatch_Document(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(0)

	ch, err := s.Watch(ctx, types.Target{Collection: "appointments", ID: "apt1"})
	require.NoError(t, err)

	snap := recv(t, ch)
	assert.Nil(t, snap.Document())
	assert.False(t, snap.FromCache)

	require.NoError(t, s.Set(ctx, "appointments", "apt1", map[string]interface{}{"status": "BOOKED"}))
	snap = recv(t, ch)
	require.NotNil(t, snap.Document())
	assert.Equal(t, "BOOKED", snap.Document()["status"])

	// Writes to other documents are not delivered.
	require.NoError(t, s.Set(ctx, "appointments", "apt2", map[string]interface{}{}))
	select {
	case <-ch:
		t.Fatal("unexpected snapshot")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestWatch_CollectionClosedOnOutage(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	require.NoError(t, s.Set(ctx, "medications", "b", map[string]interface{}{"name": "B"}))
	require.NoError(t, s.Set(ctx, "medications", "a", map[string]interface{}{"name": "A"}))

	ch, err := s.Watch(ctx, types.Target{Collection: "medications"})
	require.NoError(t, err)
	snap := recv(t, ch)
	require.Len(t, snap.Documents, 2)
	assert.Equal(t, "a", snap.Documents[0].GetID())

	s.SetReachable(false)
	_, ok := <-ch
	assert.False(t, ok)
}
