package optimistic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/syncerr"
	"github.com/roach88/tillsync/internal/testutil"
)

func TestAddEntity_ServerAssignedID(t *testing.T) {
	store := testutil.NewFakeStore()
	eng := NewEntityEngine()

	got, err := AddEntity(context.Background(), eng, store, remote.Entity{
		Kind:   "products",
		Fields: map[string]any{"name": "X"},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)

	snap := eng.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "srv-1", snap.Items[0].Key)
	assert.Equal(t, "X", snap.Items[0].Value.Fields["name"])
}

func TestUpdateEntity_RejectionRestoresFieldMap(t *testing.T) {
	store := testutil.NewFakeStore()
	original := remote.Entity{Kind: "products", ID: "p1", Fields: map[string]any{"name": "Tea", "price": 3}}
	store.PutEntity(original)
	store.Reject("products", "p1", "42501", "permission denied")

	eng := NewEntityEngine()
	eng.Load([]remote.Entity{original})

	_, err := UpdateEntity(context.Background(), eng, store, "products", "p1", map[string]any{"price": 9})
	require.Error(t, err)
	assert.True(t, syncerr.IsRejected(err))
	assert.Contains(t, err.Error(), "42501")

	got, ok := eng.Get("p1")
	require.True(t, ok)
	assert.Equal(t, original, got)
	assert.Equal(t, 3, original.Fields["price"], "patch must not write through to the snapshot")
}

func TestUpdateEntity_UsesAuthoritativeValue(t *testing.T) {
	store := testutil.NewFakeStore()
	original := remote.Entity{Kind: "products", ID: "p1", Fields: map[string]any{"name": "Tea", "stock": 10}}
	store.PutEntity(original)

	eng := NewEntityEngine()
	eng.Load([]remote.Entity{original})

	got, err := UpdateEntity(context.Background(), eng, store, "products", "p1", map[string]any{"name": "Green Tea"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Green Tea", "stock": 10}, got.Fields)
}

func TestRemoveEntity_TransportFailure(t *testing.T) {
	store := testutil.NewFakeStore()
	items := []remote.Entity{
		{Kind: "products", ID: "a"},
		{Kind: "products", ID: "b"},
	}
	for _, e := range items {
		store.PutEntity(e)
	}
	store.FailMutate("products", "b", testutil.ErrUnavailable)

	eng := NewEntityEngine()
	eng.Load(items)

	err := RemoveEntity(context.Background(), eng, store, "products", "b")
	assert.True(t, syncerr.IsNetwork(err))
	assert.ErrorIs(t, err, testutil.ErrUnavailable)
	assert.Equal(t, []string{"a", "b"}, eng.Snapshot().Keys())

	store.FailMutate("products", "b", nil)
	require.NoError(t, RemoveEntity(context.Background(), eng, store, "products", "b"))
	assert.Equal(t, []string{"a"}, eng.Snapshot().Keys())
	_, ok := store.Entity("products", "b")
	assert.False(t, ok)
}

func TestMergeFields(t *testing.T) {
	e := remote.Entity{Kind: "products", ID: "p1"}
	out := MergeFields(map[string]any{"name": "Tea"})(e)
	assert.Nil(t, e.Fields)
	assert.Equal(t, "Tea", out.Fields["name"])
}
