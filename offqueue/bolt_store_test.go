package offqueue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "offqueue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.RegisterEntity("widget"))
	return store
}

func TestBoltStore_WriteAppendsExactlyOneMutation(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	id, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	_, err = store.Write(ctx, "widget", OpUpdate, id, json.RawMessage(`{"name":"b"}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpDelete, id, nil)
	require.NoError(t, err)

	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	require.Equal(t, OpCreate, queue[0].Op)
	require.Equal(t, OpUpdate, queue[1].Op)
	require.Equal(t, OpDelete, queue[2].Op)
	require.Nil(t, queue[2].Payload)
}

func TestBoltStore_FailedWriteLeavesNoQueueEntry(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, "widget", OpUpdate, 42, json.RawMessage(`{"name":"x"}`))
	require.Error(t, err)

	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestBoltStore_DrainSnapshotIsFIFO(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	first, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpUpdate, first, json.RawMessage(`{"n":3}`))
	require.NoError(t, err)

	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for i := 1; i < len(queue); i++ {
		require.Less(t, queue[i-1].ID, queue[i].ID)
	}
}

func TestBoltStore_TombstoneAndPurge(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	id, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	_, err = store.Write(ctx, "widget", OpDelete, id, nil)
	require.NoError(t, err)

	records, err := store.Read(ctx, "widget", ReadFilter{})
	require.NoError(t, err)
	require.Empty(t, records)

	records, err = store.Read(ctx, "widget", ReadFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Deleted)

	require.NoError(t, store.PurgeTombstone(ctx, "widget", id))
	records, err = store.Read(ctx, "widget", ReadFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestBoltStore_AttemptsMarkSyncedAndRemoval(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	id, err := store.Write(ctx, "widget", OpCreate, 0, json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)

	queue, err := store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	require.NoError(t, store.IncrementAttempts(ctx, queue[0].ID))
	queue, err = store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queue[0].Attempts)

	require.NoError(t, store.MarkSynced(ctx, "widget", id))
	records, err := store.Read(ctx, "widget", ReadFilter{})
	require.NoError(t, err)
	require.True(t, records[0].Synced)

	require.NoError(t, store.RemoveMutation(ctx, queue[0].ID))
	queue, err = store.DrainSnapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestBoltStore_EnsureDeviceID(t *testing.T) {
	store := newTestBoltStore(t)

	first, err := store.EnsureDeviceID()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := store.EnsureDeviceID()
	require.NoError(t, err)
	require.Equal(t, first, second)
}
