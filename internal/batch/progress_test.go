package batch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestProgressStore(t *testing.T) (*ProgressStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProgressStore(client, time.Hour, nil), mr
}

func TestProgressStoreRoundTrip(t *testing.T) {
	store, _ := newTestProgressStore(t)
	ctx := context.Background()
	id := uuid.New()

	_, ok := store.Load(ctx, id)
	require.False(t, ok)

	pr := Progress{Completed: 3, Failed: 1, Total: 10, Percentage: 40, Remaining: 6 * time.Second}
	store.Save(ctx, id, pr)

	got, ok := store.Load(ctx, id)
	require.True(t, ok)
	require.Equal(t, pr, got)
}

func TestProgressStoreEntriesExpire(t *testing.T) {
	store, mr := newTestProgressStore(t)
	ctx := context.Background()
	id := uuid.New()

	store.Save(ctx, id, Progress{Completed: 1, Total: 2})
	mr.FastForward(2 * time.Hour)

	_, ok := store.Load(ctx, id)
	require.False(t, ok)
}

func TestProgressStoreDegradesWhenRedisDown(t *testing.T) {
	store, mr := newTestProgressStore(t)
	ctx := context.Background()
	id := uuid.New()
	mr.Close()

	store.Save(ctx, id, Progress{Completed: 1, Total: 2})
	_, ok := store.Load(ctx, id)
	require.False(t, ok)
}

func TestProgressStoreNilSafe(t *testing.T) {
	var store *ProgressStore
	store.Save(context.Background(), uuid.New(), Progress{})
	_, ok := store.Load(context.Background(), uuid.New())
	require.False(t, ok)
	require.False(t, store.CancelRequested(context.Background(), uuid.New()))
	require.Error(t, store.RequestCancel(context.Background(), uuid.New()))
}

func TestProgressStoreCancelFlag(t *testing.T) {
	store, _ := newTestProgressStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.False(t, store.CancelRequested(ctx, id))
	require.NoError(t, store.RequestCancel(ctx, id))
	require.True(t, store.CancelRequested(ctx, id))
	require.False(t, store.CancelRequested(ctx, uuid.New()))
}

func TestProgressStoreCancelReadsFalseWhenRedisDown(t *testing.T) {
	store, mr := newTestProgressStore(t)
	ctx := context.Background()
	id := uuid.New()
	mr.Close()

	require.False(t, store.CancelRequested(ctx, id))
}
