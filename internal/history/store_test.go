package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runtimed/internal/common/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := Open(config.HistoryConfig{Driver: "sqlite"}, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_AppendAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, Record{Kind: KindLaunch, PID: 100, CreatedAt: base}))
	require.NoError(t, store.Append(ctx, Record{Kind: KindReady, PID: 100, Detail: "http://127.0.0.1:4000", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.Append(ctx, Record{Kind: KindExit, PID: 100, Error: "exit status 1", CreatedAt: base.Add(2 * time.Second)}))

	recs, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, KindExit, recs[0].Kind)
	assert.Equal(t, "exit status 1", recs[0].Error)
	assert.Equal(t, KindReady, recs[1].Kind)
	assert.Equal(t, "http://127.0.0.1:4000", recs[1].Detail)
	assert.True(t, recs[1].CreatedAt.Equal(base.Add(time.Second)))
	assert.NotEmpty(t, recs[0].ID)
}

func TestStore_AppendFillsDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, Record{Kind: KindSync}))

	recs, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
	assert.WithinDuration(t, time.Now(), recs[0].CreatedAt, time.Minute)
}

func TestStore_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	for i := 0; i < 2; i++ {
		pool, err := Open(config.HistoryConfig{Driver: "sqlite"}, path)
		require.NoError(t, err)
		store, err := NewStore(context.Background(), pool)
		require.NoError(t, err)
		require.NoError(t, store.Append(context.Background(), Record{Kind: KindStop}))
		require.NoError(t, store.Close())
	}

	pool, err := Open(config.HistoryConfig{Driver: "sqlite"}, path)
	require.NoError(t, err)
	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	recs, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.HistoryConfig{Driver: "mysql"}, "")
	assert.Error(t, err)
}
