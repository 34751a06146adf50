package badger

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/store/storetest"
)

func TestConformanceInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.DataStore {
		s, err := Open(InMemoryConfig())
		require.NoError(t, err)
		return s
	})
}

func TestConformanceOnDisk(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.DataStore {
		cfg := DefaultConfig(filepath.Join(t.TempDir(), "db"))
		cfg.SyncWrites = false
		cfg.GCInterval = 0
		s, err := Open(cfg)
		require.NoError(t, err)
		return s
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestReopenKeepsOrderAndSeq(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s1.AddRange(ctx, "People", storetest.People()))
	require.NoError(t, s1.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.Add(ctx, "People", store.Item{Key: "0", State: "added"}))
	items, err := s2.GetAll(ctx, "People", query.New().WithDeleted())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "0"}, storetest.Keys(items))
}

func TestKeysWithSharedPrefix(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "Order", store.Item{Key: "1"}))
	require.NoError(t, s.Add(ctx, "Orders", store.Item{Key: "1"}))

	items, err := s.GetAll(ctx, "Order", nil)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGCRunnerStops(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := DefaultConfig(filepath.Join(t.TempDir(), "db"))
	cfg.Logger = logger
	cfg.GCInterval = 10 * time.Millisecond
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NotNil(t, s.gc)
	require.NoError(t, s.Close())
	assert.Nil(t, s.gc)
}
