package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewright/asynccore/internal/events"
	"github.com/pagewright/asynccore/internal/kv"
)

func newTestManager(t *testing.T, quota int64, cfg Config) (*Manager, *kv.Memory, *events.Bus) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kv.NewMemory(quota)
	bus := events.NewBus(logger)
	manager := NewManager(store, bus, cfg, logger)
	return manager, store, bus
}

func testConfig() Config {
	cfg := DefaultConfig()
	// Long interval so the background monitor never interferes with tests;
	// threshold behaviour is exercised via checkThresholds directly.
	cfg.MonitorInterval = time.Hour
	return cfg
}

func TestManager_SetGetRemove(t *testing.T) {
	manager, _, _ := newTestManager(t, 100_000, testConfig())
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	require.NoError(t, manager.Set(ctx, "doc", []byte("contents"), CategoryData))

	got, err := manager.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), got)

	stats, err := manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ItemCount)
	assert.Equal(t, 1, stats.ByCategory[CategoryData].Count)

	require.NoError(t, manager.Remove(ctx, "doc"))
	_, err = manager.Get(ctx, "doc")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	stats, err = manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ItemCount)
}

func TestManager_SyncAdoptsUntrackedKeys(t *testing.T) {
	manager, store, _ := newTestManager(t, 100_000, testConfig())
	ctx := context.Background()

	// Keys written behind the manager's back, e.g. by a previous version.
	require.NoError(t, store.Set(ctx, "legacy-1", []byte("aaaa")))
	require.NoError(t, store.Set(ctx, "legacy-2", []byte("bbbb")))

	require.NoError(t, manager.Sync(ctx))

	stats, err := manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ItemCount)
	assert.Equal(t, 2, stats.ByCategory[CategoryUnknown].Count)
}

func TestManager_SyncDropsStaleMetadata(t *testing.T) {
	manager, store, _ := newTestManager(t, 100_000, testConfig())
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	require.NoError(t, manager.Set(ctx, "ghost", []byte("data"), CategoryData))

	// Key vanishes from the store without the manager seeing it.
	require.NoError(t, store.Remove(ctx, "ghost"))
	require.NoError(t, manager.Sync(ctx))

	stats, err := manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ItemCount)
}

func TestManager_GetRefreshesLastAccessed(t *testing.T) {
	manager, _, _ := newTestManager(t, 100_000, testConfig())
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	require.NoError(t, manager.Set(ctx, "first", []byte("1"), CategoryCache))
	require.NoError(t, manager.Set(ctx, "second", []byte("2"), CategoryCache))

	oldest := manager.OldestItems(0)
	require.Len(t, oldest, 2)
	require.Equal(t, "first", oldest[0].Key)
	before := oldest[0].LastAccessedAt

	_, err := manager.Get(ctx, "first")
	require.NoError(t, err)

	oldest = manager.OldestItems(0)
	assert.Equal(t, "second", oldest[0].Key, "accessing an item must push it to the back of the LRU order")
	assert.True(t, oldest[1].LastAccessedAt.After(before) || oldest[1].LastAccessedAt.Equal(before))
}

func TestManager_OldestItemsSortedAscending(t *testing.T) {
	manager, _, _ := newTestManager(t, 100_000, testConfig())
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, manager.Set(ctx, key, []byte(key), CategoryCache))
	}

	items := manager.OldestItems(0)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].LastAccessedAt.Before(items[i-1].LastAccessedAt))
	}

	limited := manager.OldestItems(2)
	assert.Len(t, limited, 2)
}

func TestManager_LargestItemsSortedDescending(t *testing.T) {
	manager, _, _ := newTestManager(t, 100_000, testConfig())
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	require.NoError(t, manager.Set(ctx, "small", make([]byte, 10), CategoryData))
	require.NoError(t, manager.Set(ctx, "large", make([]byte, 1000), CategoryData))
	require.NoError(t, manager.Set(ctx, "medium", make([]byte, 100), CategoryData))

	items := manager.LargestItems(0)
	require.Len(t, items, 3)
	assert.Equal(t, "large", items[0].Key)
	assert.Equal(t, "medium", items[1].Key)
	assert.Equal(t, "small", items[2].Key)
}

func TestManager_CleanupEvictsLRUSkippingProtected(t *testing.T) {
	cfg := testConfig()
	cfg.TargetPercent = 50
	manager, _, bus := newTestManager(t, 20_000, cfg)
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	var cleaned []events.CleanupEvent
	bus.Subscribe(events.TypeStorageCleaned, func(ctx context.Context, event events.Event) error {
		cleaned = append(cleaned, event.Payload.(events.CleanupEvent))
		return nil
	}, 0)

	// Oldest first. The settings item is protected and must survive even
	// though it is the least recently used.
	require.NoError(t, manager.Set(ctx, "prefs", make([]byte, 2000), CategorySettings))
	require.NoError(t, manager.Set(ctx, "cache-old", make([]byte, 4000), CategoryCache))
	require.NoError(t, manager.Set(ctx, "cache-new", make([]byte, 4000), CategoryCache))

	freed, err := manager.Cleanup(ctx, 3000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, freed, int64(3000))

	// cache-old was the LRU candidate; prefs is untouched.
	_, err = manager.Get(ctx, "cache-old")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = manager.Get(ctx, "prefs")
	assert.NoError(t, err)

	bus.Wait()
	require.Len(t, cleaned, 1)
	assert.Equal(t, freed, cleaned[0].BytesFreed)
	assert.GreaterOrEqual(t, cleaned[0].ItemsRemoved, 1)
}

func TestManager_CleanupNoopUnderTarget(t *testing.T) {
	manager, _, _ := newTestManager(t, 100_000, testConfig())
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	require.NoError(t, manager.Set(ctx, "tiny", []byte("x"), CategoryCache))

	freed, err := manager.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, freed)

	_, err = manager.Get(ctx, "tiny")
	assert.NoError(t, err)
}

func TestManager_WriteRejectedWhenAutoCleanupDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoCleanup = false
	manager, _, bus := newTestManager(t, 10_000, cfg)
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	exceeded := make(chan events.QuotaEvent, 1)
	bus.Subscribe(events.TypeQuotaExceeded, func(ctx context.Context, event events.Event) error {
		exceeded <- event.Payload.(events.QuotaEvent)
		return nil
	}, 0)

	require.NoError(t, manager.Set(ctx, "big-1", make([]byte, 6000), CategoryData))

	err := manager.Set(ctx, "big-2", make([]byte, 6000), CategoryData)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// The rejected write must not land.
	_, err = manager.Get(ctx, "big-2")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	bus.Wait()
	select {
	case event := <-exceeded:
		assert.Equal(t, int64(10_000), event.BytesTotal)
	case <-time.After(time.Second):
		t.Fatal("quota-exceeded event was never emitted")
	}
}

func TestManager_OverwriteProjectsNetUsage(t *testing.T) {
	cfg := testConfig()
	cfg.AutoCleanup = false
	manager, _, _ := newTestManager(t, 10_000, cfg)
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	// First write lands just below half the ceiling.
	require.NoError(t, manager.Set(ctx, "snap", make([]byte, 4700), CategoryJobs))

	// Rewriting the same key at the same size leaves usage unchanged, so the
	// projection must net out the replaced entry instead of stacking both.
	for i := 0; i < 5; i++ {
		require.NoError(t, manager.Set(ctx, "snap", make([]byte, 4700), CategoryJobs))
	}

	// Growing the entry counts only the delta.
	require.NoError(t, manager.Set(ctx, "snap", make([]byte, 6000), CategoryJobs))

	// A genuine over-ceiling overwrite is still rejected.
	err := manager.Set(ctx, "snap", make([]byte, 9800), CategoryJobs)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestManager_WriteEvictsWhenAutoCleanupEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.TargetPercent = 40
	manager, _, _ := newTestManager(t, 10_000, cfg)
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	require.NoError(t, manager.Set(ctx, "old-cache", make([]byte, 6000), CategoryCache))

	// This write projects past the 95% ceiling, so the LRU cache entry is
	// evicted first and the write succeeds.
	require.NoError(t, manager.Set(ctx, "fresh", make([]byte, 6000), CategoryData))

	_, err := manager.Get(ctx, "old-cache")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	got, err := manager.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, got, 6000)
}

func TestManager_ThresholdEventsEmittedOnCrossing(t *testing.T) {
	cfg := testConfig()
	cfg.AutoCleanup = false
	manager, store, bus := newTestManager(t, 10_000, cfg)
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	warnings := 0
	bus.Subscribe(events.TypeQuotaWarning, func(ctx context.Context, event events.Event) error {
		warnings++
		return nil
	}, 0)

	// Push raw usage past the 80% warning threshold.
	require.NoError(t, store.Set(ctx, "bulk", make([]byte, 8500)))

	manager.checkThresholds(ctx)
	manager.checkThresholds(ctx)
	bus.Wait()

	assert.Equal(t, 1, warnings, "crossing emits once, staying above does not re-emit")
}

func TestManager_CriticalThresholdTriggersAutoCleanup(t *testing.T) {
	cfg := testConfig()
	manager, store, bus := newTestManager(t, 10_000, cfg)
	ctx := context.Background()
	require.NoError(t, manager.Sync(ctx))

	critical := make(chan events.QuotaEvent, 1)
	bus.Subscribe(events.TypeQuotaCritical, func(ctx context.Context, event events.Event) error {
		critical <- event.Payload.(events.QuotaEvent)
		return nil
	}, 0)
	cleaned := make(chan events.CleanupEvent, 1)
	bus.Subscribe(events.TypeStorageCleaned, func(ctx context.Context, event events.Event) error {
		cleaned <- event.Payload.(events.CleanupEvent)
		return nil
	}, 0)

	// Evictable cache entries, oldest first.
	require.NoError(t, manager.Set(ctx, "cache-1", make([]byte, 2000), CategoryCache))
	require.NoError(t, manager.Set(ctx, "cache-2", make([]byte, 2000), CategoryCache))
	require.NoError(t, manager.Set(ctx, "cache-3", make([]byte, 2000), CategoryCache))

	// Push raw usage past the 95% line behind the manager's back, then
	// reconcile so the new key is tracked (and evictable as unknown).
	require.NoError(t, store.Set(ctx, "bulk", make([]byte, 3200)))
	require.NoError(t, manager.Sync(ctx))

	before, err := manager.Stats(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, before.PercentUsed, 95.0)

	manager.checkThresholds(ctx)
	bus.Wait()

	select {
	case event := <-critical:
		assert.GreaterOrEqual(t, event.PercentUsed, 95.0)
	case <-time.After(time.Second):
		t.Fatal("critical quota event was never emitted")
	}

	select {
	case event := <-cleaned:
		assert.Greater(t, event.BytesFreed, int64(0))
		assert.GreaterOrEqual(t, event.ItemsRemoved, 1)
	case <-time.After(time.Second):
		t.Fatal("automatic cleanup never ran at the critical threshold")
	}

	// Eviction drove usage back under the critical line, starting with the
	// least recently used entry.
	after, err := manager.Stats(ctx)
	require.NoError(t, err)
	assert.Less(t, after.PercentUsed, 95.0)
	_, err = manager.Get(ctx, "cache-1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestManager_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	manager, _, _ := newTestManager(t, 100_000, cfg)

	require.NoError(t, manager.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	manager.Stop()
}
