// Package storage owns all reads and writes to the capacity-bounded
// persistent store. It keeps shadow metadata per key, monitors aggregate
// usage against warning and critical thresholds, and evicts the least
// recently used disposable items when capacity runs short.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pagewright/asynccore/internal/events"
	"github.com/pagewright/asynccore/internal/kv"
)

// eventSource labels events emitted by the storage manager.
const eventSource = "storage_manager"

// ErrQuotaExceeded is returned by Set when the projected usage exceeds the
// critical threshold and auto-cleanup is disabled (or freed too little).
var ErrQuotaExceeded = errors.New("storage: write rejected, quota exceeded")

// Config holds storage manager tuning.
type Config struct {
	// WarningPercent and CriticalPercent are the usage thresholds at which
	// quota events are emitted. Crossing the critical threshold also
	// triggers eviction when AutoCleanup is set.
	WarningPercent  float64
	CriticalPercent float64

	// TargetPercent is the usage level cleanup drives towards.
	TargetPercent float64

	// MonitorInterval is how often the background monitor samples usage.
	MonitorInterval time.Duration

	// AutoCleanup enables eviction before over-quota writes and at the
	// critical threshold.
	AutoCleanup bool
}

// DefaultConfig returns a Config with the standard thresholds.
func DefaultConfig() Config {
	return Config{
		WarningPercent:  80,
		CriticalPercent: 95,
		TargetPercent:   70,
		MonitorInterval: time.Minute,
		AutoCleanup:     true,
	}
}

// Manager mediates all access to the persistent store on behalf of other
// components and owns the per-key metadata.
type Manager struct {
	store  kv.Store
	bus    *events.Bus
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	meta map[string]*ItemMeta

	// warningActive/criticalActive debounce threshold events so each is
	// emitted once per crossing, not once per monitor tick.
	warningActive  bool
	criticalActive bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a storage manager over the given store. Call Start to
// reconcile metadata and begin quota monitoring.
func NewManager(store kv.Store, bus *events.Bus, config Config, logger *slog.Logger) *Manager {
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = time.Minute
	}
	return &Manager{
		store:  store,
		bus:    bus,
		config: config,
		logger: logger.With("component", "storage_manager"),
		meta:   make(map[string]*ItemMeta),
	}
}

// Start loads and reconciles metadata against the store's actual key set,
// then launches the periodic quota monitor.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Sync(ctx); err != nil {
		return fmt.Errorf("failed to synchronize storage metadata: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.monitor(monitorCtx)

	return nil
}

// Stop halts the quota monitor.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Sync reconciles the metadata set against the actual key set of the
// store: untracked keys gain metadata, metadata for missing keys is
// dropped. Runs at startup so a crash between a write and its metadata
// update cannot leave the two permanently divergent.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Load persisted metadata if present.
	if raw, err := m.store.Get(ctx, metaKey); err == nil {
		var loaded map[string]*ItemMeta
		if err := json.Unmarshal(raw, &loaded); err != nil {
			m.logger.Warn("discarding unreadable storage metadata", "error", err)
		} else {
			m.meta = loaded
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	keys, err := m.store.Keys(ctx)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(keys))
	added, dropped := 0, 0
	now := time.Now().UTC()

	for _, key := range keys {
		if key == metaKey {
			continue
		}
		present[key] = true

		if _, tracked := m.meta[key]; tracked {
			continue
		}
		value, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		m.meta[key] = &ItemMeta{
			Key:            key,
			Size:           kv.EntrySize(key, value),
			Category:       CategoryUnknown,
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		added++
	}

	for key := range m.meta {
		if !present[key] {
			delete(m.meta, key)
			dropped++
		}
	}

	if added > 0 || dropped > 0 {
		m.logger.Info("reconciled storage metadata",
			"added", added,
			"dropped", dropped,
			"tracked", len(m.meta))
	}

	return m.persistMetaLocked(ctx)
}

// Set writes value under key. Before the write, the projected usage is
// compared against the critical threshold: when exceeded, eviction runs
// first if auto-cleanup is enabled, otherwise the write is rejected and a
// quota-exceeded event is emitted.
func (m *Manager) Set(ctx context.Context, key string, value []byte, category Category) error {
	used, err := m.store.BytesInUse(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store usage: %w", err)
	}

	quota := m.store.Quota()
	ceiling := int64(float64(quota) * m.config.CriticalPercent / 100)
	incoming := kv.EntrySize(key, value)

	// An overwrite replaces the existing entry, so its current size does not
	// count against the projection.
	var replaced int64
	m.mu.Lock()
	if existing, ok := m.meta[key]; ok {
		replaced = existing.Size
	}
	m.mu.Unlock()

	if used+incoming-replaced > ceiling {
		if !m.config.AutoCleanup {
			m.emitQuota(ctx, events.TypeQuotaExceeded, used, quota)
			return fmt.Errorf("%w: %d + %d bytes against ceiling %d",
				ErrQuotaExceeded, used, incoming-replaced, ceiling)
		}

		needed := used + incoming - replaced - ceiling
		freed, err := m.Cleanup(ctx, needed)
		if err != nil {
			return fmt.Errorf("pre-write cleanup failed: %w", err)
		}
		if freed < needed {
			m.emitQuota(ctx, events.TypeQuotaExceeded, used-freed, quota)
			return fmt.Errorf("%w: cleanup freed %d of %d needed bytes",
				ErrQuotaExceeded, freed, needed)
		}
	}

	if err := m.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.meta[key]; ok {
		existing.Size = incoming
		existing.Category = category
		existing.LastAccessedAt = now
	} else {
		m.meta[key] = &ItemMeta{
			Key:            key,
			Size:           incoming,
			Category:       category,
			CreatedAt:      now,
			LastAccessedAt: now,
		}
	}

	return m.persistMetaLocked(ctx)
}

// Get reads the value for key and refreshes its last-accessed time.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.meta[key]; ok {
		item.LastAccessedAt = time.Now().UTC()
		// A failed touch persist is not worth failing the read over.
		if err := m.persistMetaLocked(ctx); err != nil {
			m.logger.Warn("failed to persist access-time update", "key", key, "error", err)
		}
	}

	return value, nil
}

// Remove deletes key and its metadata.
func (m *Manager) Remove(ctx context.Context, key string) error {
	return m.RemoveMany(ctx, []string{key})
}

// RemoveMany deletes the given keys and their metadata.
func (m *Manager) RemoveMany(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := m.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove %q: %w", key, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.meta, key)
	}
	return m.persistMetaLocked(ctx)
}

// Stats reports current usage, including a per-category breakdown.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	used, err := m.store.BytesInUse(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read store usage: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quota := m.store.Quota()
	stats := Stats{
		BytesUsed:  used,
		BytesTotal: quota,
		ItemCount:  len(m.meta),
		ByCategory: make(map[Category]CategoryStats),
	}
	if quota > 0 {
		stats.PercentUsed = float64(used) / float64(quota) * 100
	}

	for _, item := range m.meta {
		cs := stats.ByCategory[item.Category]
		cs.Count++
		cs.Bytes += item.Size
		stats.ByCategory[item.Category] = cs
	}

	return stats, nil
}

// Cleanup evicts least-recently-used items until at least minBytesToFree
// (or enough to reach the target usage, whichever is larger) has been
// reclaimed. Items in protected categories and the metadata key itself are
// never candidates. Returns the number of bytes actually freed and emits
// one aggregate cleaned event.
func (m *Manager) Cleanup(ctx context.Context, minBytesToFree int64) (int64, error) {
	used, err := m.store.BytesInUse(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read store usage: %w", err)
	}

	target := int64(float64(m.store.Quota()) * m.config.TargetPercent / 100)
	toFree := used - target
	if minBytesToFree > toFree {
		toFree = minBytesToFree
	}
	if toFree <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	candidates := make([]*ItemMeta, 0, len(m.meta))
	for _, item := range m.meta {
		if protectedCategories[item.Category] {
			continue
		}
		candidates = append(candidates, item)
	}
	// True LRU: last-accessed ascending, independent of category or size.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})
	m.mu.Unlock()

	var freed int64
	var removed []string
	for _, item := range candidates {
		if freed >= toFree {
			break
		}
		if err := m.store.Remove(ctx, item.Key); err != nil {
			m.logger.Error("failed to evict item", "key", item.Key, "error", err)
			continue
		}
		freed += item.Size
		removed = append(removed, item.Key)
	}

	m.mu.Lock()
	for _, key := range removed {
		delete(m.meta, key)
	}
	persistErr := m.persistMetaLocked(ctx)
	m.mu.Unlock()
	if persistErr != nil {
		return freed, persistErr
	}

	m.logger.Info("storage cleanup complete",
		"bytes_freed", freed,
		"items_removed", len(removed),
		"requested", minBytesToFree)

	m.bus.EmitNonBlocking(ctx, events.TypeStorageCleaned, events.CleanupEvent{
		BytesFreed:   freed,
		ItemsRemoved: len(removed),
	}, eventSource)

	return freed, nil
}

// OldestItems returns up to n tracked items sorted by last-accessed
// ascending.
func (m *Manager) OldestItems(n int) []ItemMeta {
	return m.sortedItems(n, func(a, b *ItemMeta) bool {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	})
}

// LargestItems returns up to n tracked items sorted by size descending.
func (m *Manager) LargestItems(n int) []ItemMeta {
	return m.sortedItems(n, func(a, b *ItemMeta) bool {
		return a.Size > b.Size
	})
}

func (m *Manager) sortedItems(n int, less func(a, b *ItemMeta) bool) []ItemMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]*ItemMeta, 0, len(m.meta))
	for _, item := range m.meta {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })

	if n > 0 && len(items) > n {
		items = items[:n]
	}
	out := make([]ItemMeta, len(items))
	for i, item := range items {
		out[i] = *item
	}
	return out
}

// monitor periodically compares usage against the warning and critical
// thresholds, emitting the corresponding event each time a threshold is
// crossed and triggering eviction at the critical threshold.
func (m *Manager) monitor(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkThresholds(ctx)
		}
	}
}

// checkThresholds samples usage once and reacts to threshold crossings.
func (m *Manager) checkThresholds(ctx context.Context) {
	used, err := m.store.BytesInUse(ctx)
	if err != nil {
		m.logger.Error("failed to sample store usage", "error", err)
		return
	}

	quota := m.store.Quota()
	percent := float64(used) / float64(quota) * 100

	m.mu.Lock()
	warningCrossed := percent >= m.config.WarningPercent && !m.warningActive
	criticalCrossed := percent >= m.config.CriticalPercent && !m.criticalActive
	m.warningActive = percent >= m.config.WarningPercent
	m.criticalActive = percent >= m.config.CriticalPercent
	m.mu.Unlock()

	if warningCrossed {
		m.logger.Warn("storage usage crossed warning threshold",
			"percent_used", percent,
			"bytes_used", used)
		m.emitQuota(ctx, events.TypeQuotaWarning, used, quota)
	}

	if criticalCrossed {
		m.logger.Warn("storage usage crossed critical threshold",
			"percent_used", percent,
			"bytes_used", used)
		m.emitQuota(ctx, events.TypeQuotaCritical, used, quota)

		if m.config.AutoCleanup {
			if _, err := m.Cleanup(ctx, 0); err != nil {
				m.logger.Error("automatic cleanup failed", "error", err)
			}
		}
	}
}

// emitQuota publishes a quota event without blocking the caller.
func (m *Manager) emitQuota(ctx context.Context, typ events.Type, used, quota int64) {
	m.bus.EmitNonBlocking(ctx, typ, events.QuotaEvent{
		BytesUsed:   used,
		BytesTotal:  quota,
		PercentUsed: float64(used) / float64(quota) * 100,
	}, eventSource)
}

// persistMetaLocked serializes the metadata set under its dedicated key.
// Caller must hold m.mu. The metadata write goes straight to the store,
// bypassing the quota projection, so metadata can always be saved.
func (m *Manager) persistMetaLocked(ctx context.Context) error {
	raw, err := json.Marshal(m.meta)
	if err != nil {
		return fmt.Errorf("failed to serialize storage metadata: %w", err)
	}
	if err := m.store.Set(ctx, metaKey, raw); err != nil {
		return fmt.Errorf("failed to persist storage metadata: %w", err)
	}
	return nil
}
