// Package cache provides caching for rendered heatmaps, matrix results and
// workspace object types.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	HeatmapCacheSizeMB int
	HeatmapTTL         time.Duration
	ResultCacheSize    int
	TypeCacheSize      int
}

// Manager manages heatmap, result and object-type caches.
type Manager struct {
	heatmapCache *bigcache.BigCache
	resultCache  *lru.Cache[string, []byte]
	typeCache    *lru.Cache[string, string]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	heatmapCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.HeatmapTTL,
		CleanWindow:        cfg.HeatmapTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // 512KB per heatmap
		HardMaxCacheSize:   cfg.HeatmapCacheSizeMB,
		Verbose:            false,
	}

	heatmapCache, err := bigcache.New(context.Background(), heatmapCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create heatmap cache: %w", err)
	}

	resultCache, err := lru.New[string, []byte](cfg.ResultCacheSize)
	if err != nil {
		heatmapCache.Close()
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	typeCache, err := lru.New[string, string](cfg.TypeCacheSize)
	if err != nil {
		heatmapCache.Close()
		return nil, fmt.Errorf("failed to create type cache: %w", err)
	}

	return &Manager{
		heatmapCache: heatmapCache,
		resultCache:  resultCache,
		typeCache:    typeCache,
	}, nil
}

// GetHeatmap retrieves a rendered heatmap from cache.
func (m *Manager) GetHeatmap(key string) ([]byte, bool) {
	data, err := m.heatmapCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetHeatmap stores a rendered heatmap in cache.
func (m *Manager) SetHeatmap(key string, data []byte) error {
	return m.heatmapCache.Set(key, data)
}

// GetResult retrieves a decompressed result matrix from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	return m.resultCache.Get(key)
}

// SetResult stores a decompressed result matrix in cache.
func (m *Manager) SetResult(key string, data []byte) {
	m.resultCache.Add(key, data)
}

// GetObjectType returns a cached workspace object type.
func (m *Manager) GetObjectType(ref string) (string, bool) {
	return m.typeCache.Get(ref)
}

// SetObjectType caches a workspace object type.
func (m *Manager) SetObjectType(ref, objType string) {
	m.typeCache.Add(ref, objType)
}

// InvalidateJob drops cached results and heatmaps for a job.
func (m *Manager) InvalidateJob(jobID string) {
	for _, key := range m.resultCache.Keys() {
		if hasJobPrefix(key, jobID) {
			m.resultCache.Remove(key)
		}
	}
	iter := m.heatmapCache.Iterator()
	for iter.SetNext() {
		entry, err := iter.Value()
		if err != nil {
			continue
		}
		if hasJobPrefix(entry.Key(), jobID) {
			m.heatmapCache.Delete(entry.Key())
		}
	}
}

// ResultKey generates a cache key for a job result matrix.
func ResultKey(jobID, metric string) string {
	return fmt.Sprintf("result:%s:%s", jobID, metric)
}

// HeatmapKey generates a cache key for a rendered heatmap.
func HeatmapKey(jobID, metric, colormap string, rows int) string {
	return fmt.Sprintf("heatmap:%s:%s:%s:%d", jobID, metric, colormap, rows)
}

func hasJobPrefix(key, jobID string) bool {
	for _, p := range []string{"result:", "heatmap:"} {
		if strings.HasPrefix(key, p+jobID+":") {
			return true
		}
	}
	return false
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"heatmap_cache_len": m.heatmapCache.Len(),
		"heatmap_cache_cap": m.heatmapCache.Capacity(),
		"result_cache_len":  m.resultCache.Len(),
		"type_cache_len":    m.typeCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.heatmapCache.Close()
}
