// Package statuscache caches per-(user, cluster) queue snapshots so
// status reads stay off the SSH path. Writers replace cells whole;
// readers get an isolated copy plus its age. Every launch, cancel and
// batch cancel invalidates the touched cluster, which is why the TTL
// can stay long.
package statuscache

import (
	"sync"
	"time"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// cell is one cached snapshot with its insertion time.
type cell struct {
	data       domain.ClusterSnapshot
	insertedAt time.Time
}

// Memory implements domain.StatusCache in process memory.
//
// TTL semantics: zero disables the cache entirely (every Get misses),
// negative never expires (only Invalidate evicts).
type Memory struct {
	ttl time.Duration

	mu    sync.RWMutex
	cells map[string]cell
}

// NewMemory builds the in-process cache.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, cells: make(map[string]cell)}
}

func cellKey(user, cluster string) string { return user + "|" + cluster }

// Get implements domain.StatusCache.
func (m *Memory) Get(_ domain.Context, user, cluster string) domain.CacheResult {
	if m.ttl == 0 {
		observability.CacheMiss(cluster)
		return domain.CacheResult{}
	}
	m.mu.RLock()
	c, ok := m.cells[cellKey(user, cluster)]
	m.mu.RUnlock()
	if !ok {
		observability.CacheMiss(cluster)
		return domain.CacheResult{}
	}
	age := time.Since(c.insertedAt)
	if m.ttl > 0 && age >= m.ttl {
		observability.CacheMiss(cluster)
		return domain.CacheResult{Age: age}
	}
	observability.CacheHit(cluster)
	return domain.CacheResult{Valid: true, Age: age, Data: c.data.Clone()}
}

// Set implements domain.StatusCache. The snapshot is copied in, so the
// caller may keep mutating its map.
func (m *Memory) Set(_ domain.Context, user, cluster string, data domain.ClusterSnapshot) {
	if m.ttl == 0 {
		return
	}
	m.mu.Lock()
	m.cells[cellKey(user, cluster)] = cell{data: data.Clone(), insertedAt: time.Now()}
	m.mu.Unlock()
}

// Invalidate implements domain.StatusCache.
func (m *Memory) Invalidate(_ domain.Context, user, cluster string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cluster != "" {
		delete(m.cells, cellKey(user, cluster))
		return
	}
	prefix := user + "|"
	for k := range m.cells {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.cells, k)
		}
	}
}
