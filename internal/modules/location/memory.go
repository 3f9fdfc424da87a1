// README: In-process geospatial index for single-node runs and tests.
package location

import (
	"context"
	"sync"

	"ridecore/internal/types"
)

type memEntry struct {
	pool  Pool
	point types.Point
}

// MemoryIndex keeps insertion order so equal-distance results are
// deterministic.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[types.ID]memEntry
	order   []types.ID
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: map[types.ID]memEntry{}}
}

func (m *MemoryIndex) Upsert(ctx context.Context, driverID types.ID, pool Pool, p types.Point) error {
	if !pool.Valid() {
		return ErrUnknownPool
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[driverID]; !ok {
		m.order = append(m.order, driverID)
	}
	m.entries[driverID] = memEntry{pool: pool, point: p}
	return nil
}

func (m *MemoryIndex) Remove(ctx context.Context, driverID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[driverID]; !ok {
		return nil
	}
	delete(m.entries, driverID)
	for i, id := range m.order {
		if id == driverID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryIndex) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]NearbyDriver, error) {
	m.mu.RLock()
	var out []NearbyDriver
	for _, id := range m.order {
		e := m.entries[id]
		if e.pool != PoolOnline {
			continue
		}
		if d := haversineKm(p, e.point); d <= radiusKm {
			out = append(out, NearbyDriver{DriverID: id, DistanceKm: d, Point: e.point})
		}
	}
	m.mu.RUnlock()

	sortByDistance(out, func(d NearbyDriver) float64 { return d.DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) Locate(ctx context.Context, driverID types.ID) (Pool, types.Point, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[driverID]
	if !ok {
		return "", types.Point{}, false, nil
	}
	return e.pool, e.point, true, nil
}
