// README: In-memory ride repository; pair with infra.LocalTx so rollbacks undo writes.
package ride

import (
	"context"
	"sort"
	"sync"

	"ridecore/internal/infra"
	"ridecore/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rides  map[int64]*Ride
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: map[int64]*Ride{}}
}

func (m *MemoryStore) Create(ctx context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.rides[r.ID] = r.Clone()
	id := r.ID
	infra.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.rides, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// GetForUpdate relies on the unit of work for exclusion.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id int64) (*Ride, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = r.Clone()
	infra.OnRollback(ctx, func() {
		m.mu.Lock()
		m.rides[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) UpdateSearch(ctx context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	next := prev.Clone()
	next.SearchStartTime = r.SearchStartTime
	next.RejectedDrivers = append([]types.ID(nil), r.RejectedDrivers...)
	m.rides[r.ID] = next
	infra.OnRollback(ctx, func() {
		m.mu.Lock()
		m.rides[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, *e)
	n := len(m.events) - 1
	infra.OnRollback(ctx, func() {
		m.mu.Lock()
		m.events = m.events[:n]
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.PassengerID != nil && *r.PassengerID == passengerID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		if r.Status == StatusPending {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Events(ctx context.Context, rideID int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.RideID == rideID {
			out = append(out, e)
		}
	}
	return out, nil
}
