// README: Driver approval projection in Postgres, plus an in-memory variant.
package driver

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/infra"
	"ridecore/internal/types"
)

// ApprovalStore keeps the approval flag projected from driver.approval.*
// events. Drivers never seen are not approved.
type ApprovalStore struct {
	db *pgxpool.Pool
}

func NewApprovalStore(db *pgxpool.Pool) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) SetApproval(ctx context.Context, driverID types.ID, approved bool) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO driver_approvals (driver_id, approved, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (driver_id) DO UPDATE SET approved = EXCLUDED.approved, updated_at = NOW()`,
		string(driverID), approved,
	)
	return err
}

func (s *ApprovalStore) IsApproved(ctx context.Context, driverID types.ID) (bool, error) {
	var approved bool
	err := infra.Conn(ctx, s.db).QueryRow(ctx,
		`SELECT approved FROM driver_approvals WHERE driver_id = $1`, string(driverID),
	).Scan(&approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return approved, nil
}

type MemoryApprovals struct {
	mu       sync.RWMutex
	approved map[types.ID]bool
}

func NewMemoryApprovals(approved ...types.ID) *MemoryApprovals {
	m := &MemoryApprovals{approved: map[types.ID]bool{}}
	for _, id := range approved {
		m.approved[id] = true
	}
	return m
}

func (m *MemoryApprovals) SetApproval(ctx context.Context, driverID types.ID, approved bool) error {
	m.mu.Lock()
	prev, had := m.approved[driverID]
	m.approved[driverID] = approved
	m.mu.Unlock()
	infra.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if had {
			m.approved[driverID] = prev
		} else {
			delete(m.approved, driverID)
		}
	})
	return nil
}

func (m *MemoryApprovals) IsApproved(_ context.Context, driverID types.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approved[driverID], nil
}
