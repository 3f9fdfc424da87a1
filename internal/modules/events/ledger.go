// README: Processed-message ledger: claims a broker message id once, in Postgres or in memory.
package events

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/infra"
)

// Ledger records processed message ids. Claim must run inside the unit of
// work of the business mutation so both commit or neither does.
type Ledger interface {
	Claim(ctx context.Context, messageID, event string) (bool, error)
}

type PgLedger struct {
	db *pgxpool.Pool
}

func NewPgLedger(db *pgxpool.Pool) *PgLedger {
	return &PgLedger{db: db}
}

// Claim reports false when the id was already recorded.
func (l *PgLedger) Claim(ctx context.Context, messageID, event string) (bool, error) {
	tag, err := infra.Conn(ctx, l.db).Exec(ctx, `
		INSERT INTO processed_messages (message_id, event)
		VALUES ($1, $2)
		ON CONFLICT (message_id) DO NOTHING`,
		messageID, event,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MemoryLedger is the in-process ledger used with infra.LocalTx.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[string]string{}}
}

func (l *MemoryLedger) Claim(ctx context.Context, messageID, event string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; ok {
		return false, nil
	}
	l.seen[messageID] = event
	infra.OnRollback(ctx, func() {
		l.mu.Lock()
		delete(l.seen, messageID)
		l.mu.Unlock()
	})
	return true, nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
