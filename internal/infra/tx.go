// README: Unit-of-work runner; carries the open transaction and its after-commit hooks in context.
package infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the query surface shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner runs fn as one unit of work. Nested calls join the outer unit.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type txState struct {
	tx    pgx.Tx
	hooks []func(context.Context)
	undo  []func()
	done  bool
}

func stateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	if st == nil || st.done {
		return nil
	}
	return st
}

// InTxContext reports whether ctx carries an open unit of work.
func InTxContext(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

// AfterCommit schedules f to run after the outermost unit of work in ctx
// commits. Hooks are dropped on rollback. Outside a unit of work f runs now.
func AfterCommit(ctx context.Context, f func(context.Context)) {
	if st := stateFrom(ctx); st != nil {
		st.hooks = append(st.hooks, f)
		return
	}
	f(ctx)
}

// OnRollback registers an undo step for stores that are not transactional
// themselves. Steps run in reverse order.
func OnRollback(ctx context.Context, f func()) {
	if st := stateFrom(ctx); st != nil {
		st.undo = append(st.undo, f)
	}
}

// Conn returns the transaction bound to ctx, or db when there is none.
func Conn(ctx context.Context, db Querier) Querier {
	if st := stateFrom(ctx); st != nil && st.tx != nil {
		return st.tx
	}
	return db
}

func (st *txState) commit(ctx context.Context) {
	st.done = true
	for _, h := range st.hooks {
		h(ctx)
	}
}

func (st *txState) rollback() {
	st.done = true
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
}

// PgTx runs units of work as PostgreSQL transactions.
type PgTx struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *PgTx {
	return &PgTx{pool: pool}
}

func (r *PgTx) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if stateFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	st := &txState{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			st.rollback()
			panic(p)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		_ = tx.Rollback(ctx)
		st.rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		st.rollback()
		return fmt.Errorf("commit tx: %w", err)
	}
	st.commit(ctx)
	return nil
}

// LocalTx serialises units of work in process with a single mutex. It backs
// in-memory stores, which register OnRollback steps to undo their writes.
type LocalTx struct {
	mu sync.Mutex
}

func (l *LocalTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if stateFrom(ctx) != nil {
		return fn(ctx)
	}
	st := &txState{}
	l.mu.Lock()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				st.rollback()
				l.mu.Unlock()
				panic(p)
			}
		}()
		return fn(context.WithValue(ctx, txKey{}, st))
	}()
	if err != nil {
		st.rollback()
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()
	st.commit(ctx)
	return nil
}
