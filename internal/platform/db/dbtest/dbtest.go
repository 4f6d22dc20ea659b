// Package dbtest provides an in-memory stand-in for db.Transactor so service
// tests can exercise transactional behaviour against mock repositories.
package dbtest

import (
	"context"
	"sync"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

// Snapshotter is implemented by mock stores that can undo the writes of a
// failed transaction. Snapshot returns the function that restores the state
// captured at the time of the call.
type Snapshotter interface {
	Snapshot() (restore func())
}

type txKey struct{}

// Transactor runs one transaction at a time. On error every registered store
// is restored; on success the commit hooks run after the lock is released.
type Transactor struct {
	mu      sync.Mutex
	stores  []Snapshotter
	Commits int
	Aborts  int
}

func NewTransactor(stores ...Snapshotter) *Transactor {
	return &Transactor{stores: stores}
}

func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	t.mu.Lock()
	restores := make([]func(), 0, len(t.stores))
	for _, s := range t.stores {
		restores = append(restores, s.Snapshot())
	}

	txCtx, runHooks := db.WithCommitHooks(context.WithValue(ctx, txKey{}, true))
	if err := fn(txCtx); err != nil {
		for _, restore := range restores {
			restore()
		}
		t.Aborts++
		t.mu.Unlock()
		return err
	}
	t.Commits++
	t.mu.Unlock()

	runHooks(ctx)
	return nil
}
