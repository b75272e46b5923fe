// Package aggregate runs read-modify-write units of work on one escrow
// aggregate: the escrow lock is held for the whole transaction and every
// ledger append inside it extends the global chain in order.
package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"veridraw/internal/domain"
	"veridraw/internal/ledger"
)

// Recorder is called with each appended entry before commit, inside the
// same transaction.
type Recorder interface {
	Record(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry) error
}

// Unit is the state handed to a unit-of-work function.
type Unit struct {
	Tx    *sql.Tx
	Chain *ledger.Session
}

// Runner serialises work per escrow id.
type Runner struct {
	DB       *sql.DB
	Ledger   *ledger.Ledger
	Recorder Recorder

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewRunner(db *sql.DB, l *ledger.Ledger, rec Recorder) *Runner {
	return &Runner{DB: db, Ledger: l, Recorder: rec, locks: map[string]*keyLock{}}
}

// Lock acquires the aggregate lock for key and returns its release func.
func (r *Runner) Lock(key string) func() {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = map[string]*keyLock{}
	}
	kl, ok := r.locks[key]
	if !ok {
		kl = &keyLock{}
		r.locks[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// Do runs fn for escrowID under the aggregate lock in one transaction. The
// global ledger lock, if taken by an append, is released only after commit
// or rollback.
func (r *Runner) Do(ctx context.Context, escrowID string, fn func(ctx context.Context, u Unit) error) error {
	unlock := r.Lock(escrowID)
	defer unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	chain := r.Ledger.Session(tx)
	defer chain.Release()
	defer tx.Rollback()

	if err := fn(ctx, Unit{Tx: tx, Chain: chain}); err != nil {
		return err
	}
	if r.Recorder != nil {
		for _, entry := range chain.Entries() {
			if err := r.Recorder.Record(ctx, tx, entry); err != nil {
				return fmt.Errorf("record %s: %w", entry.EventType, err)
			}
		}
	}
	return tx.Commit()
}
