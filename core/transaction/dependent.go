package transaction

import (
	"context"
	"sync/atomic"
)

// DependentTransaction extends the scope of a transaction to other work,
// typically another goroutine. It can enlist and roll back but never
// commit.
type DependentTransaction struct {
	tx        *Transaction
	group     *voteGroup // nil unless it blocks the vote
	completed atomic.Bool
}

// DependentClone creates a dependent transaction. With
// blockCommitUntilComplete the vote cannot conclude until Complete or
// Rollback is called on the clone.
func (t *Transaction) DependentClone(blockCommitUntilComplete bool) (*DependentTransaction, error) {
	t.lockNoCancel()
	defer t.lock.Release(1)
	if t.state == txTerminal {
		return nil, t.endedErrorLocked("dependent clone")
	}
	d := &DependentTransaction{tx: t}
	if !blockCommitUntilComplete {
		return d, nil
	}
	// Phase 1 starts voting in the same step that decides phase 0, so phase 0
	// is the only group a clone can still join.
	if err := t.phase0.addDependentClone(); err != nil {
		return nil, &TransactionError{Op: "dependent clone", TxID: t.id, Status: t.Status(), Err: err}
	}
	d.group = t.phase0
	return d, nil
}

func (d *DependentTransaction) ID() string { return d.tx.id }

func (d *DependentTransaction) Status() Status { return d.tx.Status() }

// EnlistDurable enlists on the parent transaction. A blocking clone that has
// not completed may still enlist while phase 0 runs. As on Transaction the
// options do not apply to durable participants.
func (d *DependentTransaction) EnlistDurable(ctx context.Context, rmID string, n EnlistmentNotification, _ EnlistmentOptions) (Enlistment, error) {
	return d.tx.enlistDurable(ctx, rmID, n, d.blocking())
}

func (d *DependentTransaction) EnlistVolatile(ctx context.Context, n EnlistmentNotification, opts EnlistmentOptions) (Enlistment, error) {
	return d.tx.enlistVolatile(ctx, n, opts, d.blocking())
}

func (d *DependentTransaction) blocking() bool {
	return d.group != nil && !d.completed.Load()
}

// Complete reports that the dependent work is finished. Only the first
// call counts.
func (d *DependentTransaction) Complete() {
	if !d.completed.CompareAndSwap(false, true) || d.group == nil {
		return
	}
	t, g := d.tx, d.group
	t.mgr.dispatcher.dispatch(t, func() effects {
		if t.state == txTerminal {
			return nil
		}
		if decided, v := g.dependentCloneCompleted(); decided {
			return t.groupDecidedLocked(g, v)
		}
		return nil
	})
}

// Rollback aborts the parent transaction.
func (d *DependentTransaction) Rollback(reason string) error {
	d.completed.Store(true)
	return d.tx.Rollback(reason)
}
