package transaction

import "context"

// Enlistment is the handle a participant gets back. It stays valid after
// the transaction ends; calls on a finished enlistment are no-ops.
type Enlistment interface {
	ID() string
	State() EnlistmentState
	// Done tells the transaction the participant needs no further
	// notifications. Called during Prepare it is a read-only yes vote.
	Done()
}

// PreparingEnlistment is passed to Prepare. Exactly one of Prepared,
// ForceRollback or Done is honoured; later calls are ignored.
type PreparingEnlistment interface {
	Enlistment
	Prepared()
	ForceRollback(cause error)
}

// SinglePhaseEnlistment is passed to SinglePhaseCommit. The participant
// reports the outcome it decided on its own.
type SinglePhaseEnlistment interface {
	Enlistment
	Committed()
	Aborted(cause error)
	InDoubt(cause error)
}

// EnlistmentNotification is the callback surface of a participant. The
// engine never calls it while holding a lock, so implementations may call
// back into the transaction.
type EnlistmentNotification interface {
	Prepare(ctx context.Context, e PreparingEnlistment)
	Commit(ctx context.Context, e Enlistment)
	Rollback(ctx context.Context, e Enlistment)
	InDoubt(ctx context.Context, e Enlistment)
}

// SinglePhaseNotification is implemented by durable participants that can
// decide the outcome alone when they are the only durable resource.
type SinglePhaseNotification interface {
	EnlistmentNotification
	SinglePhaseCommit(ctx context.Context, e SinglePhaseEnlistment)
}

// EnlistmentOptions selects how a participant takes part in the protocol.
type EnlistmentOptions struct {
	// NotifyBeforeFinalPrepare places a volatile enlistment in phase 0, where
	// it may still enlist more participants from inside Prepare.
	NotifyBeforeFinalPrepare bool
}

type phase0Key struct{}

// InPhase0 reports whether ctx is the context handed to a phase 0
// participant of tx. Enlistments made with such a context are accepted
// while phase 0 is still running.
func InPhase0(ctx context.Context, tx *Transaction) bool {
	v, _ := ctx.Value(phase0Key{}).(*Transaction)
	return v != nil && v == tx
}
