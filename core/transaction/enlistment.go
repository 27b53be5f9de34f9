package transaction

import (
	"fmt"
	"sync/atomic"

	"github.com/sushant-115/gojotx/core/coordinator"
)

// EnlistmentState is the state of one participant.
type EnlistmentState int32

const (
	EnlistmentActive EnlistmentState = iota
	EnlistmentPreparing
	EnlistmentPrepared
	EnlistmentCommitting
	EnlistmentAborting
	EnlistmentInDoubt
	EnlistmentDone
)

func (s EnlistmentState) String() string {
	switch s {
	case EnlistmentActive:
		return "active"
	case EnlistmentPreparing:
		return "preparing"
	case EnlistmentPrepared:
		return "prepared"
	case EnlistmentCommitting:
		return "committing"
	case EnlistmentAborting:
		return "aborting"
	case EnlistmentInDoubt:
		return "in-doubt"
	case EnlistmentDone:
		return "done"
	default:
		return fmt.Sprintf("enlistment-state(%d)", int32(s))
	}
}

type enlistmentEvent int

const (
	// Driven by the transaction or the remote coordinator.
	evPrepare enlistmentEvent = iota
	evSinglePhaseCommit
	evCommit
	evRollback
	evInDoubt

	// Reported by the participant.
	evPrepared
	evForceRollback
	evDone
	evCommitted
	evAborted
	evInDoubtReported
)

func (e enlistmentEvent) String() string {
	return [...]string{
		"prepare", "single-phase-commit", "commit", "rollback", "in-doubt",
		"prepared", "force-rollback", "done", "committed", "aborted", "in-doubt-reported",
	}[e]
}

func (e enlistmentEvent) fromCoordinator() bool { return e <= evInDoubt }

type enlistmentEffect int

const (
	effNone enlistmentEffect = iota
	effNotifyPrepare
	effNotifySinglePhase
	effNotifyCommit
	effNotifyRollback
	effNotifyInDoubt
	effVoteYes
	effVoteNo
	effVoteReadOnly
	effOutcomeCommitted
	effOutcomeAborted
	effOutcomeInDoubt
	// Done while committing: an acknowledgement after two-phase commit, a
	// commit when it answers a single-phase request.
	effAcknowledged
)

type enlistmentStep struct {
	to     EnlistmentState
	effect enlistmentEffect
}

type stepKey struct {
	from EnlistmentState
	ev   enlistmentEvent
}

// enlistmentTable lists every transition that changes state or has an
// effect. Anything missing is a no-op, unless it is a coordinator event in
// protocolViolations.
var enlistmentTable = map[stepKey]enlistmentStep{
	{EnlistmentActive, evPrepare}:           {EnlistmentPreparing, effNotifyPrepare},
	{EnlistmentActive, evSinglePhaseCommit}: {EnlistmentCommitting, effNotifySinglePhase},
	{EnlistmentActive, evRollback}:          {EnlistmentAborting, effNotifyRollback},
	{EnlistmentActive, evInDoubt}:           {EnlistmentInDoubt, effNotifyInDoubt},

	{EnlistmentPreparing, evPrepared}:      {EnlistmentPrepared, effVoteYes},
	{EnlistmentPreparing, evForceRollback}: {EnlistmentAborting, effVoteNo},
	{EnlistmentPreparing, evDone}:          {EnlistmentDone, effVoteReadOnly},
	{EnlistmentPreparing, evRollback}:      {EnlistmentAborting, effNotifyRollback},
	{EnlistmentPreparing, evInDoubt}:       {EnlistmentInDoubt, effNotifyInDoubt},

	{EnlistmentPrepared, evCommit}:   {EnlistmentCommitting, effNotifyCommit},
	{EnlistmentPrepared, evRollback}: {EnlistmentAborting, effNotifyRollback},
	{EnlistmentPrepared, evInDoubt}:  {EnlistmentInDoubt, effNotifyInDoubt},

	{EnlistmentCommitting, evDone}:            {EnlistmentDone, effAcknowledged},
	{EnlistmentCommitting, evCommitted}:       {EnlistmentDone, effOutcomeCommitted},
	{EnlistmentCommitting, evAborted}:         {EnlistmentDone, effOutcomeAborted},
	{EnlistmentCommitting, evInDoubtReported}: {EnlistmentDone, effOutcomeInDoubt},

	// A participant that voted no still hears the rollback.
	{EnlistmentAborting, evRollback}: {EnlistmentAborting, effNotifyRollback},
	{EnlistmentAborting, evDone}:     {EnlistmentDone, effNone},

	{EnlistmentInDoubt, evDone}: {EnlistmentDone, effNone},
}

var protocolViolations = map[stepKey]struct{}{
	{EnlistmentActive, evCommit}:               {},
	{EnlistmentPreparing, evCommit}:            {},
	{EnlistmentPreparing, evSinglePhaseCommit}: {},
	{EnlistmentPrepared, evSinglePhaseCommit}:  {},
}

// transitionEnlistment is the whole enlistment state machine. It is pure:
// the caller applies the new state and runs the effect.
func transitionEnlistment(from EnlistmentState, ev enlistmentEvent) (EnlistmentState, enlistmentEffect, error) {
	if step, ok := enlistmentTable[stepKey{from, ev}]; ok {
		return step.to, step.effect, nil
	}
	if _, bad := protocolViolations[stepKey{from, ev}]; bad {
		return from, effNone, fmt.Errorf("%w: %s while %s", ErrProtocolViolation, ev, from)
	}
	return from, effNone, nil
}

type enlistmentKind int

const (
	kindDurable enlistmentKind = iota
	kindVolatile
)

// enlistmentRecord is one participant. Everything except state is fixed at
// enlistment time or mutated under the owning transaction's lock.
type enlistmentRecord struct {
	id    string
	index int
	tx    *Transaction
	kind  enlistmentKind
	phase Phase // volatile only
	rmID  string

	notification EnlistmentNotification
	singlePhase  SinglePhaseNotification // nil unless supported

	state    atomic.Int32
	history  []EnlistmentState
	notified bool // an outcome notification has been sent

	// Set once the enlistment lives on the distributed coordinator.
	remote coordinator.EnlistmentHandle
	token  coordinator.Token
}

func newEnlistmentRecord(tx *Transaction, index int, kind enlistmentKind, n EnlistmentNotification) *enlistmentRecord {
	rec := &enlistmentRecord{
		id:           fmt.Sprintf("%s:%d", tx.id, index),
		index:        index,
		tx:           tx,
		kind:         kind,
		notification: n,
		history:      []EnlistmentState{EnlistmentActive},
	}
	if spc, ok := n.(SinglePhaseNotification); ok {
		rec.singlePhase = spc
	}
	return rec
}

func (r *enlistmentRecord) ID() string { return r.id }

func (r *enlistmentRecord) State() EnlistmentState { return EnlistmentState(r.state.Load()) }

// setStateLocked is called with the transaction lock held.
func (r *enlistmentRecord) setStateLocked(s EnlistmentState) {
	r.state.Store(int32(s))
	r.history = append(r.history, s)
}

// History returns the states the enlistment went through, starting at
// Active.
func (r *enlistmentRecord) History() []EnlistmentState {
	r.tx.lockNoCancel()
	defer r.tx.lock.Release(1)
	return append([]EnlistmentState(nil), r.history...)
}

func (r *enlistmentRecord) Prepared()                 { r.report(evPrepared, nil) }
func (r *enlistmentRecord) ForceRollback(cause error) { r.report(evForceRollback, cause) }
func (r *enlistmentRecord) Done()                     { r.report(evDone, nil) }
func (r *enlistmentRecord) Committed()                { r.report(evCommitted, nil) }
func (r *enlistmentRecord) Aborted(cause error)       { r.report(evAborted, cause) }
func (r *enlistmentRecord) InDoubt(cause error)       { r.report(evInDoubtReported, cause) }

func (r *enlistmentRecord) report(ev enlistmentEvent, cause error) {
	if r.State() == EnlistmentDone {
		return
	}
	tx := r.tx
	tx.mgr.dispatcher.dispatch(tx, func() effects {
		return tx.applyLocked(r, ev, cause)
	})
}
