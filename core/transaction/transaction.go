// Package transaction is the local transaction coordinator. It runs the
// phase 0 and phase 1 volatile votes itself, commits a single durable
// participant without any outside help and promotes the transaction to the
// distributed coordinator when a second durable participant enlists.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/sushant-115/gojotx/core/coordinator"
)

// Transaction is the committable root of a transaction. Only the holder of
// this value can Commit; dependent clones cannot.
type Transaction struct {
	id        string
	mgr       *Manager
	h         handle
	isolation IsolationLevel
	timeout   time.Duration
	created   time.Time
	logger    *zap.Logger
	ctx       context.Context // handed to participants
	done      chan struct{}
	status    atomic.Int32

	// lock is a one-slot semaphore so callbacks can give up after a bounded
	// wait. Everything below is guarded by it.
	lock *semaphore.Weighted

	state           txState
	commitRequested bool
	tooLate         bool
	commitStarted   time.Time
	phase0          *voteGroup
	phase1          *voteGroup
	enlistments     []*enlistmentRecord
	durables        []*enlistmentRecord // at most one unless promoted
	bridge          *promotionBridge
	spcInFlight     bool
	cause           error
	subscribers     []func(Status)
	timer           clock.Timer
	reclaimed       bool
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

func (t *Transaction) Status() Status { return Status(t.status.Load()) }

// lockNoCancel takes the transaction lock for short reads and teardown.
// Acquire only fails when its context is done, which a background context
// never is.
func (t *Transaction) lockNoCancel() {
	_ = t.lock.Acquire(context.Background(), 1)
}

// Cause returns the first failure captured by the transaction, if any.
func (t *Transaction) Cause() error {
	t.lockNoCancel()
	defer t.lock.Release(1)
	return t.cause
}

// Promoted reports whether the transaction now lives on the distributed
// coordinator.
func (t *Transaction) Promoted() bool {
	t.lockNoCancel()
	defer t.lock.Release(1)
	return t.bridge.promoted
}

// EnlistDurable adds a durable participant. The first one is handled
// locally; the second promotes the transaction. Durable participants always
// vote in phase 1, so the options are not consulted; a participant offers
// single-phase commit by implementing SinglePhaseNotification.
func (t *Transaction) EnlistDurable(ctx context.Context, rmID string, n EnlistmentNotification, _ EnlistmentOptions) (Enlistment, error) {
	return t.enlistDurable(ctx, rmID, n, false)
}

func (t *Transaction) enlistDurable(ctx context.Context, rmID string, n EnlistmentNotification, fromClone bool) (Enlistment, error) {
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := t.checkEnlistLocked(ctx, "enlist durable", fromClone); err != nil {
		t.lock.Release(1)
		return nil, err
	}

	rec := t.newEnlistmentLocked(kindDurable, n)
	rec.rmID = rmID

	var eff effects
	var err error
	switch {
	case t.bridge.promoted:
		if err = t.bridge.enlistDurable(ctx, rec); err != nil {
			t.dropLastEnlistmentLocked()
			err = &TransactionError{Op: "enlist durable", TxID: t.id, Status: t.Status(), Err: err}
		} else {
			t.durables = append(t.durables, rec)
		}
	case len(t.durables) == 0:
		t.durables = append(t.durables, rec)
	default:
		t.durables = append(t.durables, rec)
		t.logger.Info("Second durable enlistment, promoting", zap.String("rmID", rmID))
		eff, err = t.promoteLocked(ctx)
	}
	if err == nil {
		t.logger.Debug("Enlisted durable participant", zap.String("enlistmentID", rec.id), zap.String("rmID", rmID))
	}
	t.lock.Release(1)
	eff.run()
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EnlistVolatile adds a volatile participant to phase 0 when
// opts.NotifyBeforeFinalPrepare is set and to phase 1 otherwise.
func (t *Transaction) EnlistVolatile(ctx context.Context, n EnlistmentNotification, opts EnlistmentOptions) (Enlistment, error) {
	return t.enlistVolatile(ctx, n, opts, false)
}

func (t *Transaction) enlistVolatile(ctx context.Context, n EnlistmentNotification, opts EnlistmentOptions, fromClone bool) (Enlistment, error) {
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := t.checkEnlistLocked(ctx, "enlist volatile", fromClone); err != nil {
		t.lock.Release(1)
		return nil, err
	}

	phase := Phase1
	if opts.NotifyBeforeFinalPrepare {
		phase = Phase0
	}
	if t.bridge.promoted {
		if err := t.bridge.ensureContainer(ctx, phase); err != nil {
			t.lock.Release(1)
			return nil, &TransactionError{Op: "enlist volatile", TxID: t.id, Status: t.Status(), Err: err}
		}
	}

	rec := t.newEnlistmentLocked(kindVolatile, n)
	rec.phase = phase
	prepareNow, err := t.group(phase).add(rec)
	if err != nil {
		t.dropLastEnlistmentLocked()
		t.lock.Release(1)
		return nil, &TransactionError{Op: "enlist volatile", TxID: t.id, Status: t.Status(), Err: err}
	}
	var eff effects
	if prepareNow {
		eff = t.applyLocked(rec, evPrepare, nil)
	}
	t.logger.Debug("Enlisted volatile participant", zap.String("enlistmentID", rec.id), zap.Stringer("phase", phase))
	t.lock.Release(1)
	eff.run()
	return rec, nil
}

func (t *Transaction) checkEnlistLocked(ctx context.Context, op string, fromClone bool) error {
	if t.state == txTerminal {
		return t.endedErrorLocked(op)
	}
	if t.tooLate && !(t.state == txPhase0 && (fromClone || InPhase0(ctx, t))) {
		return &TransactionError{Op: op, TxID: t.id, Status: t.Status(), Err: ErrTooLate}
	}
	return nil
}

func (t *Transaction) newEnlistmentLocked(kind enlistmentKind, n EnlistmentNotification) *enlistmentRecord {
	rec := newEnlistmentRecord(t, len(t.enlistments), kind, n)
	t.enlistments = append(t.enlistments, rec)
	return rec
}

func (t *Transaction) dropLastEnlistmentLocked() {
	t.enlistments = t.enlistments[:len(t.enlistments)-1]
}

func (t *Transaction) group(p Phase) *voteGroup {
	if p == Phase0 {
		return t.phase0
	}
	return t.phase1
}

// Commit runs phase 0, phase 1 and the durable phase, then waits for the
// outcome. It returns nil only when the transaction committed.
func (t *Transaction) Commit(ctx context.Context) error {
	ctx, span := t.mgr.tracer.Start(ctx, "gojotx.transaction.commit",
		trace.WithAttributes(attribute.String("txID", t.id)))
	defer span.End()

	if err := t.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	if t.state == txTerminal {
		err := t.endedErrorLocked("commit")
		t.lock.Release(1)
		return err
	}
	if t.commitRequested {
		t.lock.Release(1)
		return &TransactionError{Op: "commit", TxID: t.id, Status: t.Status(), Err: ErrTooLate}
	}
	t.commitRequested = true
	t.tooLate = true
	t.commitStarted = t.mgr.clock.Now()
	t.setStatus(StatusCommitting)
	span.SetAttributes(attribute.Bool("promoted", t.bridge.promoted), attribute.Int("enlistments", len(t.enlistments)))
	eff := t.startPhase0Locked()
	t.lock.Release(1)
	eff.run()

	status, err := t.Wait(ctx)
	span.SetAttributes(attribute.String("outcome", status.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Wait blocks until the transaction reaches a final status or ctx is done.
func (t *Transaction) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
	status := t.Status()
	switch status {
	case StatusAborted:
		return status, &TransactionError{Op: "commit", TxID: t.id, Status: status, Err: ErrAborted, Cause: t.cause}
	case StatusInDoubt:
		return status, &TransactionError{Op: "commit", TxID: t.id, Status: status, Err: ErrInDoubt, Cause: t.cause}
	}
	return status, nil
}

// Rollback aborts the transaction and tells every participant. Once the
// durable outcome has been handed to a participant or the distributed
// coordinator the transaction can no longer abort and is marked in doubt
// instead.
func (t *Transaction) Rollback(reason string) error {
	t.lockNoCancel()
	if t.state == txTerminal {
		err := t.endedErrorLocked("rollback")
		t.lock.Release(1)
		return err
	}
	cause := ErrAborted
	if reason != "" {
		cause = fmt.Errorf("rollback: %s", reason)
	}
	var eff effects
	if t.pastVotingLocked() {
		eff = t.finishLocked(StatusInDoubt, cause)
	} else {
		eff = t.abortLocked(cause)
	}
	t.lock.Release(1)
	eff.run()
	return nil
}

// OnCompleted registers f to be called with the final status. Subscribers
// run on their own goroutine; a panic in one is logged and ignored.
func (t *Transaction) OnCompleted(f func(Status)) {
	t.lockNoCancel()
	if t.state != txTerminal {
		t.subscribers = append(t.subscribers, f)
		t.lock.Release(1)
		return
	}
	status := t.Status()
	t.lock.Release(1)
	go t.notifySubscriber(f, status)
}

func (t *Transaction) notifySubscriber(f func(Status), status Status) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Completion subscriber panicked", zap.Any("panic", r))
		}
	}()
	f(status)
}

func (t *Transaction) setStatus(s Status) { t.status.Store(int32(s)) }

func (t *Transaction) endedErrorLocked(op string) error {
	return &TransactionError{Op: op, TxID: t.id, Status: t.Status(), Err: ErrTransactionEnded, Cause: t.cause}
}

func (t *Transaction) captureCauseLocked(err error) {
	if err != nil && t.cause == nil && t.state != txTerminal {
		t.cause = err
	}
}

func (t *Transaction) pastVotingLocked() bool {
	return t.state == txDurable && (t.spcInFlight || t.bridge.commitIssued)
}

// applyLocked feeds one event to an enlistment and turns the resulting
// effect into work for after the lock is released.
func (t *Transaction) applyLocked(rec *enlistmentRecord, ev enlistmentEvent, cause error) effects {
	from := rec.State()
	to, eff, err := transitionEnlistment(from, ev)
	if err != nil {
		t.logger.Error("Enlistment protocol violation", zap.String("enlistmentID", rec.id), zap.Error(err))
		t.mgr.metrics.ProtocolViolation(t.ctx)
		return t.abortLocked(err)
	}
	if to != from {
		rec.setStateLocked(to)
		t.logger.Debug("Enlistment transition",
			zap.String("enlistmentID", rec.id), zap.Stringer("event", ev),
			zap.Stringer("from", from), zap.Stringer("to", to))
	} else if eff == effNone && !ev.fromCoordinator() {
		t.logger.Debug("Ignoring repeated participant callback",
			zap.String("enlistmentID", rec.id), zap.Stringer("event", ev), zap.Stringer("state", from))
	}

	out := t.effectLocked(rec, eff, cause)
	if to == EnlistmentDone {
		t.maybeReclaimLocked()
	}
	return out
}

func (t *Transaction) effectLocked(rec *enlistmentRecord, eff enlistmentEffect, cause error) effects {
	switch eff {
	case effNotifyPrepare:
		ctx := t.ctx
		if rec.kind == kindVolatile && rec.phase == Phase0 {
			ctx = context.WithValue(ctx, phase0Key{}, t)
		}
		return effects{func() { t.callPrepare(ctx, rec) }}
	case effNotifySinglePhase:
		return effects{func() { t.callSinglePhase(rec) }}
	case effNotifyCommit, effNotifyRollback, effNotifyInDoubt:
		if rec.notified {
			return nil
		}
		rec.notified = true
		return effects{func() { t.callOutcome(rec, eff) }}
	case effVoteYes, effVoteReadOnly:
		return t.voteLocked(rec, true)
	case effVoteNo:
		if cause == nil {
			cause = fmt.Errorf("enlistment %s voted no", rec.id)
		}
		t.captureCauseLocked(cause)
		return t.voteLocked(rec, false)
	case effAcknowledged:
		if !t.spcInFlight || rec.kind != kindDurable {
			return nil
		}
		t.spcInFlight = false
		return t.finishLocked(StatusCommitted, nil)
	case effOutcomeCommitted, effOutcomeAborted, effOutcomeInDoubt:
		if !t.spcInFlight || rec.kind != kindDurable {
			return nil
		}
		t.spcInFlight = false
		switch eff {
		case effOutcomeCommitted:
			return t.finishLocked(StatusCommitted, nil)
		case effOutcomeAborted:
			if cause == nil {
				cause = fmt.Errorf("enlistment %s aborted single-phase commit", rec.id)
			}
			return t.finishLocked(StatusAborted, cause)
		default:
			return t.finishLocked(StatusInDoubt, cause)
		}
	}
	return nil
}

func (t *Transaction) voteLocked(rec *enlistmentRecord, yes bool) effects {
	switch {
	case rec.kind == kindVolatile:
		g := t.group(rec.phase)
		if decided, v := g.decrementOutstanding(yes); decided {
			return t.groupDecidedLocked(g, v)
		}
		return nil
	case t.bridge.promoted:
		remote := rec.remote
		return effects{func() {
			if err := t.mgr.conn.Vote(t.ctx, remote, yes); err != nil {
				t.logger.Warn("Failed to send durable vote", zap.String("enlistmentID", rec.id), zap.Error(err))
			}
		}}
	default:
		// Local prepare round of the only durable participant.
		if yes {
			return t.finishLocked(StatusCommitted, nil)
		}
		return t.abortLocked(nil)
	}
}

func (t *Transaction) startPhase0Locked() effects {
	t.state = txPhase0
	members, decided, v := t.phase0.requestPhase0(false)
	var eff effects
	for _, m := range members {
		eff = append(eff, t.applyLocked(m, evPrepare, nil)...)
	}
	if decided {
		eff = append(eff, t.groupDecidedLocked(t.phase0, v)...)
	}
	return eff
}

func (t *Transaction) startPhase1Locked() effects {
	t.state = txPhase1
	members, decided, v := t.phase1.beginVoting()
	var eff effects
	for _, m := range members {
		eff = append(eff, t.applyLocked(m, evPrepare, nil)...)
	}
	if decided {
		eff = append(eff, t.groupDecidedLocked(t.phase1, v)...)
	}
	return eff
}

func (t *Transaction) groupDecidedLocked(g *voteGroup, v vote) effects {
	t.logger.Debug("Vote group decided", zap.Stringer("phase", g.phase), zap.Stringer("vote", v))
	if t.state == txTerminal {
		return nil
	}
	eff := t.bridge.answerPendingLocked(g.phase, v)
	switch v {
	case voteNo:
		return append(eff, t.abortLocked(fmt.Errorf("%s vote failed", g.phase))...)
	case voteInDoubt:
		return append(eff, t.finishLocked(StatusInDoubt, ErrCoordinatorUnavailable)...)
	}
	if g.phase == Phase0 {
		return append(eff, t.startPhase1Locked()...)
	}
	return append(eff, t.startDurableLocked()...)
}

func (t *Transaction) startDurableLocked() effects {
	t.state = txDurable
	if t.bridge.promoted {
		return t.bridge.commitLocked()
	}
	if len(t.durables) == 0 {
		return t.finishLocked(StatusCommitted, nil)
	}
	d := t.durables[0]
	info := DurableInfo{
		ResourceManagerID:   d.rmID,
		SupportsSinglePhase: d.singlePhase != nil,
		VolatileCount:       len(t.enlistments) - 1,
	}
	if d.singlePhase != nil && t.mgr.strategy.UseSinglePhase(info) {
		t.spcInFlight = true
		return t.applyLocked(d, evSinglePhaseCommit, nil)
	}
	return t.applyLocked(d, evPrepare, nil)
}

func (t *Transaction) abortLocked(cause error) effects {
	return t.finishLocked(StatusAborted, cause)
}

// finishLocked moves the transaction to a final status and fans the outcome
// out to every enlistment. Only the first call has any effect.
func (t *Transaction) finishLocked(status Status, cause error) effects {
	if t.state == txTerminal {
		return nil
	}
	t.captureCauseLocked(cause)
	t.state = txTerminal
	t.tooLate = true
	t.setStatus(status)
	if t.timer != nil {
		t.timer.Stop()
	}
	t.phase0.close()
	t.phase1.close()

	var eff effects
	for _, rec := range t.enlistments {
		switch status {
		case StatusCommitted:
			if rec.State() == EnlistmentPrepared {
				eff = append(eff, t.applyLocked(rec, evCommit, nil)...)
			}
		case StatusAborted:
			eff = append(eff, t.applyLocked(rec, evRollback, nil)...)
		case StatusInDoubt:
			eff = append(eff, t.applyLocked(rec, evInDoubt, nil)...)
		}
	}
	eff = append(eff, t.bridge.finishLocked(status)...)

	if subs := t.subscribers; len(subs) > 0 {
		t.subscribers = nil
		eff = append(eff, func() {
			for _, f := range subs {
				go t.notifySubscriber(f, status)
			}
		})
	}

	var latency time.Duration
	if t.commitRequested {
		latency = t.mgr.clock.Since(t.commitStarted)
	}
	t.mgr.metrics.Finished(t.ctx, status.String(), latency)
	fields := []zap.Field{zap.String("txID", t.id), zap.Stringer("status", status)}
	if t.cause != nil {
		fields = append(fields, zap.NamedError("cause", t.cause))
	}
	t.logger.Info("Transaction finished", fields...)

	close(t.done)
	t.maybeReclaimLocked()
	return eff
}

// maybeReclaimLocked frees the arena slot once nothing can still act on the
// transaction. Notifications that arrive afterwards are dropped.
func (t *Transaction) maybeReclaimLocked() {
	if t.reclaimed || t.state != txTerminal {
		return
	}
	for _, rec := range t.enlistments {
		if rec.State() != EnlistmentDone {
			return
		}
	}
	t.reclaimed = true
	t.mgr.arena.release(t.h)
	t.logger.Debug("Transaction reclaimed")
}

func (t *Transaction) timeoutLocked() effects {
	if t.state == txTerminal {
		return nil
	}
	t.logger.Warn("Transaction timed out", zap.Duration("timeout", t.timeout), zap.Stringer("state", t.state))
	if t.pastVotingLocked() {
		return t.finishLocked(StatusInDoubt, ErrTimeout)
	}
	return t.abortLocked(ErrTimeout)
}

// handleRemoteLocked applies a notification from the distributed
// coordinator routed through an outcome relay.
func (t *Transaction) handleRemoteLocked(r *outcomeRelay, n coordinator.Notification) effects {
	if t.state == txTerminal {
		return nil
	}
	if n.Kind == coordinator.NotifyCoordinatorDown {
		return t.coordinatorDownLocked()
	}
	switch r.kind {
	case relayTransaction:
		return t.remoteOutcomeLocked(n)
	case relayPhase0, relayPhase1:
		if n.Kind.IsOutcome() {
			return t.remoteOutcomeLocked(n)
		}
		return t.bridge.answerContainerLocked(r.kind, n)
	case relayDurable:
		if r.enlistment < 0 || r.enlistment >= len(t.enlistments) {
			return nil
		}
		rec := t.enlistments[r.enlistment]
		switch n.Kind {
		case coordinator.NotifyPrepareRequested, coordinator.NotifyVoteRequested:
			return t.applyLocked(rec, evPrepare, nil)
		case coordinator.NotifyCommitted:
			return t.applyLocked(rec, evCommit, nil)
		case coordinator.NotifyAborted:
			return t.applyLocked(rec, evRollback, nil)
		case coordinator.NotifyInDoubt:
			return t.applyLocked(rec, evInDoubt, nil)
		}
	}
	return nil
}

func (t *Transaction) remoteOutcomeLocked(n coordinator.Notification) effects {
	t.bridge.remoteDecided = true
	var cause error
	if n.Reason != "" {
		cause = fmt.Errorf("coordinator: %s", n.Reason)
	}
	switch n.Kind {
	case coordinator.NotifyCommitted:
		return t.finishLocked(StatusCommitted, nil)
	case coordinator.NotifyAborted:
		if cause == nil {
			cause = errors.New("aborted by coordinator")
		}
		return t.finishLocked(StatusAborted, cause)
	case coordinator.NotifyInDoubt:
		return t.finishLocked(StatusInDoubt, cause)
	}
	return nil
}

// coordinatorDownLocked resolves a promoted transaction whose coordinator
// went away. Before Commit it aborts; during a vote it follows the vote
// group rule; once the coordinator owns the outcome it is in doubt.
func (t *Transaction) coordinatorDownLocked() effects {
	if t.state == txTerminal {
		return nil
	}
	t.logger.Warn("Coordinator down", zap.Stringer("state", t.state))
	t.bridge.lost = true
	cause := ErrCoordinatorUnavailable
	if !t.commitRequested {
		return t.abortLocked(cause)
	}
	for _, g := range []*voteGroup{t.phase0, t.phase1} {
		if decided, v := g.coordinatorDown(); decided {
			if v == voteInDoubt {
				return t.finishLocked(StatusInDoubt, cause)
			}
			return t.abortLocked(cause)
		}
	}
	return t.finishLocked(StatusInDoubt, cause)
}

func (t *Transaction) remoteCommitFailedLocked(err error) effects {
	if t.state == txTerminal {
		return nil
	}
	t.logger.Warn("Coordinator rejected commit", zap.Error(err))
	if errors.Is(err, coordinator.ErrUnknownTransaction) {
		t.bridge.remoteDecided = true
		return t.abortLocked(err)
	}
	return t.finishLocked(StatusInDoubt, err)
}

func (t *Transaction) callPrepare(ctx context.Context, rec *enlistmentRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Participant panicked in prepare", zap.String("enlistmentID", rec.id), zap.Any("panic", r))
			rec.ForceRollback(fmt.Errorf("prepare panicked: %v", r))
		}
	}()
	rec.notification.Prepare(ctx, rec)
}

func (t *Transaction) callSinglePhase(rec *enlistmentRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Participant panicked in single-phase commit", zap.String("enlistmentID", rec.id), zap.Any("panic", r))
			rec.InDoubt(fmt.Errorf("single-phase commit panicked: %v", r))
		}
	}()
	rec.singlePhase.SinglePhaseCommit(t.ctx, rec)
}

func (t *Transaction) callOutcome(rec *enlistmentRecord, eff enlistmentEffect) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Participant panicked in outcome notification", zap.String("enlistmentID", rec.id), zap.Any("panic", r))
		}
	}()
	switch eff {
	case effNotifyCommit:
		rec.notification.Commit(t.ctx, rec)
	case effNotifyRollback:
		rec.notification.Rollback(t.ctx, rec)
	case effNotifyInDoubt:
		rec.notification.InDoubt(t.ctx, rec)
	}
}
