package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
)

// volatileContainer stands in for a whole local vote group on the
// distributed coordinator.
type volatileContainer struct {
	token   coordinator.Token
	remote  coordinator.EnlistmentHandle
	pending bool // the coordinator asked before the local group decided
	hint    bool
}

// promotionBridge holds the remote side of a promoted transaction. All
// fields are guarded by the transaction lock.
type promotionBridge struct {
	tx         *Transaction
	attempted  bool
	promoted   bool
	handle     coordinator.TxHandle
	token      coordinator.Token
	containers [2]*volatileContainer
	tokens     []coordinator.Token

	commitIssued  bool
	remoteDecided bool
	lost          bool // coordinator went down; do not call it again
}

func newToken() coordinator.Token { return coordinator.Token(uuid.NewString()) }

// Promote moves the transaction to the distributed coordinator. It is
// attempted at most once: after success it returns the same handle, after
// failure the transaction is aborted and every call fails.
func (t *Transaction) Promote(ctx context.Context) (coordinator.TxHandle, error) {
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return "", err
	}
	if t.bridge.promoted {
		h := t.bridge.handle
		t.lock.Release(1)
		return h, nil
	}
	if t.state == txTerminal {
		err := t.endedErrorLocked("promote")
		t.lock.Release(1)
		return "", err
	}
	if t.state == txDurable {
		t.lock.Release(1)
		return "", &TransactionError{Op: "promote", TxID: t.id, Status: t.Status(), Err: ErrTooLate}
	}
	eff, err := t.promoteLocked(ctx)
	h := t.bridge.handle
	t.lock.Release(1)
	eff.run()
	if err != nil {
		return "", err
	}
	return h, nil
}

func (t *Transaction) promoteLocked(ctx context.Context) (effects, error) {
	b := t.bridge
	if b.promoted {
		return nil, nil
	}
	if b.attempted {
		return nil, &TransactionError{Op: "promote", TxID: t.id, Status: t.Status(), Err: ErrPromotionFailed, Cause: t.cause}
	}
	b.attempted = true

	if err := b.promote(ctx); err != nil {
		t.mgr.metrics.Promoted(t.ctx, false)
		t.logger.Warn("Promotion failed", zap.Error(err))
		eff := b.discardLocked()
		eff = append(eff, t.abortLocked(fmt.Errorf("%w: %w", ErrPromotionFailed, err))...)
		return eff, &TransactionError{Op: "promote", TxID: t.id, Status: t.Status(), Err: ErrPromotionFailed, Cause: err}
	}
	t.mgr.metrics.Promoted(t.ctx, true)
	t.logger.Info("Transaction promoted",
		zap.String("remoteTx", string(b.handle)), zap.Int("durables", len(t.durables)))
	return nil, nil
}

func (b *promotionBridge) promote(ctx context.Context) error {
	t := b.tx
	conn := t.mgr.conn
	if conn == nil {
		return ErrCoordinatorUnavailable
	}

	b.token = newToken()
	conn.RegisterTransaction(b.token, t.mgr.newRelay(t.h, relayTransaction, -1))
	b.tokens = append(b.tokens, b.token)

	var timeout time.Duration
	if t.timeout > 0 {
		if timeout = t.timeout - t.mgr.clock.Since(t.created); timeout <= 0 {
			return ErrTimeout
		}
	}
	h, err := conn.BeginTransaction(ctx, coordinator.BeginOptions{
		Timeout:   timeout,
		Isolation: t.isolation.String(),
		Token:     b.token,
	})
	if err != nil {
		return fmt.Errorf("begin remote transaction: %w", err)
	}
	b.handle = h

	for _, rec := range t.durables {
		if err := b.enlistDurable(ctx, rec); err != nil {
			return err
		}
	}
	for _, p := range []Phase{Phase0, Phase1} {
		if n, _, _, _ := t.group(p).snapshot(); n > 0 {
			if err := b.ensureContainer(ctx, p); err != nil {
				return err
			}
		}
	}
	b.promoted = true
	return nil
}

func (b *promotionBridge) enlistDurable(ctx context.Context, rec *enlistmentRecord) error {
	conn := b.tx.mgr.conn
	rm, err := conn.RegisterResourceManager(ctx, rec.rmID)
	if err != nil {
		return err
	}
	tok := newToken()
	conn.RegisterEnlistment(tok, b.tx.mgr.newRelay(b.tx.h, relayDurable, rec.index))
	b.tokens = append(b.tokens, tok)
	eh, err := conn.Enlist(ctx, b.handle, rm, coordinator.KindDurable, tok)
	if err != nil {
		return fmt.Errorf("enlist %s: %w", rec.rmID, err)
	}
	rec.remote = eh
	rec.token = tok
	return nil
}

func (b *promotionBridge) ensureContainer(ctx context.Context, p Phase) error {
	if b.containers[p] != nil {
		return nil
	}
	kind, relay := coordinator.KindVolatilePhase1, relayPhase1
	if p == Phase0 {
		kind, relay = coordinator.KindVolatilePhase0, relayPhase0
	}
	conn := b.tx.mgr.conn
	tok := newToken()
	conn.RegisterEnlistment(tok, b.tx.mgr.newRelay(b.tx.h, relay, -1))
	b.tokens = append(b.tokens, tok)
	eh, err := conn.Enlist(ctx, b.handle, nil, kind, tok)
	if err != nil {
		return fmt.Errorf("enlist %s container: %w", p, err)
	}
	b.containers[p] = &volatileContainer{token: tok, remote: eh}
	return nil
}

// commitLocked hands the durable phase to the distributed coordinator.
func (b *promotionBridge) commitLocked() effects {
	t := b.tx
	b.commitIssued = true
	h := b.handle
	return effects{func() {
		if err := t.mgr.conn.Commit(t.ctx, h); err != nil {
			t.mgr.dispatcher.dispatch(t, func() effects { return t.remoteCommitFailedLocked(err) })
		}
	}}
}

// answerContainerLocked replies to a phase 0 or phase 1 request for a
// volatile container with the local group's decision.
func (b *promotionBridge) answerContainerLocked(kind relayKind, n coordinator.Notification) effects {
	p := Phase1
	if kind == relayPhase0 {
		p = Phase0
	}
	c := b.containers[p]
	if c == nil {
		return nil
	}
	_, _, decided, result := b.tx.group(p).snapshot()
	if !decided {
		c.pending = true
		c.hint = n.AbortHint
		return nil
	}
	return b.replyLocked(p, result == voteYes && !n.AbortHint)
}

// answerPendingLocked sends a reply the coordinator asked for before the
// local group had decided.
func (b *promotionBridge) answerPendingLocked(p Phase, v vote) effects {
	c := b.containers[p]
	if c == nil || !c.pending {
		return nil
	}
	c.pending = false
	return b.replyLocked(p, v == voteYes && !c.hint)
}

func (b *promotionBridge) replyLocked(p Phase, yes bool) effects {
	if b.lost {
		return nil
	}
	t := b.tx
	remote := b.containers[p].remote
	return effects{func() {
		var err error
		if p == Phase0 {
			err = t.mgr.conn.Phase0Done(t.ctx, remote, yes)
		} else {
			err = t.mgr.conn.Vote(t.ctx, remote, yes)
		}
		if err != nil {
			t.logger.Warn("Failed to answer coordinator for volatile container", zap.Stringer("phase", p), zap.Error(err))
		}
	}}
}

// finishLocked releases the remote side once the transaction has a final
// status. A local abort is forwarded unless the coordinator already owns
// or announced the outcome.
func (b *promotionBridge) finishLocked(status Status) effects {
	if len(b.tokens) == 0 {
		return nil
	}
	t := b.tx
	tokens := b.tokens
	b.tokens = nil
	eff := effects{func() { t.mgr.conn.Unregister(tokens...) }}
	if status == StatusAborted && b.promoted && !b.commitIssued && !b.remoteDecided && !b.lost {
		h := b.handle
		reason := "aborted"
		if t.cause != nil {
			reason = t.cause.Error()
		}
		eff = append(eff, func() {
			if err := t.mgr.conn.Abort(t.ctx, h, reason); err != nil {
				t.logger.Debug("Remote abort failed", zap.Error(err))
			}
		})
	}
	return eff
}

// discardLocked undoes a half-finished promotion.
func (b *promotionBridge) discardLocked() effects {
	t := b.tx
	if t.mgr.conn == nil {
		return nil
	}
	tokens := b.tokens
	b.tokens = nil
	h := b.handle
	return effects{func() {
		t.mgr.conn.Unregister(tokens...)
		if h == "" {
			return
		}
		if err := t.mgr.conn.Abort(t.ctx, h, "promotion failed"); err != nil {
			t.logger.Debug("Abort of half-promoted transaction failed", zap.Error(err))
		}
	}}
}
