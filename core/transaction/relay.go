package transaction

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
)

// handle names a transaction in the arena without keeping it alive. A slot
// is reused with a bumped generation, so a stale handle never resolves to
// the new occupant.
type handle struct {
	index      uint32
	generation uint32
}

type arenaSlot struct {
	generation uint32
	tx         *Transaction
}

type arena struct {
	mu    sync.Mutex
	slots []arenaSlot
	free  []uint32
	live  int
}

func (a *arena) insert(tx *Transaction) handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].tx = tx
		return handle{index: idx, generation: a.slots[idx].generation}
	}
	a.slots = append(a.slots, arenaSlot{generation: 1, tx: tx})
	return handle{index: uint32(len(a.slots) - 1), generation: 1}
}

func (a *arena) get(h handle) (*Transaction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.index]
	if s.generation != h.generation || s.tx == nil {
		return nil, false
	}
	return s.tx, true
}

// release frees the slot. It reports false if h was already stale.
func (a *arena) release(h handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.index]
	if s.generation != h.generation || s.tx == nil {
		return false
	}
	s.tx = nil
	s.generation++
	a.free = append(a.free, h.index)
	a.live--
	return true
}

func (a *arena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

type relayKind int

const (
	relayTransaction relayKind = iota
	relayPhase0
	relayPhase1
	relayDurable
)

func (k relayKind) String() string {
	return [...]string{"transaction", "phase0", "phase1", "durable"}[k]
}

// outcomeRelay is registered with the connection for one correlation
// token. It holds only a handle, so a reclaimed transaction simply stops
// receiving notifications.
type outcomeRelay struct {
	mgr        *Manager
	tx         handle
	kind       relayKind
	enlistment int // index into the transaction's enlistments, durable relays only
	delivered  atomic.Bool
}

func (m *Manager) newRelay(h handle, kind relayKind, enlistment int) *outcomeRelay {
	return &outcomeRelay{mgr: m, tx: h, kind: kind, enlistment: enlistment}
}

// Deliver implements coordinator.Target.
func (r *outcomeRelay) Deliver(n coordinator.Notification) {
	if n.Kind.IsOutcome() && !r.delivered.CompareAndSwap(false, true) {
		return
	}
	tx, ok := r.mgr.arena.get(r.tx)
	if !ok {
		r.mgr.logger.Debug("Dropping notification for reclaimed transaction",
			zap.Stringer("relay", r.kind), zap.Stringer("kind", n.Kind))
		return
	}
	r.mgr.dispatcher.dispatch(tx, func() effects {
		return tx.handleRemoteLocked(r, n)
	})
}
