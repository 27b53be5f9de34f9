package dtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/sushant-115/gojotx/core/coordinator"
	fsm "github.com/sushant-115/gojotx/core/replication/raft_consensus"
	"github.com/sushant-115/gojotx/core/wal"
)

// DecisionLog stores commit decisions. Record is write-once per
// transaction: recording a different outcome for a decided transaction
// fails with ErrConflictingDecision.
type DecisionLog interface {
	Record(ctx context.Context, tx coordinator.TxHandle, outcome coordinator.Outcome) error
	Lookup(tx coordinator.TxHandle) (coordinator.Outcome, bool)
	Forget(ctx context.Context, tx coordinator.TxHandle) error
}

// MemoryDecisionLog keeps decisions in memory. They survive Crash but not
// the process.
type MemoryDecisionLog struct {
	mu        sync.RWMutex
	decisions map[coordinator.TxHandle]coordinator.Outcome
}

func NewMemoryDecisionLog() *MemoryDecisionLog {
	return &MemoryDecisionLog{decisions: make(map[coordinator.TxHandle]coordinator.Outcome)}
}

func (l *MemoryDecisionLog) Record(_ context.Context, tx coordinator.TxHandle, outcome coordinator.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.decisions[tx]; ok && existing != outcome {
		return fmt.Errorf("%w: %s is %s", ErrConflictingDecision, tx, existing)
	}
	l.decisions[tx] = outcome
	return nil
}

func (l *MemoryDecisionLog) Lookup(tx coordinator.TxHandle) (coordinator.Outcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.decisions[tx]
	return o, ok
}

func (l *MemoryDecisionLog) Forget(_ context.Context, tx coordinator.TxHandle) error {
	l.mu.Lock()
	delete(l.decisions, tx)
	l.mu.Unlock()
	return nil
}

// RaftDecisionLog replicates decisions through raft. Only the leader can
// record; any node can look up.
type RaftDecisionLog struct {
	raft         *raft.Raft
	fsm          *fsm.DecisionFSM
	applyTimeout time.Duration
}

// NewRaftDecisionLog wraps a raft node whose FSM is f.
func NewRaftDecisionLog(r *raft.Raft, f *fsm.DecisionFSM, applyTimeout time.Duration) *RaftDecisionLog {
	if applyTimeout <= 0 {
		applyTimeout = 5 * time.Second
	}
	return &RaftDecisionLog{raft: r, fsm: f, applyTimeout: applyTimeout}
}

func (l *RaftDecisionLog) Record(ctx context.Context, tx coordinator.TxHandle, outcome coordinator.Outcome) error {
	resp, err := l.apply(ctx, fsm.LogCommand{
		Op:      fsm.OpDecide,
		TxID:    string(tx),
		Outcome: outcome.String(),
		At:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if recorded, ok := resp.(string); ok && recorded != outcome.String() {
		return fmt.Errorf("%w: %s is %s", ErrConflictingDecision, tx, recorded)
	}
	return nil
}

func (l *RaftDecisionLog) Lookup(tx coordinator.TxHandle) (coordinator.Outcome, bool) {
	d, ok := l.fsm.Lookup(string(tx))
	if !ok {
		return coordinator.OutcomeUnknown, false
	}
	return coordinator.ParseOutcome(d.Outcome), true
}

func (l *RaftDecisionLog) Forget(ctx context.Context, tx coordinator.TxHandle) error {
	_, err := l.apply(ctx, fsm.LogCommand{Op: fsm.OpForget, TxID: string(tx)})
	return err
}

func (l *RaftDecisionLog) apply(ctx context.Context, cmd fsm.LogCommand) (interface{}, error) {
	if l.raft.State() != raft.Leader {
		addr, _ := l.raft.LeaderWithID()
		return nil, fmt.Errorf("%w: leader is %q", ErrNotLeader, addr)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log command: %w", err)
	}
	timeout := l.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	future := l.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if rejectedByRaft(err) {
			return nil, fmt.Errorf("failed to apply %s for %s: %w", cmd.Op, cmd.TxID, err)
		}
		return nil, fmt.Errorf("%w: %s for %s: %w", ErrUncertainDecision, cmd.Op, cmd.TxID, err)
	}
	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// rejectedByRaft reports whether an Apply error means the entry never
// reached the log. Anything else, leadership lost after enqueueing above
// all, may still commit on the new leader.
func rejectedByRaft(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrEnqueueTimeout) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress) ||
		errors.Is(err, raft.ErrAbortedByRestore)
}

// JournalDecisionLog keeps decisions in a local write-ahead journal so a
// single coordinator process remembers them across restarts.
type JournalDecisionLog struct {
	journal *wal.Journal
}

func NewJournalDecisionLog(j *wal.Journal) *JournalDecisionLog {
	return &JournalDecisionLog{journal: j}
}

func (l *JournalDecisionLog) Record(_ context.Context, tx coordinator.TxHandle, outcome coordinator.Outcome) error {
	recorded, err := l.journal.Decide(string(tx), outcome.String())
	if errors.Is(err, wal.ErrFailed) {
		return fmt.Errorf("%w: %w", ErrUncertainDecision, err)
	}
	if err != nil {
		return err
	}
	if recorded != outcome.String() {
		return fmt.Errorf("%w: %s is %s", ErrConflictingDecision, tx, recorded)
	}
	return nil
}

func (l *JournalDecisionLog) Lookup(tx coordinator.TxHandle) (coordinator.Outcome, bool) {
	d, ok := l.journal.Lookup(string(tx))
	if !ok {
		return coordinator.OutcomeUnknown, false
	}
	return coordinator.ParseOutcome(d.Outcome), true
}

func (l *JournalDecisionLog) Forget(_ context.Context, tx coordinator.TxHandle) error {
	return l.journal.Forget(string(tx))
}
