// Package fsm replicates coordinator commit decisions through raft so a
// decision survives the loss of the coordinator process that made it.
package fsm

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// LogCommand is the unit replicated through raft.
type LogCommand struct {
	Op      string    `json:"op"`
	TxID    string    `json:"tx_id"`
	Outcome string    `json:"outcome,omitempty"` // "committed", "aborted" or "in-doubt"
	At      time.Time `json:"at,omitempty"`
}

const (
	OpDecide = "decide"
	OpForget = "forget"
)

// Decision is one recorded outcome.
type Decision struct {
	Outcome   string    `json:"outcome"`
	DecidedAt time.Time `json:"decided_at"`
	Index     uint64    `json:"index"`
}

// DecisionFSM implements raft.FSM over the table of decided transactions.
type DecisionFSM struct {
	mu               sync.RWMutex
	decisions        map[string]Decision
	lastAppliedIndex uint64
	logger           *zap.Logger
}

func NewDecisionFSM(logger *zap.Logger) *DecisionFSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionFSM{
		decisions: make(map[string]Decision),
		logger:    logger.Named("decision_fsm"),
	}
}

// Apply is called by raft on every node once an entry is committed. A
// decision is write-once: deciding an already decided transaction returns
// the existing outcome and leaves it unchanged.
func (f *DecisionFSM) Apply(entry *raft.Log) interface{} {
	var cmd LogCommand
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal raft log entry", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("invalid log command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedIndex = entry.Index

	switch cmd.Op {
	case OpDecide:
		if cmd.TxID == "" || cmd.Outcome == "" {
			return fmt.Errorf("decide needs tx_id and outcome")
		}
		if existing, ok := f.decisions[cmd.TxID]; ok {
			if existing.Outcome != cmd.Outcome {
				f.logger.Warn("Ignoring conflicting decision",
					zap.String("txID", cmd.TxID), zap.String("recorded", existing.Outcome), zap.String("proposed", cmd.Outcome))
			}
			return existing.Outcome
		}
		f.decisions[cmd.TxID] = Decision{Outcome: cmd.Outcome, DecidedAt: cmd.At, Index: entry.Index}
		f.logger.Debug("Decision applied", zap.String("txID", cmd.TxID), zap.String("outcome", cmd.Outcome), zap.Uint64("index", entry.Index))
		return cmd.Outcome
	case OpForget:
		delete(f.decisions, cmd.TxID)
		return nil
	default:
		f.logger.Warn("Unknown FSM command operation", zap.String("op", cmd.Op), zap.Uint64("index", entry.Index))
		return fmt.Errorf("unknown FSM command operation: %s", cmd.Op)
	}
}

// Snapshot returns a point-in-time copy of the decision table.
func (f *DecisionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	decisions := make(map[string]Decision, len(f.decisions))
	for k, v := range f.decisions {
		decisions[k] = v
	}
	f.logger.Debug("FSM snapshot created", zap.Uint64("index", f.lastAppliedIndex), zap.Int("decisions", len(decisions)))
	return &decisionSnapshot{decisions: decisions, logger: f.logger}, nil
}

// Restore replaces the decision table with a snapshot.
func (f *DecisionFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data snapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}
	if data.Decisions == nil {
		data.Decisions = make(map[string]Decision)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = data.Decisions
	f.logger.Info("FSM state restored from snapshot", zap.Int("decisions", len(data.Decisions)))
	return nil
}

// Lookup returns the recorded decision for txID.
func (f *DecisionFSM) Lookup(txID string) (Decision, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.decisions[txID]
	return d, ok
}

func (f *DecisionFSM) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.decisions)
}

func (f *DecisionFSM) LastAppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastAppliedIndex
}

type snapshotData struct {
	Decisions map[string]Decision `json:"decisions"`
}

type decisionSnapshot struct {
	decisions map[string]Decision
	logger    *zap.Logger
}

// Persist writes the snapshot to the given sink.
func (s *decisionSnapshot) Persist(sink raft.SnapshotSink) error {
	bytes, err := json.Marshal(snapshotData{Decisions: s.decisions})
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal FSM snapshot: %w", err)
	}
	if _, err := sink.Write(bytes); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write FSM snapshot to sink: %w", err)
	}
	return sink.Close()
}

func (s *decisionSnapshot) Release() {}
