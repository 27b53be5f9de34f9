package dtc

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
	fsm "github.com/sushant-115/gojotx/core/replication/raft_consensus"
	"github.com/sushant-115/gojotx/core/wal"
)

func newSingleNodeRaft(t *testing.T) (*raft.Raft, *fsm.DecisionFSM) {
	t.Helper()
	conf := raft.DefaultConfig()
	conf.LocalID = "node-1"
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond
	conf.CommitTimeout = 5 * time.Millisecond
	conf.Logger = fsm.NewZapRaftLogger(zap.NewNop())

	decisions := fsm.NewDecisionFSM(zap.NewNop())
	store := raft.NewInmemStore()
	addr, trans := raft.NewInmemTransport("")
	r, err := raft.NewRaft(conf, decisions, store, store, raft.NewInmemSnapshotStore(), trans)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Shutdown().Error()) })

	bootstrap := raft.Configuration{Servers: []raft.Server{{ID: conf.LocalID, Address: addr}}}
	require.NoError(t, r.BootstrapCluster(bootstrap).Error())
	require.Eventually(t, func() bool { return r.State() == raft.Leader }, 5*time.Second, 10*time.Millisecond)
	return r, decisions
}

func TestRaftDecisionLog(t *testing.T) {
	ctx := context.Background()
	r, decisions := newSingleNodeRaft(t)
	l := NewRaftDecisionLog(r, decisions, time.Second)

	require.NoError(t, l.Record(ctx, "tx-1", coordinator.OutcomeCommitted))
	require.NoError(t, l.Record(ctx, "tx-1", coordinator.OutcomeCommitted))
	require.ErrorIs(t, l.Record(ctx, "tx-1", coordinator.OutcomeAborted), ErrConflictingDecision)

	outcome, ok := l.Lookup("tx-1")
	require.True(t, ok)
	require.Equal(t, coordinator.OutcomeCommitted, outcome)

	require.NoError(t, l.Forget(ctx, "tx-1"))
	_, ok = l.Lookup("tx-1")
	require.False(t, ok)
}

func TestCoordinatorOverRaftDecisionLog(t *testing.T) {
	ctx := context.Background()
	r, decisions := newSingleNodeRaft(t)
	c := New(Config{}, nil, WithDecisionLog(NewRaftDecisionLog(r, decisions, time.Second)))
	s := openSession(t, c)

	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx))
	require.Equal(t, coordinator.NotifyCommitted, next(t, s).Kind)

	d, ok := decisions.Lookup(string(tx))
	require.True(t, ok)
	require.Equal(t, "committed", d.Outcome)
}

func TestJournalDecisionLogSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := wal.Open(wal.Config{Dir: dir}, nil)
	require.NoError(t, err)
	c := New(Config{}, nil, WithDecisionLog(NewJournalDecisionLog(j)))
	s := openSession(t, c)
	committed, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "committed"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, committed))
	require.Equal(t, coordinator.NotifyCommitted, next(t, s).Kind)
	require.NoError(t, c.Close())
	require.NoError(t, j.Close())

	j, err = wal.Open(wal.Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer j.Close()
	l := NewJournalDecisionLog(j)
	require.ErrorIs(t, l.Record(ctx, committed, coordinator.OutcomeAborted), ErrConflictingDecision)

	c = New(Config{}, nil, WithDecisionLog(l))
	defer c.Close()
	s = openSession(t, c)
	outcome, err := s.QueryOutcome(ctx, committed)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeCommitted, outcome)

	require.NoError(t, l.Forget(ctx, committed))
	_, ok := l.Lookup(committed)
	require.False(t, ok)
}
