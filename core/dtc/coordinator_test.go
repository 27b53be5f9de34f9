package dtc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sushant-115/gojotx/core/coordinator"
)

func openSession(t *testing.T, c *Coordinator) *Session {
	t.Helper()
	s, err := c.OpenSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func next(t *testing.T, s *Session) coordinator.Notification {
	t.Helper()
	select {
	case n, ok := <-s.Notifications():
		require.True(t, ok, "notification channel closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
	}
	return coordinator.Notification{}
}

func waitClosed(t *testing.T, s *Session) []coordinator.Notification {
	t.Helper()
	var got []coordinator.Notification
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-s.Notifications():
			if !ok {
				return got
			}
			got = append(got, n)
		case <-timeout:
			t.Fatal("notification channel never closed")
			return got
		}
	}
}

func TestCommitRunsRoundsInOrder(t *testing.T) {
	ctx := context.Background()
	c := New(Config{}, nil)
	s := openSession(t, c)

	require.NoError(t, s.RegisterResourceManager(ctx, "rm-1"))
	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	p0, err := s.Enlist(ctx, tx, "", coordinator.KindVolatilePhase0, "p0")
	require.NoError(t, err)
	p1, err := s.Enlist(ctx, tx, "", coordinator.KindVolatilePhase1, "p1")
	require.NoError(t, err)
	d1, err := s.Enlist(ctx, tx, "rm-1", coordinator.KindDurable, "d1")
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, tx))

	n := next(t, s)
	require.Equal(t, coordinator.Notification{Kind: coordinator.NotifyPrepareRequested, Token: "p0"}, n)
	require.ErrorIs(t, s.Vote(ctx, d1, true), coordinator.ErrUnexpectedVote)
	require.NoError(t, s.Phase0Done(ctx, p0, true))

	n = next(t, s)
	require.Equal(t, coordinator.Notification{Kind: coordinator.NotifyVoteRequested, Token: "p1"}, n)
	require.NoError(t, s.Vote(ctx, p1, true))

	n = next(t, s)
	require.Equal(t, coordinator.Notification{Kind: coordinator.NotifyPrepareRequested, Token: "d1"}, n)
	outcome, err := s.QueryOutcome(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeUnknown, outcome)
	require.NoError(t, s.Vote(ctx, d1, true))

	tokens := map[coordinator.Token]coordinator.NotificationKind{}
	for i := 0; i < 4; i++ {
		n := next(t, s)
		tokens[n.Token] = n.Kind
	}
	require.Equal(t, map[coordinator.Token]coordinator.NotificationKind{
		"p0": coordinator.NotifyCommitted,
		"p1": coordinator.NotifyCommitted,
		"d1": coordinator.NotifyCommitted,
		"tx": coordinator.NotifyCommitted,
	}, tokens)

	outcome, err = s.QueryOutcome(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeCommitted, outcome)
	require.Zero(t, c.Undecided())
	require.ErrorIs(t, s.Commit(ctx, tx), coordinator.ErrAlreadyDecided)
}

func TestNoVoteAborts(t *testing.T) {
	ctx := context.Background()
	c := New(Config{}, nil)
	s := openSession(t, c)

	require.NoError(t, s.RegisterResourceManager(ctx, "rm-1"))
	require.NoError(t, s.RegisterResourceManager(ctx, "rm-2"))
	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	d1, err := s.Enlist(ctx, tx, "rm-1", coordinator.KindDurable, "d1")
	require.NoError(t, err)
	_, err = s.Enlist(ctx, tx, "rm-2", coordinator.KindDurable, "d2")
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, tx))
	next(t, s)
	next(t, s)
	require.NoError(t, s.Vote(ctx, d1, false))

	for i := 0; i < 3; i++ {
		n := next(t, s)
		require.Equal(t, coordinator.NotifyAborted, n.Kind)
		require.Contains(t, n.Reason, "voted no")
	}
	outcome, err := s.QueryOutcome(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeAborted, outcome)
	require.NoError(t, s.Abort(ctx, tx, "again"))
}

func TestEnlistChecks(t *testing.T) {
	ctx := context.Background()
	c := New(Config{}, nil)
	s := openSession(t, c)

	_, err := s.Enlist(ctx, "missing", "", coordinator.KindVolatilePhase1, "v")
	require.ErrorIs(t, err, coordinator.ErrUnknownTransaction)

	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	_, err = s.Enlist(ctx, tx, "rm-unknown", coordinator.KindDurable, "d")
	require.ErrorIs(t, err, coordinator.ErrUnknownResourceManager)

	p0, err := s.Enlist(ctx, tx, "", coordinator.KindVolatilePhase0, "p0")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx))
	require.Equal(t, coordinator.Token("p0"), next(t, s).Token)

	// Phase 0 still takes phase 0 members and asks them at once.
	late, err := s.Enlist(ctx, tx, "", coordinator.KindVolatilePhase0, "p0-late")
	require.NoError(t, err)
	require.Equal(t, coordinator.Notification{Kind: coordinator.NotifyPrepareRequested, Token: "p0-late"}, next(t, s))
	_, err = s.Enlist(ctx, tx, "", coordinator.KindVolatilePhase1, "p1")
	require.ErrorIs(t, err, coordinator.ErrEnlistmentClosed)

	require.NoError(t, s.Phase0Done(ctx, p0, true))
	require.ErrorIs(t, s.Phase0Done(ctx, p0, true), coordinator.ErrUnexpectedVote)
	require.NoError(t, s.Phase0Done(ctx, late, true))
	for i := 0; i < 3; i++ {
		require.Equal(t, coordinator.NotifyCommitted, next(t, s).Kind)
	}
}

func TestRemoteTimeoutAborts(t *testing.T) {
	ctx := context.Background()
	fc := testingclock.NewFakeClock(time.Now())
	c := New(Config{}, nil, WithClock(fc))
	s := openSession(t, c)

	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx", Timeout: time.Second})
	require.NoError(t, err)
	fc.Step(2 * time.Second)

	n := next(t, s)
	require.Equal(t, coordinator.NotifyAborted, n.Kind)
	require.Equal(t, coordinator.Token("tx"), n.Token)
	require.Contains(t, n.Reason, "timed out")
	outcome, err := s.QueryOutcome(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeAborted, outcome)
}

func TestCrashKeepsRecordedDecisions(t *testing.T) {
	ctx := context.Background()
	c := New(Config{}, nil)
	s := openSession(t, c)

	committed, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "committed"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, committed))
	require.Equal(t, coordinator.NotifyCommitted, next(t, s).Kind)

	pending, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "pending"})
	require.NoError(t, err)

	c.Crash()
	for _, n := range waitClosed(t, s) {
		require.Equal(t, coordinator.NotifyCoordinatorDown, n.Kind)
	}
	require.ErrorIs(t, s.Commit(ctx, pending), coordinator.ErrConnectionClosed)

	s2 := openSession(t, c)
	outcome, err := s2.QueryOutcome(ctx, committed)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeCommitted, outcome)
	outcome, err = s2.QueryOutcome(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeAborted, outcome)
}

func TestSessionCloseAbortsItsTransactions(t *testing.T) {
	ctx := context.Background()
	c := New(Config{}, nil)
	root := openSession(t, c)
	rm, err := c.OpenSession(ctx)
	require.NoError(t, err)

	require.NoError(t, rm.RegisterResourceManager(ctx, "rm-1"))
	tx, err := root.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	_, err = rm.Enlist(ctx, tx, "rm-1", coordinator.KindDurable, "d1")
	require.NoError(t, err)

	require.NoError(t, rm.Close())
	waitClosed(t, rm)

	n := next(t, root)
	require.Equal(t, coordinator.NotifyAborted, n.Kind)
	require.Equal(t, coordinator.Token("tx"), n.Token)
}

func TestConnectWhenUnavailable(t *testing.T) {
	c := New(Config{}, nil)
	c.SetAvailable(false)
	_, err := c.Connect(context.Background())
	require.ErrorIs(t, err, coordinator.ErrCoordinatorUnavailable)

	c.SetAvailable(true)
	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, ok := <-s.Notifications()
	require.False(t, ok)

	_, err = c.Connect(context.Background())
	require.ErrorIs(t, err, coordinator.ErrConnectionClosed)
}

type failingLog struct {
	*MemoryDecisionLog
	failCommits bool
	// err defaults to a write the log definitely rejected.
	err error
}

func (l *failingLog) Record(ctx context.Context, tx coordinator.TxHandle, outcome coordinator.Outcome) error {
	if l.failCommits && outcome == coordinator.OutcomeCommitted {
		if l.err != nil {
			return l.err
		}
		return errors.New("disk full")
	}
	return l.MemoryDecisionLog.Record(ctx, tx, outcome)
}

func TestUnrecordableCommitAborts(t *testing.T) {
	ctx := context.Background()
	log := &failingLog{MemoryDecisionLog: NewMemoryDecisionLog(), failCommits: true}
	c := New(Config{}, nil, WithDecisionLog(log))
	s := openSession(t, c)

	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx))

	n := next(t, s)
	require.Equal(t, coordinator.NotifyAborted, n.Kind)
	require.Equal(t, "decision log unavailable", n.Reason)
	outcome, ok := log.Lookup(tx)
	require.True(t, ok)
	require.Equal(t, coordinator.OutcomeAborted, outcome)
}

func TestUncertainCommitIsInDoubt(t *testing.T) {
	ctx := context.Background()
	lost := fmt.Errorf("%w: commit for tx: %w", ErrUncertainDecision, raft.ErrLeadershipLost)
	log := &failingLog{MemoryDecisionLog: NewMemoryDecisionLog(), failCommits: true, err: lost}
	c := New(Config{}, nil, WithDecisionLog(log))
	s := openSession(t, c)

	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx))

	n := next(t, s)
	require.Equal(t, coordinator.NotifyInDoubt, n.Kind)
	require.Equal(t, "decision log write uncertain", n.Reason)
	_, ok := log.Lookup(tx)
	require.False(t, ok, "no abort may be written over a commit that could still land")
}

func TestUncertainCommitUsesRecordedOutcome(t *testing.T) {
	ctx := context.Background()
	log := &failingLog{MemoryDecisionLog: NewMemoryDecisionLog(), failCommits: true}
	c := New(Config{}, nil, WithDecisionLog(log))
	s := openSession(t, c)

	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	// The entry reached the log even though the write reported failure.
	require.NoError(t, log.MemoryDecisionLog.Record(ctx, tx, coordinator.OutcomeCommitted))
	log.err = fmt.Errorf("%w: %w", ErrUncertainDecision, raft.ErrLeadershipLost)
	require.NoError(t, s.Commit(ctx, tx))

	require.Equal(t, coordinator.NotifyCommitted, next(t, s).Kind)
}

func TestRaftRejectionsAreDefinite(t *testing.T) {
	for _, err := range []error{raft.ErrNotLeader, raft.ErrEnqueueTimeout, raft.ErrLeadershipTransferInProgress, raft.ErrAbortedByRestore} {
		require.True(t, rejectedByRaft(fmt.Errorf("apply: %w", err)), err.Error())
	}
	for _, err := range []error{raft.ErrLeadershipLost, raft.ErrRaftShutdown} {
		require.False(t, rejectedByRaft(err), err.Error())
	}
}

func TestMemoryDecisionLogIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryDecisionLog()
	require.NoError(t, l.Record(ctx, "tx", coordinator.OutcomeCommitted))
	require.NoError(t, l.Record(ctx, "tx", coordinator.OutcomeCommitted))
	require.ErrorIs(t, l.Record(ctx, "tx", coordinator.OutcomeAborted), ErrConflictingDecision)

	require.NoError(t, l.Forget(ctx, "tx"))
	_, ok := l.Lookup("tx")
	require.False(t, ok)
}

func TestDecisionsAreForgottenAfterRetention(t *testing.T) {
	ctx := context.Background()
	fc := testingclock.NewFakeClock(time.Now())
	log := NewMemoryDecisionLog()
	c := New(Config{DecisionRetention: time.Minute}, nil, WithClock(fc), WithDecisionLog(log))
	s := openSession(t, c)

	tx, err := s.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx))
	require.Equal(t, coordinator.NotifyCommitted, next(t, s).Kind)

	fc.Step(30 * time.Second)
	outcome, err := s.QueryOutcome(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeCommitted, outcome)

	fc.Step(time.Minute)
	require.Eventually(t, func() bool {
		_, ok := log.Lookup(tx)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	outcome, err = s.QueryOutcome(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeAborted, outcome, "forgotten decisions are presumed aborted")
}
