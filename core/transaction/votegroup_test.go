package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func members(n int) []*enlistmentRecord {
	recs := make([]*enlistmentRecord, n)
	for i := range recs {
		recs[i] = &enlistmentRecord{index: i}
	}
	return recs
}

func TestEmptyGroupVotesYesAtOnce(t *testing.T) {
	g := newVoteGroup(Phase1)
	got, decided, v := g.beginVoting()
	require.Empty(t, got)
	require.True(t, decided)
	require.Equal(t, voteYes, v)

	// A group decides once.
	decided, _ = g.decrementOutstanding(true)
	require.False(t, decided)
	_, decided, _ = g.beginVoting()
	require.False(t, decided)
}

func TestGroupWaitsForEveryVote(t *testing.T) {
	g := newVoteGroup(Phase1)
	for _, m := range members(3) {
		_, err := g.add(m)
		require.NoError(t, err)
	}
	got, decided, _ := g.beginVoting()
	require.Len(t, got, 3)
	require.False(t, decided)

	// A no does not end the round early; the group still waits for the rest.
	decided, _ = g.decrementOutstanding(false)
	require.False(t, decided)
	decided, _ = g.decrementOutstanding(true)
	require.False(t, decided)
	decided, v := g.decrementOutstanding(true)
	require.True(t, decided)
	require.Equal(t, voteNo, v)

	decided, _ = g.decrementOutstanding(true)
	require.False(t, decided, "votes after the decision are ignored")
}

func TestPhase1MembershipFreezesWhenVotingStarts(t *testing.T) {
	g := newVoteGroup(Phase1)
	_, err := g.add(&enlistmentRecord{})
	require.NoError(t, err)
	g.beginVoting()

	_, err = g.add(&enlistmentRecord{})
	require.ErrorIs(t, err, ErrTooLate)
	require.ErrorIs(t, g.addDependentClone(), ErrTooLate)
}

func TestPhase0AcceptsMembersWhileVoting(t *testing.T) {
	g := newVoteGroup(Phase0)
	_, err := g.add(&enlistmentRecord{})
	require.NoError(t, err)
	_, decided, _ := g.requestPhase0(false)
	require.False(t, decided)

	prepareNow, err := g.add(&enlistmentRecord{})
	require.NoError(t, err)
	require.True(t, prepareNow)

	decided, _ = g.decrementOutstanding(true)
	require.False(t, decided, "the late member still has to vote")
	decided, v := g.decrementOutstanding(true)
	require.True(t, decided)
	require.Equal(t, voteYes, v)

	_, err = g.add(&enlistmentRecord{})
	require.ErrorIs(t, err, ErrTooLate)
}

func TestPhase0RefusesClonesOnceVoting(t *testing.T) {
	g := newVoteGroup(Phase0)
	require.NoError(t, g.addDependentClone())
	_, err := g.add(&enlistmentRecord{})
	require.NoError(t, err)
	_, decided, _ := g.requestPhase0(false)
	require.False(t, decided)

	require.ErrorIs(t, g.addDependentClone(), ErrTooLate)
	// Late members are still taken.
	prepareNow, err := g.add(&enlistmentRecord{})
	require.NoError(t, err)
	require.True(t, prepareNow)
}

func TestAbortHintVotesNo(t *testing.T) {
	g := newVoteGroup(Phase0)
	_, err := g.add(&enlistmentRecord{})
	require.NoError(t, err)
	got, _, _ := g.requestPhase0(true)
	require.Len(t, got, 1, "members are still asked")
	decided, v := g.decrementOutstanding(true)
	require.True(t, decided)
	require.Equal(t, voteNo, v)
}

func TestDependentClonesBlockTheDecision(t *testing.T) {
	g := newVoteGroup(Phase0)
	require.NoError(t, g.addDependentClone())
	require.NoError(t, g.addDependentClone())

	_, decided, _ := g.requestPhase0(false)
	require.False(t, decided)
	decided, _ = g.dependentCloneCompleted()
	require.False(t, decided)
	decided, v := g.dependentCloneCompleted()
	require.True(t, decided)
	require.Equal(t, voteYes, v)
}

func TestGroupCoordinatorDown(t *testing.T) {
	t.Run("before any vote", func(t *testing.T) {
		g := newVoteGroup(Phase1)
		for _, m := range members(2) {
			_, err := g.add(m)
			require.NoError(t, err)
		}
		g.beginVoting()
		decided, v := g.coordinatorDown()
		require.True(t, decided)
		require.Equal(t, voteNo, v)
	})

	t.Run("after a vote", func(t *testing.T) {
		g := newVoteGroup(Phase1)
		for _, m := range members(3) {
			_, err := g.add(m)
			require.NoError(t, err)
		}
		g.beginVoting()
		g.decrementOutstanding(true)
		decided, v := g.coordinatorDown()
		require.True(t, decided)
		require.Equal(t, voteInDoubt, v)

		decided, _ = g.decrementOutstanding(true)
		require.False(t, decided)
	})

	t.Run("not voting", func(t *testing.T) {
		g := newVoteGroup(Phase1)
		decided, _ := g.coordinatorDown()
		require.False(t, decided)
	})
}

func TestClosedGroupRefusesMembers(t *testing.T) {
	g := newVoteGroup(Phase0)
	g.close()
	_, err := g.add(&enlistmentRecord{})
	require.ErrorIs(t, err, ErrTooLate)
	require.ErrorIs(t, g.addDependentClone(), ErrTooLate)
	_, decided, _ := g.requestPhase0(false)
	require.False(t, decided)
}
