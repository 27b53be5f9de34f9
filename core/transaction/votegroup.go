package transaction

import "sync"

type vote int

const (
	voteYes vote = iota
	voteNo
	voteInDoubt
)

func (v vote) String() string {
	switch v {
	case voteYes:
		return "yes"
	case voteNo:
		return "no"
	default:
		return "in-doubt"
	}
}

// voteGroup collects the votes of the volatile enlistments of one phase.
// It has its own lock, always taken inside the transaction lock. Methods
// return the decision instead of acting on it; the transaction fans it out.
type voteGroup struct {
	mu    sync.Mutex
	phase Phase

	members     []*enlistmentRecord
	outstanding int
	clones      int
	aggregate   bool
	voting      bool
	decided     bool
	sawVote     bool
	result      vote
}

func newVoteGroup(phase Phase) *voteGroup {
	return &voteGroup{phase: phase, aggregate: true}
}

// add appends a member. Phase 0 keeps accepting members while it votes and
// asks the caller to prepare them at once; phase 1 membership is frozen
// when voting starts.
func (g *voteGroup) add(rec *enlistmentRecord) (prepareNow bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided || (g.voting && g.phase == Phase1) {
		return false, ErrTooLate
	}
	g.members = append(g.members, rec)
	if g.voting {
		g.outstanding++
		return true, nil
	}
	return false, nil
}

// addDependentClone is only legal before voting starts, in either phase.
func (g *voteGroup) addDependentClone() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided || g.voting {
		return ErrTooLate
	}
	g.clones++
	return nil
}

func (g *voteGroup) dependentCloneCompleted() (bool, vote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clones > 0 {
		g.clones--
	}
	return g.tryDecideLocked()
}

// beginVoting starts the phase 1 round. The returned members must each be
// asked to prepare.
func (g *voteGroup) beginVoting() ([]*enlistmentRecord, bool, vote) {
	return g.start(false)
}

// requestPhase0 starts the phase 0 round. With abortHint set the group
// votes no whatever its members say; they are still asked so they can
// clean up.
func (g *voteGroup) requestPhase0(abortHint bool) ([]*enlistmentRecord, bool, vote) {
	return g.start(abortHint)
}

func (g *voteGroup) start(abortHint bool) ([]*enlistmentRecord, bool, vote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.voting || g.decided {
		return nil, false, voteYes
	}
	g.voting = true
	if abortHint {
		g.aggregate = false
	}
	members := append([]*enlistmentRecord(nil), g.members...)
	if len(members) == 0 {
		// Nobody will vote, so cast the yes ourselves to still get a
		// decision out of the group. It does not count as a collected vote.
		g.outstanding = 0
		decided, v := g.tryDecideLocked()
		return nil, decided, v
	}
	g.outstanding = len(members)
	return members, false, voteYes
}

// decrementOutstanding records one member vote. The returned bool is true
// exactly once per group, for the call that produced the decision.
func (g *voteGroup) decrementOutstanding(yes bool) (bool, vote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided || !g.voting || g.outstanding == 0 {
		return false, g.result
	}
	g.sawVote = true
	g.outstanding--
	g.aggregate = g.aggregate && yes
	return g.tryDecideLocked()
}

func (g *voteGroup) tryDecideLocked() (bool, vote) {
	if g.decided || !g.voting || g.outstanding != 0 || g.clones != 0 {
		return false, g.result
	}
	g.decided = true
	if g.aggregate {
		g.result = voteYes
	} else {
		g.result = voteNo
	}
	return true, g.result
}

// coordinatorDown resolves a group that is still waiting for votes. A group
// that already collected a vote cannot know what the rest would have said,
// so it resolves in doubt.
func (g *voteGroup) coordinatorDown() (bool, vote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided || !g.voting {
		return false, g.result
	}
	g.decided = true
	if g.sawVote {
		g.result = voteInDoubt
	} else {
		g.result = voteNo
	}
	return true, g.result
}

// close marks the group decided so late members and clones are refused.
func (g *voteGroup) close() {
	g.mu.Lock()
	g.decided = true
	g.mu.Unlock()
}

func (g *voteGroup) snapshot() (members int, voting, decided bool, result vote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members), g.voting, g.decided, g.result
}
