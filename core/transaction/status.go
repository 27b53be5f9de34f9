package transaction

import "fmt"

// Status is the externally visible state of a transaction.
type Status int

const (
	StatusActive     Status = iota // Accepting enlistments
	StatusCommitting               // Commit called, voting or waiting for the durable outcome
	StatusCommitted
	StatusAborted
	StatusInDoubt // Outcome could not be determined
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusInDoubt:
		return "in-doubt"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusAborted || s == StatusInDoubt
}

// IsolationLevel is carried to the coordinator on promotion; the engine
// itself does not enforce it.
type IsolationLevel int

const (
	IsolationSerializable IsolationLevel = iota
	IsolationRepeatableRead
	IsolationReadCommitted
	IsolationReadUncommitted
	IsolationSnapshot
	IsolationChaos
	IsolationUnspecified
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationSerializable:
		return "serializable"
	case IsolationRepeatableRead:
		return "repeatable-read"
	case IsolationReadCommitted:
		return "read-committed"
	case IsolationReadUncommitted:
		return "read-uncommitted"
	case IsolationSnapshot:
		return "snapshot"
	case IsolationChaos:
		return "chaos"
	default:
		return "unspecified"
	}
}

// ParseIsolationLevel maps a config or CLI string to an IsolationLevel.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	for l := IsolationSerializable; l <= IsolationUnspecified; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return IsolationUnspecified, fmt.Errorf("unknown isolation level %q", s)
}

// Phase tags a volatile vote group.
type Phase int

const (
	Phase0 Phase = iota
	Phase1
)

func (p Phase) String() string {
	if p == Phase0 {
		return "phase0"
	}
	return "phase1"
}

// txState is the internal progress of a transaction. It is finer grained
// than Status.
type txState int

const (
	txActive   txState = iota
	txPhase0           // phase 0 round running, late enlistments from phase 0 participants allowed
	txPhase1           // phase 1 vote running
	txDurable          // waiting for the durable participant or the remote coordinator
	txTerminal
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txPhase0:
		return "phase0"
	case txPhase1:
		return "phase1"
	case txDurable:
		return "durable"
	default:
		return "terminal"
	}
}
