// Package coordinator owns the process-wide connection to the distributed
// transaction coordinator. It keeps the resource-manager registry, maps
// correlation tokens on inbound notifications back to their targets and
// reconnects lazily after the coordinator goes away.
package coordinator

import (
	"context"
	"time"
)

// Token is the opaque correlation value attached to every notification the
// coordinator sends back to this process.
type Token string

// TxHandle identifies a transaction on the distributed coordinator.
type TxHandle string

// EnlistmentHandle identifies one remote enlistment.
type EnlistmentHandle string

// EnlistmentKind tells the coordinator which round an enlistment takes part in.
type EnlistmentKind int

const (
	KindDurable        EnlistmentKind = iota // Prepared and decided in the durable 2PC round
	KindVolatilePhase0                       // Asked to finish phase 0 before any vote
	KindVolatilePhase1                       // Asked to vote before durable prepare
)

func (k EnlistmentKind) String() string {
	switch k {
	case KindDurable:
		return "durable"
	case KindVolatilePhase0:
		return "volatile-phase0"
	case KindVolatilePhase1:
		return "volatile-phase1"
	default:
		return "unknown"
	}
}

// NotificationKind is the type of an asynchronous coordinator event.
type NotificationKind int

const (
	NotifyPrepareRequested NotificationKind = iota + 1
	NotifyVoteRequested
	NotifyCommitted
	NotifyAborted
	NotifyInDoubt
	NotifyCoordinatorDown
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyPrepareRequested:
		return "prepare-requested"
	case NotifyVoteRequested:
		return "vote-requested"
	case NotifyCommitted:
		return "committed"
	case NotifyAborted:
		return "aborted"
	case NotifyInDoubt:
		return "in-doubt"
	case NotifyCoordinatorDown:
		return "coordinator-down"
	default:
		return "unknown"
	}
}

// IsOutcome reports whether the notification carries a final outcome.
func (k NotificationKind) IsOutcome() bool {
	return k == NotifyCommitted || k == NotifyAborted || k == NotifyInDoubt
}

// Notification is one event on the coordinator's outbound channel.
type Notification struct {
	Kind      NotificationKind
	Token     Token
	AbortHint bool   // Set on phase 0 requests when the coordinator already knows it will abort
	Reason    string // Free-form cause for Aborted and InDoubt
}

// Outcome is the recorded decision for a transaction.
type Outcome int

const (
	OutcomeUnknown Outcome = iota // Still active, or never seen
	OutcomeCommitted
	OutcomeAborted
	OutcomeInDoubt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeInDoubt:
		return "in-doubt"
	default:
		return "unknown"
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) Outcome {
	switch s {
	case "committed":
		return OutcomeCommitted
	case "aborted":
		return OutcomeAborted
	case "in-doubt":
		return OutcomeInDoubt
	default:
		return OutcomeUnknown
	}
}

// BeginOptions describes a transaction to open on the coordinator.
type BeginOptions struct {
	Timeout   time.Duration
	Isolation string
	// Token is used for transaction-level outcome notifications.
	Token Token
}

// Session is one live connection to the distributed coordinator. A session
// becomes useless once its Notifications channel is closed.
type Session interface {
	BeginTransaction(ctx context.Context, opts BeginOptions) (TxHandle, error)
	RegisterResourceManager(ctx context.Context, rmID string) error
	Enlist(ctx context.Context, tx TxHandle, rmID string, kind EnlistmentKind, token Token) (EnlistmentHandle, error)
	Vote(ctx context.Context, e EnlistmentHandle, yes bool) error
	Phase0Done(ctx context.Context, e EnlistmentHandle, yes bool) error
	Commit(ctx context.Context, tx TxHandle) error
	Abort(ctx context.Context, tx TxHandle, reason string) error
	QueryOutcome(ctx context.Context, tx TxHandle) (Outcome, error)
	Notifications() <-chan Notification
	Close() error
}

// Platform opens sessions to the distributed coordinator.
type Platform interface {
	Connect(ctx context.Context) (Session, error)
}

// Target receives notifications routed by correlation token.
type Target interface {
	Deliver(n Notification)
}
