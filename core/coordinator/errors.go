package coordinator

import "errors"

var (
	// ErrCoordinatorUnavailable is transient: the coordinator process or
	// service cannot be reached. Callers may retry the whole transaction.
	ErrCoordinatorUnavailable = errors.New("distributed coordinator unavailable")
	ErrConnectionClosed       = errors.New("coordinator connection closed")
	ErrUnknownTransaction     = errors.New("transaction not known to coordinator")
	ErrUnknownEnlistment      = errors.New("enlistment not known to coordinator")
	ErrUnknownResourceManager = errors.New("resource manager not registered")
	ErrUnexpectedVote         = errors.New("vote not expected in current round")
	ErrAlreadyDecided         = errors.New("transaction already decided")
	ErrEnlistmentClosed       = errors.New("transaction no longer accepts enlistments")
)
