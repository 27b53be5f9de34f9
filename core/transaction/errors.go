package transaction

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojotx/core/coordinator"
)

var (
	ErrTooLate           = errors.New("too late to enlist: commit has started")
	ErrTransactionEnded  = errors.New("transaction has already ended")
	ErrPromotionFailed   = errors.New("promotion to distributed coordinator failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAborted           = errors.New("transaction aborted")
	ErrInDoubt           = errors.New("transaction outcome in doubt")
	ErrTimeout           = errors.New("transaction timed out")
	ErrManagerClosed     = errors.New("transaction manager closed")

	// ErrCoordinatorUnavailable is transient. Retry the whole transaction,
	// never the half-promoted one.
	ErrCoordinatorUnavailable = coordinator.ErrCoordinatorUnavailable
)

// TransactionError is returned by transaction operations. Err is one of the
// sentinels above and Cause is the first failure captured by the
// transaction; errors.Is matches either.
type TransactionError struct {
	Op     string
	TxID   string
	Status Status
	Err    error
	Cause  error
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("transaction %s: %s: %v", e.TxID, e.Op, e.Err)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
