package dtc

import (
	"context"
	"sync"

	"github.com/sushant-115/gojotx/core/coordinator"
)

// Session is one client connection to the Coordinator. It implements
// coordinator.Session. Notifications are queued without bound and handed to
// the Notifications channel by a forwarder goroutine, so the coordinator
// never blocks on a slow reader.
type Session struct {
	id  string
	c   *Coordinator
	rms map[string]struct{} // guarded by c.mu

	mu     sync.Mutex
	queue  []coordinator.Notification
	closed bool
	wake   chan struct{}
	done   chan struct{}
	out    chan coordinator.Notification
}

func newSession(c *Coordinator, id string) *Session {
	s := &Session{
		id:   id,
		c:    c,
		rms:  make(map[string]struct{}),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan coordinator.Notification),
	}
	go s.forward()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) send(n coordinator.Notification) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		n := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.done:
			// Nobody is obliged to read after close. Whatever is left is
			// dropped; the closed channel tells the reader the rest.
			return
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

func (s *Session) BeginTransaction(ctx context.Context, opts coordinator.BeginOptions) (coordinator.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.c.begin(s, opts)
}

func (s *Session) RegisterResourceManager(ctx context.Context, rmID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.c.registerResourceManager(s, rmID)
}

func (s *Session) Enlist(ctx context.Context, tx coordinator.TxHandle, rmID string, kind coordinator.EnlistmentKind, token coordinator.Token) (coordinator.EnlistmentHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.c.enlist(s, tx, rmID, kind, token)
}

func (s *Session) Vote(ctx context.Context, e coordinator.EnlistmentHandle, yes bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.c.vote(s, e, yes, false)
}

func (s *Session) Phase0Done(ctx context.Context, e coordinator.EnlistmentHandle, yes bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.c.vote(s, e, yes, true)
}

// Commit starts the commit rounds and returns at once. The outcome arrives
// as a notification on the transaction's token.
func (s *Session) Commit(ctx context.Context, tx coordinator.TxHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.c.commit(s, tx)
}

func (s *Session) Abort(ctx context.Context, tx coordinator.TxHandle, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.c.abort(s, tx, reason)
}

func (s *Session) QueryOutcome(ctx context.Context, tx coordinator.TxHandle) (coordinator.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return coordinator.OutcomeUnknown, err
	}
	return s.c.queryOutcome(s, tx)
}

func (s *Session) Notifications() <-chan coordinator.Notification { return s.out }

// Close aborts the undecided transactions the session takes part in and
// closes the Notifications channel.
func (s *Session) Close() error {
	s.c.closeSession(s)
	return nil
}
