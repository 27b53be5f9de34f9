// Package dtc is an in-process distributed transaction coordinator. It
// implements coordinator.Platform, backs the gRPC coordinator service and
// stands in for a real coordinator in tests.
//
// Commit runs three rounds. Phase 0 containers get PrepareRequested and
// answer with Phase0Done, phase 1 containers get VoteRequested and answer
// with Vote, durable enlistments get PrepareRequested and answer with Vote.
// A single no aborts. The decision is written to the DecisionLog before
// anyone hears about it.
package dtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/sushant-115/gojotx/core/coordinator"
)

var (
	ErrConflictingDecision = errors.New("conflicting decision already recorded")
	ErrNotLeader           = errors.New("decision log is not writable on this node")
	// ErrUncertainDecision means the write failed in a way that may still
	// have recorded it, such as raft losing leadership after the entry was
	// enqueued.
	ErrUncertainDecision = errors.New("decision may have been recorded")
)

// Config holds the coordinator tunables.
type Config struct {
	// DefaultTimeout aborts remote transactions begun without a timeout.
	// Zero disables it.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// RecordTimeout bounds one decision log write.
	RecordTimeout time.Duration `yaml:"record_timeout"`
	// DecisionRetention is how long a decision stays answerable through
	// QueryOutcome before it is forgotten. Zero keeps decisions forever.
	// Once forgotten, a transaction is presumed aborted, so this must
	// outlast the longest participant recovery.
	DecisionRetention time.Duration `yaml:"decision_retention"`
}

func (c *Config) setDefaults() {
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = 5 * time.Second
	}
}

type round int

const (
	roundActive round = iota
	roundPhase0
	roundPhase1
	roundDurable
	roundDecided
)

func (r round) String() string {
	return [...]string{"active", "phase0", "phase1", "durable", "decided"}[r]
}

// members returns which enlistments take part in a round and how they are
// asked.
func (r round) members() (coordinator.EnlistmentKind, coordinator.NotificationKind) {
	switch r {
	case roundPhase0:
		return coordinator.KindVolatilePhase0, coordinator.NotifyPrepareRequested
	case roundPhase1:
		return coordinator.KindVolatilePhase1, coordinator.NotifyVoteRequested
	default:
		return coordinator.KindDurable, coordinator.NotifyPrepareRequested
	}
}

type remoteTx struct {
	handle      coordinator.TxHandle
	session     *Session
	token       coordinator.Token
	enlistments []*remoteEnlistment
	round       round
	pending     int
	timer       clock.Timer
}

type remoteEnlistment struct {
	handle  coordinator.EnlistmentHandle
	tx      *remoteTx
	kind    coordinator.EnlistmentKind
	rmID    string
	token   coordinator.Token
	session *Session
	asked   bool
	voted   bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c clock.WithDelayedExecution) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithDecisionLog replaces the default MemoryDecisionLog.
func WithDecisionLog(l DecisionLog) Option {
	return func(co *Coordinator) { co.log = l }
}

// Coordinator is the reference distributed coordinator. The zero value is
// not usable; call New.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.WithDelayedExecution
	log    DecisionLog

	mu          sync.Mutex
	available   bool
	closed      bool
	sessions    map[string]*Session
	txs         map[coordinator.TxHandle]*remoteTx
	enlistments map[coordinator.EnlistmentHandle]*remoteEnlistment
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger.Named("dtc"),
		clock:       clock.RealClock{},
		available:   true,
		sessions:    make(map[string]*Session),
		txs:         make(map[coordinator.TxHandle]*remoteTx),
		enlistments: make(map[coordinator.EnlistmentHandle]*remoteEnlistment),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = NewMemoryDecisionLog()
	}
	return c
}

// Connect implements coordinator.Platform.
func (c *Coordinator) Connect(ctx context.Context) (coordinator.Session, error) {
	s, err := c.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSession is Connect returning the concrete session, for servers that
// need its id.
func (c *Coordinator) OpenSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, coordinator.ErrConnectionClosed
	}
	if !c.available {
		return nil, coordinator.ErrCoordinatorUnavailable
	}
	s := newSession(c, uuid.NewString())
	c.sessions[s.id] = s
	c.logger.Info("Session opened", zap.String("sessionID", s.id))
	return s, nil
}

// SetAvailable makes Connect fail (false) or succeed (true). Existing
// sessions are not affected.
func (c *Coordinator) SetAvailable(available bool) {
	c.mu.Lock()
	c.available = available
	c.mu.Unlock()
}

// Crash simulates a coordinator restart. Every session is told the
// coordinator is down and closed, and undecided transactions are forgotten.
// Recorded decisions survive.
func (c *Coordinator) Crash() {
	c.mu.Lock()
	sessions := c.sessions
	undecided := len(c.txs)
	for _, tx := range c.txs {
		if tx.timer != nil {
			tx.timer.Stop()
		}
	}
	c.sessions = make(map[string]*Session)
	c.txs = make(map[coordinator.TxHandle]*remoteTx)
	c.enlistments = make(map[coordinator.EnlistmentHandle]*remoteEnlistment)
	c.mu.Unlock()

	c.logger.Warn("Coordinator crashed", zap.Int("sessions", len(sessions)), zap.Int("undecided", undecided))
	for _, s := range sessions {
		s.send(coordinator.Notification{Kind: coordinator.NotifyCoordinatorDown})
		s.close()
	}
}

// Close ends every session. Undecided transactions are aborted first.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, tx := range c.txs {
		c.decideLocked(tx, coordinator.OutcomeAborted, "coordinator shutting down")
	}
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// Undecided returns the number of transactions without a decision.
func (c *Coordinator) Undecided() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

func (c *Coordinator) checkSessionLocked(s *Session) error {
	if c.sessions[s.id] != s {
		return coordinator.ErrConnectionClosed
	}
	return nil
}

func (c *Coordinator) begin(s *Session, opts coordinator.BeginOptions) (coordinator.TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSessionLocked(s); err != nil {
		return "", err
	}
	h := coordinator.TxHandle(uuid.NewString())
	tx := &remoteTx{handle: h, session: s, token: opts.Token}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if timeout > 0 {
		tx.timer = c.clock.AfterFunc(timeout, func() { go c.expire(h) })
	}
	c.txs[h] = tx
	c.logger.Debug("Transaction begun", zap.String("tx", string(h)), zap.Duration("timeout", timeout))
	return h, nil
}

func (c *Coordinator) registerResourceManager(s *Session, rmID string) error {
	if rmID == "" {
		return fmt.Errorf("%w: empty id", coordinator.ErrUnknownResourceManager)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSessionLocked(s); err != nil {
		return err
	}
	s.rms[rmID] = struct{}{}
	return nil
}

func (c *Coordinator) enlist(s *Session, h coordinator.TxHandle, rmID string, kind coordinator.EnlistmentKind, token coordinator.Token) (coordinator.EnlistmentHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSessionLocked(s); err != nil {
		return "", err
	}
	tx, ok := c.txs[h]
	if !ok {
		return "", coordinator.ErrUnknownTransaction
	}
	if kind == coordinator.KindDurable {
		if _, ok := s.rms[rmID]; !ok {
			return "", fmt.Errorf("%w: %q", coordinator.ErrUnknownResourceManager, rmID)
		}
	}
	// Phase 0 stays open to phase 0 enlistments while it runs.
	if tx.round != roundActive && !(tx.round == roundPhase0 && kind == coordinator.KindVolatilePhase0) {
		return "", coordinator.ErrEnlistmentClosed
	}
	e := &remoteEnlistment{
		handle:  coordinator.EnlistmentHandle(uuid.NewString()),
		tx:      tx,
		kind:    kind,
		rmID:    rmID,
		token:   token,
		session: s,
	}
	tx.enlistments = append(tx.enlistments, e)
	c.enlistments[e.handle] = e
	if tx.round == roundPhase0 {
		e.asked = true
		tx.pending++
		s.send(coordinator.Notification{Kind: coordinator.NotifyPrepareRequested, Token: token})
	}
	c.logger.Debug("Enlisted", zap.String("tx", string(h)), zap.Stringer("kind", kind), zap.String("rmID", rmID))
	return e.handle, nil
}

func (c *Coordinator) commit(s *Session, h coordinator.TxHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSessionLocked(s); err != nil {
		return err
	}
	tx, ok := c.txs[h]
	if !ok {
		if _, decided := c.log.Lookup(h); decided {
			return coordinator.ErrAlreadyDecided
		}
		return coordinator.ErrUnknownTransaction
	}
	if tx.round != roundActive {
		return nil
	}
	c.logger.Debug("Commit requested", zap.String("tx", string(h)), zap.Int("enlistments", len(tx.enlistments)))
	c.nextRoundLocked(tx)
	return nil
}

// nextRoundLocked starts the next round that has members, or commits when
// none is left.
func (c *Coordinator) nextRoundLocked(tx *remoteTx) {
	for tx.round < roundDurable {
		tx.round++
		kind, ask := tx.round.members()
		tx.pending = 0
		for _, e := range tx.enlistments {
			if e.kind != kind {
				continue
			}
			e.asked = true
			tx.pending++
			e.session.send(coordinator.Notification{Kind: ask, Token: e.token})
		}
		if tx.pending > 0 {
			return
		}
	}
	c.decideLocked(tx, coordinator.OutcomeCommitted, "")
}

func (c *Coordinator) vote(s *Session, eh coordinator.EnlistmentHandle, yes, phase0 bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSessionLocked(s); err != nil {
		return err
	}
	e, ok := c.enlistments[eh]
	if !ok || e.session != s {
		return coordinator.ErrUnknownEnlistment
	}
	tx := e.tx
	var expected bool
	switch tx.round {
	case roundPhase0:
		expected = phase0 && e.kind == coordinator.KindVolatilePhase0
	case roundPhase1:
		expected = !phase0 && e.kind == coordinator.KindVolatilePhase1
	case roundDurable:
		expected = !phase0 && e.kind == coordinator.KindDurable
	}
	if !expected || !e.asked || e.voted {
		return fmt.Errorf("%w: %s enlistment in round %s", coordinator.ErrUnexpectedVote, e.kind, tx.round)
	}
	e.voted = true
	if !yes {
		c.decideLocked(tx, coordinator.OutcomeAborted, fmt.Sprintf("%s enlistment voted no", e.kind))
		return nil
	}
	tx.pending--
	if tx.pending == 0 {
		c.nextRoundLocked(tx)
	}
	return nil
}

func (c *Coordinator) abort(s *Session, h coordinator.TxHandle, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSessionLocked(s); err != nil {
		return err
	}
	tx, ok := c.txs[h]
	if !ok {
		outcome, decided := c.log.Lookup(h)
		switch {
		case !decided:
			return coordinator.ErrUnknownTransaction
		case outcome == coordinator.OutcomeAborted:
			return nil
		default:
			return coordinator.ErrAlreadyDecided
		}
	}
	if reason == "" {
		reason = "aborted by client"
	}
	c.decideLocked(tx, coordinator.OutcomeAborted, reason)
	return nil
}

func (c *Coordinator) queryOutcome(s *Session, h coordinator.TxHandle) (coordinator.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSessionLocked(s); err != nil {
		return coordinator.OutcomeUnknown, err
	}
	if _, active := c.txs[h]; active {
		return coordinator.OutcomeUnknown, nil
	}
	if outcome, ok := c.log.Lookup(h); ok {
		return outcome, nil
	}
	// Presumed abort: nothing was recorded, so nothing can have committed.
	return coordinator.OutcomeAborted, nil
}

func (c *Coordinator) expire(h coordinator.TxHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[h]
	if !ok {
		return
	}
	c.logger.Warn("Transaction timed out", zap.String("tx", string(h)), zap.Stringer("round", tx.round))
	c.decideLocked(tx, coordinator.OutcomeAborted, "transaction timed out")
}

// recordFailedLocked picks the outcome to broadcast after the decision log
// refused outcome. Only a commit the log definitely rejected may turn into
// an abort; when the write may have landed, the participants are told the
// outcome is in doubt and must ask again through QueryOutcome.
func (c *Coordinator) recordFailedLocked(ctx context.Context, h coordinator.TxHandle, outcome coordinator.Outcome, reason string, err error) (coordinator.Outcome, string) {
	if recorded, ok := c.log.Lookup(h); ok {
		return recorded, reason
	}
	if outcome != coordinator.OutcomeCommitted {
		return outcome, reason
	}
	if errors.Is(err, ErrUncertainDecision) {
		c.logger.Warn("Commit may have been recorded, reporting in doubt", zap.String("tx", string(h)))
		return coordinator.OutcomeInDoubt, "decision log write uncertain"
	}
	if err := c.log.Record(ctx, h, coordinator.OutcomeAborted); err != nil {
		c.logger.Warn("Abort not recorded, relying on presumed abort", zap.String("tx", string(h)), zap.Error(err))
	}
	return coordinator.OutcomeAborted, "decision log unavailable"
}

func (c *Coordinator) forget(h coordinator.TxHandle) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecordTimeout)
	defer cancel()
	if err := c.log.Forget(ctx, h); err != nil {
		c.logger.Warn("Failed to forget decision", zap.String("tx", string(h)), zap.Error(err))
		return
	}
	c.logger.Debug("Decision forgotten", zap.String("tx", string(h)))
}

// closeSession aborts every undecided transaction the session takes part in.
func (c *Coordinator) closeSession(s *Session) {
	c.mu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
		for _, tx := range c.txs {
			if tx.involves(s) {
				c.decideLocked(tx, coordinator.OutcomeAborted, "participant session closed")
			}
		}
		c.logger.Info("Session closed", zap.String("sessionID", s.id))
	}
	c.mu.Unlock()
	s.close()
}

func (tx *remoteTx) involves(s *Session) bool {
	if tx.session == s {
		return true
	}
	for _, e := range tx.enlistments {
		if e.session == s {
			return true
		}
	}
	return false
}

// decideLocked records the outcome and broadcasts it. Recording happens with
// the coordinator lock held, so the log must answer within RecordTimeout.
// A commit that cannot be recorded becomes an abort.
func (c *Coordinator) decideLocked(tx *remoteTx, outcome coordinator.Outcome, reason string) {
	if tx.round == roundDecided {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RecordTimeout)
	defer cancel()
	if err := c.log.Record(ctx, tx.handle, outcome); err != nil {
		c.logger.Error("Failed to record decision", zap.String("tx", string(tx.handle)), zap.Stringer("outcome", outcome), zap.Error(err))
		outcome, reason = c.recordFailedLocked(ctx, tx.handle, outcome, reason, err)
	}

	tx.round = roundDecided
	if tx.timer != nil {
		tx.timer.Stop()
	}
	delete(c.txs, tx.handle)
	if c.cfg.DecisionRetention > 0 {
		h := tx.handle
		c.clock.AfterFunc(c.cfg.DecisionRetention, func() { go c.forget(h) })
	}

	kind := coordinator.NotifyAborted
	switch outcome {
	case coordinator.OutcomeCommitted:
		kind = coordinator.NotifyCommitted
	case coordinator.OutcomeInDoubt:
		kind = coordinator.NotifyInDoubt
	}
	for _, e := range tx.enlistments {
		delete(c.enlistments, e.handle)
		e.session.send(coordinator.Notification{Kind: kind, Token: e.token, Reason: reason})
	}
	tx.session.send(coordinator.Notification{Kind: kind, Token: tx.token, Reason: reason})

	fields := []zap.Field{zap.String("tx", string(tx.handle)), zap.Stringer("outcome", outcome)}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	c.logger.Info("Transaction decided", fields...)
}
