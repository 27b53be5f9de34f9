package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config controls how the connection reconnects to the coordinator.
type Config struct {
	// InitialBackoff is the first delay between connect attempts.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between connect attempts.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// MaxElapsedTime bounds one reconnect cycle. Zero means 30s.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`
	// MaxRetries bounds attempts per reconnect cycle. Zero means unbounded
	// within MaxElapsedTime.
	MaxRetries uint64 `yaml:"max_retries"`
}

func (c *Config) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 30 * time.Second
	}
}

// ResourceManager is a cached registration. It stays valid until the
// coordinator goes down; after that it is re-resolved on next use.
type ResourceManager struct {
	ID         string
	generation atomic.Uint64
}

// Generation is the connection generation the registration belongs to, 0 if
// it has been invalidated.
func (rm *ResourceManager) Generation() uint64 { return rm.generation.Load() }

// Connection is the process-wide link to the distributed coordinator. It is
// created once by the composition root and passed to everything that needs it.
type Connection struct {
	platform Platform
	cfg      Config
	logger   *zap.Logger

	mu         sync.Mutex // session, generation, closed
	session    Session
	generation uint64
	closed     bool

	// The registry has its own lock so lookups never queue behind a
	// reconnect or a slow transaction.
	rmMu sync.RWMutex
	rms  map[string]*ResourceManager

	targetMu   sync.RWMutex
	txTargets  map[Token]Target // receive CoordinatorDown broadcasts
	enlTargets map[Token]Target

	wg sync.WaitGroup
}

// NewConnection creates a connection. Nothing is dialled until first use.
func NewConnection(platform Platform, cfg Config, logger *zap.Logger) *Connection {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		platform:   platform,
		cfg:        cfg,
		logger:     logger.Named("coordinator"),
		rms:        make(map[string]*ResourceManager),
		txTargets:  make(map[Token]Target),
		enlTargets: make(map[Token]Target),
	}
}

// Generation returns the current connection generation. It is bumped on
// every successful (re)connect.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Connected reports whether a live session exists.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// acquire returns the live session, connecting with exponential backoff if
// there is none.
func (c *Connection) acquire(ctx context.Context) (Session, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, ErrConnectionClosed
	}
	if c.session != nil {
		return c.session, c.generation, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = c.cfg.MaxElapsedTime
	var policy backoff.BackOff = b
	if c.cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, c.cfg.MaxRetries)
	}

	var sess Session
	op := func() error {
		s, err := c.platform.Connect(ctx)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}
	notify := func(err error, d time.Duration) {
		c.logger.Warn("Connect to coordinator failed, retrying", zap.Error(err), zap.Duration("backoff", d))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCoordinatorUnavailable, err)
	}

	c.generation++
	c.session = sess
	gen := c.generation
	c.wg.Add(1)
	go c.pump(sess, gen)
	c.logger.Info("Connected to coordinator", zap.Uint64("generation", gen))
	return sess, gen, nil
}

// pump routes inbound notifications until the session ends.
func (c *Connection) pump(sess Session, gen uint64) {
	defer c.wg.Done()
	for n := range sess.Notifications() {
		if n.Kind == NotifyCoordinatorDown {
			break
		}
		c.route(n)
	}
	c.coordinatorDown(gen)
}

func (c *Connection) route(n Notification) {
	c.targetMu.RLock()
	t, ok := c.txTargets[n.Token]
	if !ok {
		t, ok = c.enlTargets[n.Token]
	}
	c.targetMu.RUnlock()
	if !ok {
		c.logger.Debug("Dropping notification for unknown token",
			zap.String("token", string(n.Token)), zap.Stringer("kind", n.Kind))
		return
	}
	t.Deliver(n)
}

// OnCoordinatorDown invalidates every handle issued by the current session and
// tells every live promoted transaction. The next call reconnects.
func (c *Connection) OnCoordinatorDown() {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.coordinatorDown(gen)
}

func (c *Connection) coordinatorDown(gen uint64) {
	c.mu.Lock()
	if c.session == nil || c.generation != gen {
		c.mu.Unlock()
		return
	}
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	// Targets go first so nothing the dying session still flushes is routed.
	c.targetMu.Lock()
	txs := c.txTargets
	c.txTargets = make(map[Token]Target)
	c.enlTargets = make(map[Token]Target)
	c.targetMu.Unlock()

	c.rmMu.RLock()
	for _, rm := range c.rms {
		rm.generation.Store(0)
	}
	c.rmMu.RUnlock()

	if err := sess.Close(); err != nil {
		c.logger.Debug("Closing dead session", zap.Error(err))
	}

	c.logger.Warn("Coordinator down, broadcasting to promoted transactions",
		zap.Uint64("generation", gen), zap.Int("transactions", len(txs)))
	for tok, t := range txs {
		t.Deliver(Notification{Kind: NotifyCoordinatorDown, Token: tok})
	}
}

// RegisterTransaction routes notifications for token to t. Transaction
// targets also receive CoordinatorDown broadcasts.
func (c *Connection) RegisterTransaction(token Token, t Target) {
	c.targetMu.Lock()
	c.txTargets[token] = t
	c.targetMu.Unlock()
}

// RegisterEnlistment routes notifications for token to t.
func (c *Connection) RegisterEnlistment(token Token, t Target) {
	c.targetMu.Lock()
	c.enlTargets[token] = t
	c.targetMu.Unlock()
}

// Unregister stops routing for the given tokens.
func (c *Connection) Unregister(tokens ...Token) {
	c.targetMu.Lock()
	for _, tok := range tokens {
		delete(c.txTargets, tok)
		delete(c.enlTargets, tok)
	}
	c.targetMu.Unlock()
}

// RegisterResourceManager is idempotent: it returns the cached handle for id,
// re-resolving it against the coordinator if it was issued by an older
// session.
func (c *Connection) RegisterResourceManager(ctx context.Context, id string) (*ResourceManager, error) {
	sess, gen, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	c.rmMu.RLock()
	rm, ok := c.rms[id]
	c.rmMu.RUnlock()
	if ok && rm.generation.Load() == gen {
		return rm, nil
	}

	if err := sess.RegisterResourceManager(ctx, id); err != nil {
		return nil, fmt.Errorf("register resource manager %s: %w", id, err)
	}

	c.rmMu.Lock()
	defer c.rmMu.Unlock()
	// Double-check after acquiring write lock
	rm, ok = c.rms[id]
	if !ok {
		rm = &ResourceManager{ID: id}
		c.rms[id] = rm
	}
	rm.generation.Store(gen)
	c.logger.Debug("Registered resource manager", zap.String("rmID", id), zap.Uint64("generation", gen))
	return rm, nil
}

// BeginTransaction opens a transaction on the coordinator.
func (c *Connection) BeginTransaction(ctx context.Context, opts BeginOptions) (TxHandle, error) {
	sess, _, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	return sess.BeginTransaction(ctx, opts)
}

// Enlist enlists on tx. rm is required for durable enlistments and is
// re-resolved if it went stale.
func (c *Connection) Enlist(ctx context.Context, tx TxHandle, rm *ResourceManager, kind EnlistmentKind, token Token) (EnlistmentHandle, error) {
	sess, gen, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	rmID := ""
	if rm != nil {
		if rm.generation.Load() != gen {
			if rm, err = c.RegisterResourceManager(ctx, rm.ID); err != nil {
				return "", err
			}
		}
		rmID = rm.ID
	}
	return sess.Enlist(ctx, tx, rmID, kind, token)
}

// Vote casts a durable or phase 1 vote.
func (c *Connection) Vote(ctx context.Context, e EnlistmentHandle, yes bool) error {
	sess, _, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return sess.Vote(ctx, e, yes)
}

// Phase0Done reports the result of a phase 0 round.
func (c *Connection) Phase0Done(ctx context.Context, e EnlistmentHandle, yes bool) error {
	sess, _, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return sess.Phase0Done(ctx, e, yes)
}

// Commit asks the coordinator to run the commit protocol for tx.
func (c *Connection) Commit(ctx context.Context, tx TxHandle) error {
	sess, _, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return sess.Commit(ctx, tx)
}

// Abort asks the coordinator to abort tx.
func (c *Connection) Abort(ctx context.Context, tx TxHandle, reason string) error {
	sess, _, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return sess.Abort(ctx, tx, reason)
}

// QueryOutcome asks for the recorded outcome of tx.
func (c *Connection) QueryOutcome(ctx context.Context, tx TxHandle) (Outcome, error) {
	sess, _, err := c.acquire(ctx)
	if err != nil {
		return OutcomeUnknown, err
	}
	return sess.QueryOutcome(ctx, tx)
}

// Close closes the live session and waits for the notification pump.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	c.wg.Wait()
	return err
}
