package transaction

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/sushant-115/gojotx/core/coordinator"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// Config holds the tunables of the transaction manager.
type Config struct {
	// DefaultTimeout applies when Begin is called without a timeout. Zero
	// disables timeouts.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// CallbackLockTimeout bounds how long an inbound callback waits for a
	// busy transaction before it is requeued.
	CallbackLockTimeout time.Duration `yaml:"callback_lock_timeout"`
	// Workers is the number of goroutines draining the requeue work queue.
	Workers int `yaml:"workers"`
	// QueueSize is the capacity of the work queue.
	QueueSize int `yaml:"queue_size"`
	// RequeueRate and RequeueBurst pace the workers, in callbacks per second.
	RequeueRate  float64 `yaml:"requeue_rate"`
	RequeueBurst int     `yaml:"requeue_burst"`
}

func (c *Config) setDefaults() {
	if c.CallbackLockTimeout <= 0 {
		c.CallbackLockTimeout = 20 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.RequeueRate <= 0 {
		c.RequeueRate = 1000
	}
	if c.RequeueBurst <= 0 {
		c.RequeueBurst = 100
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the real clock, for tests.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Manager) { m.clock = c }
}

func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) { m.meter = meter }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// WithSinglePhaseStrategy replaces PreferSinglePhase.
func WithSinglePhaseStrategy(s SinglePhaseStrategy) Option {
	return func(m *Manager) { m.strategy = s }
}

// Manager creates transactions and owns what they share: the arena that
// outcome relays resolve through, the callback dispatcher and the
// coordinator connection.
type Manager struct {
	cfg      Config
	conn     *coordinator.Connection
	logger   *zap.Logger
	clock    clock.WithDelayedExecution
	meter    metric.Meter
	tracer   trace.Tracer
	metrics  *internaltelemetry.TransactionMetrics
	strategy SinglePhaseStrategy

	arena      arena
	dispatcher *dispatcher
	closed     atomic.Bool
}

// NewManager creates a manager. conn may be nil, in which case promotion
// always fails with ErrCoordinatorUnavailable.
func NewManager(cfg Config, conn *coordinator.Connection, logger *zap.Logger, opts ...Option) (*Manager, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		conn:     conn,
		logger:   logger.Named("transaction"),
		clock:    clock.RealClock{},
		meter:    noop.NewMeterProvider().Meter(""),
		tracer:   nooptrace.NewTracerProvider().Tracer(""),
		strategy: PreferSinglePhase,
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics, err := internaltelemetry.NewTransactionMetrics(m.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction metrics: %w", err)
	}
	m.metrics = metrics
	m.dispatcher = newDispatcher(cfg, m.logger, metrics)
	return m, nil
}

// TransactionOptions configures a new transaction.
type TransactionOptions struct {
	Timeout   time.Duration
	Isolation IsolationLevel
}

// Begin starts a transaction.
func (m *Manager) Begin(opts TransactionOptions) (*Transaction, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.DefaultTimeout
	}
	t := &Transaction{
		id:        uuid.NewString(),
		mgr:       m,
		isolation: opts.Isolation,
		timeout:   opts.Timeout,
		created:   m.clock.Now(),
		ctx:       context.Background(),
		done:      make(chan struct{}),
		lock:      semaphore.NewWeighted(1),
		phase0:    newVoteGroup(Phase0),
		phase1:    newVoteGroup(Phase1),
	}
	t.logger = m.logger.With(zap.String("txID", t.id))
	t.bridge = &promotionBridge{tx: t}
	t.h = m.arena.insert(t)
	if t.timeout > 0 {
		t.timer = m.clock.AfterFunc(t.timeout, func() {
			// Fake clocks run this while holding their own lock, so the
			// dispatch must not happen inline.
			go m.dispatcher.dispatch(t, t.timeoutLocked)
		})
	}
	m.metrics.Started(t.ctx)
	t.logger.Debug("Transaction started", zap.Duration("timeout", t.timeout), zap.Stringer("isolation", t.isolation))
	return t, nil
}

// Active returns the number of transactions still held by the arena.
func (m *Manager) Active() int { return m.arena.len() }

// Reenlist resolves a transaction a durable resource manager prepared
// before it restarted. The coordinator's recorded outcome is delivered to n
// as Commit, Rollback or InDoubt. OutcomeUnknown means the transaction is
// still running; nothing is delivered and the caller should ask again.
func (m *Manager) Reenlist(ctx context.Context, rmID string, remote coordinator.TxHandle, n EnlistmentNotification) (coordinator.Outcome, error) {
	if m.conn == nil {
		return coordinator.OutcomeUnknown, ErrCoordinatorUnavailable
	}
	if _, err := m.conn.RegisterResourceManager(ctx, rmID); err != nil {
		return coordinator.OutcomeUnknown, err
	}
	outcome, err := m.conn.QueryOutcome(ctx, remote)
	if err != nil {
		return coordinator.OutcomeUnknown, fmt.Errorf("query outcome of %s: %w", remote, err)
	}
	e := &recoveredEnlistment{id: fmt.Sprintf("%s:%s", remote, rmID)}
	e.state.Store(int32(EnlistmentPrepared))
	m.logger.Info("Reenlisted prepared participant",
		zap.String("rmID", rmID), zap.String("remoteTx", string(remote)), zap.Stringer("outcome", outcome))
	switch outcome {
	case coordinator.OutcomeCommitted:
		e.state.Store(int32(EnlistmentCommitting))
		n.Commit(ctx, e)
	case coordinator.OutcomeAborted:
		e.state.Store(int32(EnlistmentAborting))
		n.Rollback(ctx, e)
	case coordinator.OutcomeInDoubt:
		e.state.Store(int32(EnlistmentInDoubt))
		n.InDoubt(ctx, e)
	}
	return outcome, nil
}

type recoveredEnlistment struct {
	id    string
	state atomic.Int32
}

func (e *recoveredEnlistment) ID() string             { return e.id }
func (e *recoveredEnlistment) State() EnlistmentState { return EnlistmentState(e.state.Load()) }
func (e *recoveredEnlistment) Done()                  { e.state.Store(int32(EnlistmentDone)) }

// Close stops the dispatcher. Transactions still running keep their state
// but no longer receive callbacks.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.dispatcher.stop()
	return nil
}
