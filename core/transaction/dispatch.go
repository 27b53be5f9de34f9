package transaction

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// effects are collected under the transaction lock and run after it is
// released. This is where participant and coordinator calls happen.
type effects []func()

func (e effects) run() {
	for _, f := range e {
		f()
	}
}

type task struct {
	tx *Transaction
	fn func() effects
}

// dispatcher runs inbound callbacks under their transaction's lock. A
// callback that cannot get the lock within lockTimeout is pushed on the
// work queue instead of blocking the delivering goroutine.
type dispatcher struct {
	lockTimeout time.Duration
	queue       chan task
	limiter     *rate.Limiter
	logger      *zap.Logger
	metrics     *internaltelemetry.TransactionMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(cfg Config, logger *zap.Logger, metrics *internaltelemetry.TransactionMetrics) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		lockTimeout: cfg.CallbackLockTimeout,
		queue:       make(chan task, cfg.QueueSize),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequeueRate), cfg.RequeueBurst),
		logger:      logger.Named("dispatcher"),
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *dispatcher) dispatch(tx *Transaction, fn func() effects) {
	if d.ctx.Err() != nil {
		d.logger.Warn("Dispatcher stopped, dropping callback", zap.String("txID", tx.id))
		return
	}
	if !d.tryLock(tx) {
		d.requeue(task{tx: tx, fn: fn})
		return
	}
	d.run(tx, fn)
}

func (d *dispatcher) tryLock(tx *Transaction) bool {
	if tx.lock.TryAcquire(1) {
		return true
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.lockTimeout)
	defer cancel()
	return tx.lock.Acquire(ctx, 1) == nil
}

func (d *dispatcher) run(tx *Transaction, fn func() effects) {
	eff := fn()
	tx.lock.Release(1)
	eff.run()
}

func (d *dispatcher) requeue(t task) {
	d.metrics.Requeued(d.ctx)
	d.logger.Debug("Transaction busy, requeueing callback", zap.String("txID", t.tx.id))
	select {
	case d.queue <- t:
	default:
		// Queue full: wait for the lock on a goroutine of its own rather
		// than stall the caller.
		if d.ctx.Err() != nil {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := t.tx.lock.Acquire(d.ctx, 1); err != nil {
				return
			}
			d.run(t.tx, t.fn)
		}()
	}
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-d.queue:
			if err := d.limiter.Wait(d.ctx); err != nil {
				return
			}
			d.dispatch(t.tx, t.fn)
		}
	}
}

// stop ends the workers. Callbacks still queued are dropped.
func (d *dispatcher) stop() {
	d.cancel()
	d.wg.Wait()
	if n := len(d.queue); n > 0 {
		d.logger.Warn("Dropped queued callbacks on shutdown", zap.Int("count", n))
	}
}
