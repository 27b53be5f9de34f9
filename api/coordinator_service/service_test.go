package coordinatorservice

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/dtc"
	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/connection"
)

const bufSize = 1024 * 1024

type testEnv struct {
	coord    *dtc.Coordinator
	server   *Server
	platform *Platform
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	coord := dtc.New(dtc.Config{}, zap.NewNop())
	metrics, err := internaltelemetry.NewCoordinatorMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	lis := bufconn.Listen(bufSize)
	srv := NewServer(coord, zap.NewNop(), metrics)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
	)
	RegisterCoordinatorServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()

	pool := connection.NewPool(zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
		gs.Stop()
		require.NoError(t, coord.Close())
	})
	return &testEnv{
		coord:    coord,
		server:   srv,
		platform: NewPlatform("passthrough:///bufnet", pool, zap.NewNop()),
	}
}

func (e *testEnv) manager(t *testing.T) *transaction.Manager {
	t.Helper()
	conn := coordinator.NewConnection(e.platform, coordinator.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxRetries:     2,
	}, zap.NewNop())
	m, err := transaction.NewManager(transaction.Config{}, conn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		_ = conn.Close()
	})
	return m
}

// resource votes yes and records the outcome it was told about.
type resource struct {
	mu      sync.Mutex
	outcome string
	done    chan struct{}
}

func newResource() *resource { return &resource{done: make(chan struct{})} }

func (r *resource) finish(outcome string, e transaction.Enlistment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != "" {
		return
	}
	r.outcome = outcome
	e.Done()
	close(r.done)
}

func (r *resource) Prepare(_ context.Context, e transaction.PreparingEnlistment) { e.Prepared() }
func (r *resource) Commit(_ context.Context, e transaction.Enlistment)           { r.finish("commit", e) }
func (r *resource) Rollback(_ context.Context, e transaction.Enlistment)         { r.finish("rollback", e) }
func (r *resource) InDoubt(_ context.Context, e transaction.Enlistment)          { r.finish("indoubt", e) }

func (r *resource) wait(t *testing.T) string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("resource was never told the outcome")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

func TestPromotedCommitOverGRPC(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t)

	tx, err := m.Begin(transaction.TransactionOptions{})
	require.NoError(t, err)
	r1, r2, v := newResource(), newResource(), newResource()
	_, err = tx.EnlistDurable(ctx, "rm-1", r1, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	_, err = tx.EnlistVolatile(ctx, v, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	_, err = tx.EnlistDurable(ctx, "rm-2", r2, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	require.True(t, tx.Promoted())
	require.Equal(t, 1, env.server.Sessions())

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, transaction.StatusCommitted, tx.Status())
	for _, r := range []*resource{r1, r2, v} {
		require.Equal(t, "commit", r.wait(t))
	}
	require.Zero(t, env.coord.Undecided())
}

func TestPromotedRollbackOverGRPC(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t)

	tx, err := m.Begin(transaction.TransactionOptions{})
	require.NoError(t, err)
	r1, r2 := newResource(), newResource()
	_, err = tx.EnlistDurable(ctx, "rm-1", r1, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	_, err = tx.EnlistDurable(ctx, "rm-2", r2, transaction.EnlistmentOptions{})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback("changed my mind"))
	require.Equal(t, "rollback", r1.wait(t))
	require.Equal(t, "rollback", r2.wait(t))
	st, err := tx.Wait(ctx)
	require.ErrorIs(t, err, transaction.ErrAborted)
	require.Equal(t, transaction.StatusAborted, st)
}

func TestErrorsKeepTheirIdentityOverTheWire(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sess, err := env.platform.Connect(ctx)
	require.NoError(t, err)
	defer sess.Close()

	err = sess.Abort(ctx, coordinator.TxHandle("nope"), "")
	require.ErrorIs(t, err, coordinator.ErrUnknownTransaction)
	// Presumed abort: a transaction the coordinator never recorded did not commit.
	outcome, err := sess.QueryOutcome(ctx, coordinator.TxHandle("nope"))
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeAborted, outcome)

	err = sess.Vote(ctx, coordinator.EnlistmentHandle("nope"), true)
	require.ErrorIs(t, err, coordinator.ErrUnknownEnlistment)

	h, err := sess.BeginTransaction(ctx, coordinator.BeginOptions{Timeout: time.Minute})
	require.NoError(t, err)
	require.NoError(t, sess.Commit(ctx, h))
	outcome, err = sess.QueryOutcome(ctx, h)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeCommitted, outcome)
}

func TestMissingSessionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.server.Commit(context.Background(), newStruct(map[string]interface{}{fieldTx: "x"}))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.ErrorIs(t, fromStatus(err), coordinator.ErrConnectionClosed)
}

func TestStatusMapping(t *testing.T) {
	for _, r := range errorReasons {
		st := toStatus(r.err)
		require.Equal(t, r.code, status.Code(st), r.reason)
		require.ErrorIs(t, fromStatus(st), r.err, r.reason)
	}

	require.Equal(t, codes.Canceled, status.Code(toStatus(context.Canceled)))
	require.ErrorIs(t, fromStatus(status.Error(codes.DeadlineExceeded, "slow")), context.DeadlineExceeded)
	require.ErrorIs(t, fromStatus(status.Error(codes.Unavailable, "gone")), coordinator.ErrCoordinatorUnavailable)

	plain := errors.New("boom")
	require.Equal(t, codes.Internal, status.Code(toStatus(plain)))
	require.Nil(t, toStatus(nil))
}

func TestCoordinatorCrashAbortsUnvotedTransaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	m := env.manager(t)

	tx, err := m.Begin(transaction.TransactionOptions{})
	require.NoError(t, err)
	r1, r2 := newResource(), newResource()
	_, err = tx.EnlistDurable(ctx, "rm-1", r1, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	_, err = tx.EnlistDurable(ctx, "rm-2", r2, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	require.True(t, tx.Promoted())

	env.coord.Crash()

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := tx.Wait(wctx)
	require.ErrorIs(t, err, transaction.ErrAborted)
	require.ErrorIs(t, err, coordinator.ErrCoordinatorUnavailable)
	require.Equal(t, transaction.StatusAborted, st)
	require.Equal(t, "rollback", r1.wait(t))
	require.Equal(t, "rollback", r2.wait(t))
}

func TestClosingSessionDropsItFromServer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sess, err := env.platform.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.server.Sessions())
	require.NoError(t, sess.Close())
	require.Eventually(t, func() bool { return env.server.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, ok := <-sess.Notifications()
	require.False(t, ok)
}
