package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/dtc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu  sync.Mutex
	got []coordinator.Notification
}

func (r *recorder) Deliver(n coordinator.Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) kinds() []coordinator.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []coordinator.NotificationKind
	for _, n := range r.got {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func newConnection(t *testing.T, platform coordinator.Platform, cfg coordinator.Config) *coordinator.Connection {
	t.Helper()
	conn := coordinator.NewConnection(platform, cfg, zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRegisterResourceManagerIsCached(t *testing.T) {
	ctx := context.Background()
	conn := newConnection(t, dtc.New(dtc.Config{}, nil), coordinator.Config{})
	require.False(t, conn.Connected())

	rm, err := conn.RegisterResourceManager(ctx, "orders")
	require.NoError(t, err)
	again, err := conn.RegisterResourceManager(ctx, "orders")
	require.NoError(t, err)
	require.Same(t, rm, again)
	require.Equal(t, uint64(1), rm.Generation())
	require.True(t, conn.Connected())
}

func TestNotificationsAreRoutedByToken(t *testing.T) {
	ctx := context.Background()
	conn := newConnection(t, dtc.New(dtc.Config{}, nil), coordinator.Config{})

	txTarget, enlTarget := &recorder{}, &recorder{}
	conn.RegisterTransaction("tx", txTarget)
	conn.RegisterEnlistment("v1", enlTarget)

	tx, err := conn.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)
	v1, err := conn.Enlist(ctx, tx, nil, coordinator.KindVolatilePhase1, "v1")
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx, tx))

	require.Eventually(t, func() bool { return len(enlTarget.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []coordinator.NotificationKind{coordinator.NotifyVoteRequested}, enlTarget.kinds())
	require.NoError(t, conn.Vote(ctx, v1, true))

	require.Eventually(t, func() bool { return len(txTarget.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []coordinator.NotificationKind{coordinator.NotifyCommitted}, txTarget.kinds())
	require.Equal(t, []coordinator.NotificationKind{coordinator.NotifyVoteRequested, coordinator.NotifyCommitted}, enlTarget.kinds())

	outcome, err := conn.QueryOutcome(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, coordinator.OutcomeCommitted, outcome)
}

func TestCoordinatorDownInvalidatesAndReconnects(t *testing.T) {
	ctx := context.Background()
	platform := dtc.New(dtc.Config{}, nil)
	conn := newConnection(t, platform, coordinator.Config{})

	rm, err := conn.RegisterResourceManager(ctx, "orders")
	require.NoError(t, err)
	txTarget, enlTarget := &recorder{}, &recorder{}
	conn.RegisterTransaction("tx", txTarget)
	conn.RegisterEnlistment("d1", enlTarget)
	_, err = conn.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)

	platform.Crash()

	require.Eventually(t, func() bool { return !conn.Connected() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(txTarget.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []coordinator.NotificationKind{coordinator.NotifyCoordinatorDown}, txTarget.kinds())
	require.Empty(t, enlTarget.kinds(), "only transaction targets hear about the coordinator going down")
	require.Zero(t, rm.Generation())

	// The next call reconnects and the stale registration is re-resolved.
	tx, err := conn.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx2"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), conn.Generation())
	_, err = conn.Enlist(ctx, tx, rm, coordinator.KindDurable, "d2")
	require.NoError(t, err)
	require.Equal(t, uint64(2), rm.Generation())
}

func TestOnCoordinatorDownBroadcastsOnce(t *testing.T) {
	ctx := context.Background()
	conn := newConnection(t, dtc.New(dtc.Config{}, nil), coordinator.Config{})
	target := &recorder{}
	conn.RegisterTransaction("tx", target)
	_, err := conn.BeginTransaction(ctx, coordinator.BeginOptions{Token: "tx"})
	require.NoError(t, err)

	conn.OnCoordinatorDown()
	conn.OnCoordinatorDown()
	require.False(t, conn.Connected())
	require.Equal(t, []coordinator.NotificationKind{coordinator.NotifyCoordinatorDown}, target.kinds())
}

func TestConnectGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	platform := dtc.New(dtc.Config{}, nil)
	platform.SetAvailable(false)
	conn := newConnection(t, platform, coordinator.Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxRetries:     2,
	})

	_, err := conn.BeginTransaction(ctx, coordinator.BeginOptions{})
	require.ErrorIs(t, err, coordinator.ErrCoordinatorUnavailable)
	require.False(t, conn.Connected())

	platform.SetAvailable(true)
	_, err = conn.BeginTransaction(ctx, coordinator.BeginOptions{})
	require.NoError(t, err)
}

func TestClosedConnection(t *testing.T) {
	conn := coordinator.NewConnection(dtc.New(dtc.Config{}, nil), coordinator.Config{}, nil)
	_, err := conn.RegisterResourceManager(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err = conn.BeginTransaction(context.Background(), coordinator.BeginOptions{})
	require.ErrorIs(t, err, coordinator.ErrConnectionClosed)
}
