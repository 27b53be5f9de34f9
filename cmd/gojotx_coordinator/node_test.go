package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	coordinatorservice "github.com/sushant-115/gojotx/api/coordinator_service"
	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/pkg/connection"
)

type yesVoter struct {
	mu      sync.Mutex
	outcome string
}

func (v *yesVoter) Prepare(_ context.Context, e transaction.PreparingEnlistment) { e.Prepared() }
func (v *yesVoter) Commit(_ context.Context, e transaction.Enlistment)           { v.set("commit", e) }
func (v *yesVoter) Rollback(_ context.Context, e transaction.Enlistment)         { v.set("rollback", e) }
func (v *yesVoter) InDoubt(_ context.Context, e transaction.Enlistment)          { v.set("indoubt", e) }

func (v *yesVoter) set(outcome string, e transaction.Enlistment) {
	v.mu.Lock()
	v.outcome = outcome
	v.mu.Unlock()
	e.Done()
}

func (v *yesVoter) Outcome() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.outcome
}

func TestCoordinatorNodeCommitsOverMutualTLSWithRaft(t *testing.T) {
	ctx := context.Background()
	serverTLS, clientTLS, err := certs.GenerateDevCerts(t.TempDir(), time.Hour)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.GRPCAddress = "127.0.0.1:0"
	cfg.Server.TLS = serverTLS
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Raft.Enabled = true
	cfg.Raft.Bootstrap = true
	cfg.Raft.BindAddress = "127.0.0.1:0"
	cfg.Raft.DataDir = t.TempDir()

	n, err := startNode(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, n.Shutdown(ctx)) }()

	dial, err := certs.DialOption(clientTLS)
	require.NoError(t, err)
	pool := connection.NewPool(zap.NewNop(), dial)
	defer pool.Close()
	conn := coordinator.NewConnection(coordinatorservice.NewPlatform(n.Addr(), pool, nil), coordinator.Config{}, nil)
	defer conn.Close()
	m, err := transaction.NewManager(transaction.Config{}, conn, nil)
	require.NoError(t, err)
	defer m.Close()

	tx, err := m.Begin(transaction.TransactionOptions{})
	require.NoError(t, err)
	a, b := &yesVoter{}, &yesVoter{}
	_, err = tx.EnlistDurable(ctx, "inventory", a, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	_, err = tx.EnlistDurable(ctx, "billing", b, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	require.True(t, tx.Promoted())

	require.NoError(t, tx.Commit(ctx))
	require.Eventually(t, func() bool {
		return a.Outcome() == "commit" && b.Outcome() == "commit"
	}, 5*time.Second, 10*time.Millisecond)

	// The decision went through raft.
	require.Equal(t, 1, n.raft.FSM.Len())
}

func TestStartNodeFailsOnBusyAddress(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Server.GRPCAddress = "127.0.0.1:0"
	first, err := startNode(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer first.Shutdown(ctx)

	cfg2 := config.Default()
	cfg2.Server.GRPCAddress = first.Addr()
	_, err = startNode(ctx, cfg2, zap.NewNop())
	require.Error(t, err)
}

func TestCoordinatorNodeKeepsDecisionsInJournal(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Server.GRPCAddress = "127.0.0.1:0"
	cfg.Journal.Dir = t.TempDir()

	n, err := startNode(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	dial, err := certs.DialOption(certs.TLSConfig{})
	require.NoError(t, err)
	pool := connection.NewPool(zap.NewNop(), dial)
	defer pool.Close()
	conn := coordinator.NewConnection(coordinatorservice.NewPlatform(n.Addr(), pool, nil), coordinator.Config{}, nil)
	m, err := transaction.NewManager(transaction.Config{}, conn, nil)
	require.NoError(t, err)

	tx, err := m.Begin(transaction.TransactionOptions{})
	require.NoError(t, err)
	_, err = tx.EnlistDurable(ctx, "inventory", &yesVoter{}, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	_, err = tx.EnlistDurable(ctx, "billing", &yesVoter{}, transaction.EnlistmentOptions{})
	require.NoError(t, err)
	handle, err := tx.Promote(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, m.Close())
	require.NoError(t, conn.Close())
	require.NoError(t, n.Shutdown(ctx))

	restarted, err := startNode(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, restarted.Shutdown(ctx)) }()
	d, ok := restarted.journal.Lookup(string(handle))
	require.True(t, ok)
	require.Equal(t, "committed", d.Outcome)
}
