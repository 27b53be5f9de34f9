package fsm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startNode(t *testing.T, cfg NodeConfig) *Node {
	t.Helper()
	n, err := NewNode(cfg, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.WaitForLeader(ctx))
	return n
}

func decide(t *testing.T, n *Node, txID, outcome string) {
	t.Helper()
	data, err := json.Marshal(LogCommand{Op: OpDecide, TxID: txID, Outcome: outcome, At: time.Now().UTC()})
	require.NoError(t, err)
	f := n.Raft.Apply(data, 5*time.Second)
	require.NoError(t, f.Error())
	require.Equal(t, outcome, f.Response())
}

func TestInMemoryNodeAppliesDecisions(t *testing.T) {
	n := startNode(t, NodeConfig{NodeID: "mem", BindAddress: "127.0.0.1:0", Bootstrap: true})
	defer func() { require.NoError(t, n.Shutdown()) }()
	require.NotEmpty(t, n.Addr())

	decide(t, n, "tx-1", "committed")
	d, ok := n.FSM.Lookup("tx-1")
	require.True(t, ok)
	require.Equal(t, "committed", d.Outcome)
}

func TestBoltNodeKeepsDecisionsAcrossRestart(t *testing.T) {
	cfg := NodeConfig{NodeID: "disk", BindAddress: "127.0.0.1:0", DataDir: t.TempDir(), Bootstrap: true}

	n := startNode(t, cfg)
	decide(t, n, "tx-1", "committed")
	decide(t, n, "tx-2", "aborted")
	require.NoError(t, n.Shutdown())

	// Bootstrap is skipped on restart because the bolt store has state.
	n = startNode(t, cfg)
	defer func() { require.NoError(t, n.Shutdown()) }()
	require.Eventually(t, func() bool { return n.FSM.Len() == 2 }, 10*time.Second, 20*time.Millisecond)
	d, ok := n.FSM.Lookup("tx-2")
	require.True(t, ok)
	require.Equal(t, "aborted", d.Outcome)
}

func TestNodeRejectsBadBindAddress(t *testing.T) {
	_, err := NewNode(NodeConfig{NodeID: "bad", BindAddress: "nope"}, nil)
	require.Error(t, err)
}
