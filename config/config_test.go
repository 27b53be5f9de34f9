package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

const sample = `
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  metrics_address: ":9464"
transaction:
  default_timeout: 30s
  workers: 8
  requeue_rate: 250
coordinator:
  address: coordinator:7400
  reconnect:
    initial_backoff: 100ms
    max_backoff: 3s
    max_retries: 5
dtc:
  default_timeout: 1m
raft:
  enabled: true
  node_id: coord-a
  data_dir: /var/lib/gojotx/raft
  bootstrap: true
  peers:
    - id: coord-b
      address: 10.0.0.2:7401
`

func TestParseAppliesFileThenDefaults(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	require.Equal(t, "debug", c.Logger.Level)
	require.Equal(t, "console", c.Logger.Format)
	require.True(t, c.Telemetry.Enabled)
	require.Equal(t, "gojotx", c.Telemetry.ServiceName)
	require.Equal(t, 30*time.Second, c.Transaction.DefaultTimeout)
	require.Equal(t, 8, c.Transaction.Workers)
	require.Equal(t, 250.0, c.Transaction.RequeueRate)
	require.Equal(t, "coordinator:7400", c.Coordinator.Address)
	require.Equal(t, 100*time.Millisecond, c.Coordinator.Reconnect.InitialBackoff)
	require.Equal(t, uint64(5), c.Coordinator.Reconnect.MaxRetries)
	require.Equal(t, time.Minute, c.DTC.DefaultTimeout)
	require.Equal(t, 5*time.Second, c.DTC.RecordTimeout)
	require.Equal(t, 24*time.Hour, c.DTC.DecisionRetention)
	require.Equal(t, ":7400", c.Server.GRPCAddress)
	require.Equal(t, "coord-a", c.Raft.NodeID)
	require.Equal(t, "127.0.0.1:7401", c.Raft.BindAddress)
	require.Len(t, c.Raft.Peers, 1)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojotx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "coord-a", c.Raft.NodeID)

	c, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
logger:
  level: loud
telemetry:
  trace_sample_ratio: 2
server:
  tls:
    enabled: true
raft:
  enabled: true
  peers:
    - id: lonely
journal:
  dir: /var/lib/gojotx/journal
`))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Len(t, multierr.Errors(err), 5)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("transaction: [unclosed"))
	require.Error(t, err)
}
