// Package config loads the YAML configuration shared by the gojotx
// binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/dtc"
	fsm "github.com/sushant-115/gojotx/core/replication/raft_consensus"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/wal"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

// Config is the root of the configuration file.
type Config struct {
	Logger      logger.Config      `yaml:"logger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Transaction transaction.Config `yaml:"transaction"`
	Coordinator CoordinatorConfig  `yaml:"coordinator"`
	DTC         dtc.Config         `yaml:"dtc"`
	Server      ServerConfig       `yaml:"server"`
	Raft        fsm.NodeConfig     `yaml:"raft"`
	// Journal keeps decisions on local disk when raft is off.
	Journal wal.Config `yaml:"journal"`
}

// CoordinatorConfig is the client side: where the distributed coordinator
// lives and how to reconnect to it.
type CoordinatorConfig struct {
	Address   string             `yaml:"address"`
	TLS       certs.TLSConfig    `yaml:"tls"`
	Reconnect coordinator.Config `yaml:"reconnect"`
	// DialTimeout bounds opening a session.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ServerConfig is the coordinator's gRPC listener.
type ServerConfig struct {
	GRPCAddress     string          `yaml:"grpc_address"`
	TLS             certs.TLSConfig `yaml:"tls"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

var ErrInvalidConfig = errors.New("invalid config")

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads path, applies defaults and validates the result. An empty path
// returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gojotx"
	}
	if c.Coordinator.Address == "" {
		c.Coordinator.Address = "localhost:7400"
	}
	if c.Coordinator.DialTimeout <= 0 {
		c.Coordinator.DialTimeout = 5 * time.Second
	}
	if c.DTC.RecordTimeout <= 0 {
		c.DTC.RecordTimeout = 5 * time.Second
	}
	if c.DTC.DecisionRetention == 0 {
		c.DTC.DecisionRetention = 24 * time.Hour
	}
	if c.Server.GRPCAddress == "" {
		c.Server.GRPCAddress = ":7400"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Raft.NodeID == "" {
		c.Raft.NodeID = "node-1"
	}
	if c.Raft.BindAddress == "" {
		c.Raft.BindAddress = "127.0.0.1:7401"
	}
	if c.Raft.ApplyTimeout <= 0 {
		c.Raft.ApplyTimeout = 5 * time.Second
	}
	if c.Raft.SnapshotRetain <= 0 {
		c.Raft.SnapshotRetain = 2
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if _, lerr := logger.ParseLevel(c.Logger.Level); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("%w: telemetry.trace_sample_ratio must be in [0, 1]", ErrInvalidConfig))
	}
	if c.Transaction.DefaultTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: transaction.default_timeout is negative", ErrInvalidConfig))
	}
	if c.Coordinator.Reconnect.MaxBackoff > 0 && c.Coordinator.Reconnect.MaxBackoff < c.Coordinator.Reconnect.InitialBackoff {
		err = multierr.Append(err, fmt.Errorf("%w: coordinator.reconnect.max_backoff is below initial_backoff", ErrInvalidConfig))
	}
	for name, tc := range map[string]certs.TLSConfig{"coordinator.tls": c.Coordinator.TLS, "server.tls": c.Server.TLS} {
		if tc.Enabled && (tc.CAFile == "" || tc.CertFile == "" || tc.KeyFile == "") {
			err = multierr.Append(err, fmt.Errorf("%w: %s needs ca_file, cert_file and key_file", ErrInvalidConfig, name))
		}
	}
	if c.DTC.DecisionRetention < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: dtc.decision_retention is negative", ErrInvalidConfig))
	}
	if c.Raft.Enabled && c.Journal.Dir != "" {
		err = multierr.Append(err, fmt.Errorf("%w: raft.enabled and journal.dir are exclusive", ErrInvalidConfig))
	}
	for i, p := range c.Raft.Peers {
		if p.ID == "" || p.Address == "" {
			err = multierr.Append(err, fmt.Errorf("%w: raft.peers[%d] needs id and address", ErrInvalidConfig, i))
		}
	}
	return err
}
