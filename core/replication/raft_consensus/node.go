package fsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	transportMaxPool = 3
	transportTimeout = 10 * time.Second
)

// NodeConfig configures the raft node carrying the decision log. An empty
// DataDir keeps log, stable store and snapshots in memory.
type NodeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	NodeID      string `yaml:"node_id"`
	BindAddress string `yaml:"bind_address"`
	DataDir     string `yaml:"data_dir"`
	// Bootstrap forms a new cluster from this node and Peers. It is
	// ignored when the data dir already holds raft state.
	Bootstrap      bool          `yaml:"bootstrap"`
	Peers          []Peer        `yaml:"peers"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
	SnapshotRetain int           `yaml:"snapshot_retain"`
}

// Peer is another voter of a bootstrapped cluster.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// Node is a running raft instance over a DecisionFSM.
type Node struct {
	Raft *raft.Raft
	FSM  *DecisionFSM

	transport *raft.NetworkTransport
	bolt      *raftboltdb.BoltStore
	logger    *zap.Logger
}

// NewNode starts raft. Stores are BoltDB under DataDir when it is set.
func NewNode(cfg NodeConfig, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("raft").With(zap.String("nodeID", cfg.NodeID))
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = 2
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = NewZapRaftLogger(logger)

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddress, nil, transportMaxPool, transportTimeout, conf.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft transport on %s: %w", cfg.BindAddress, err)
	}
	n := &Node{FSM: NewDecisionFSM(logger), transport: transport, logger: logger}

	var (
		logs      raft.LogStore
		stable    raft.StableStore
		snapshots raft.SnapshotStore
	)
	if cfg.DataDir == "" {
		mem := raft.NewInmemStore()
		logs, stable, snapshots = mem, mem, raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to create raft data dir: %w", err), transport.Close())
		}
		fileSnaps, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, cfg.SnapshotRetain, conf.Logger)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to create snapshot store: %w", err), transport.Close())
		}
		bolt, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to open bolt store: %w", err), transport.Close())
		}
		n.bolt = bolt
		logs, stable, snapshots = bolt, bolt, fileSnaps
	}

	if cfg.Bootstrap {
		existing, err := raft.HasExistingState(logs, stable, snapshots)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to inspect raft state: %w", err), n.closeStores())
		}
		if !existing {
			servers := []raft.Server{{ID: conf.LocalID, Address: transport.LocalAddr()}}
			for _, p := range cfg.Peers {
				servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Address)})
			}
			if err := raft.BootstrapCluster(conf, logs, stable, snapshots, transport, raft.Configuration{Servers: servers}); err != nil {
				return nil, multierr.Append(fmt.Errorf("failed to bootstrap raft: %w", err), n.closeStores())
			}
			logger.Info("Bootstrapped raft cluster", zap.Int("voters", len(servers)))
		}
	}

	r, err := raft.NewRaft(conf, n.FSM, logs, stable, snapshots, transport)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to start raft: %w", err), n.closeStores())
	}
	n.Raft = r
	logger.Info("Raft node started", zap.String("address", string(transport.LocalAddr())), zap.Bool("persistent", n.bolt != nil))
	return n, nil
}

// Addr is the address the transport listens on.
func (n *Node) Addr() string { return string(n.transport.LocalAddr()) }

// WaitForLeader blocks until the cluster has a leader.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := n.Raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no raft leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Shutdown stops raft and releases the stores.
func (n *Node) Shutdown() error {
	var err error
	if n.Raft != nil {
		if ferr := n.Raft.Shutdown().Error(); ferr != nil && !errors.Is(ferr, raft.ErrRaftShutdown) {
			err = multierr.Append(err, ferr)
		}
	}
	return multierr.Append(err, n.closeStores())
}

func (n *Node) closeStores() error {
	err := n.transport.Close()
	if n.bolt != nil {
		err = multierr.Append(err, n.bolt.Close())
	}
	return err
}
