// Command gojotx_coordinator runs the distributed transaction coordinator
// behind its gRPC service, with decisions optionally replicated through
// raft.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/pkg/logger"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	grpcAddr   = flag.String("grpc_addr", "", "gRPC bind address (overrides server.grpc_address)")
	nodeID     = flag.String("node_id", "", "Raft node ID (overrides raft.node_id)")
	raftAddr   = flag.String("raft_addr", "", "Raft bind address (overrides raft.bind_address)")
	raftDir    = flag.String("raft_dir", "", "Raft data directory; empty keeps the log in memory")
	bootstrap  = flag.Bool("bootstrap", false, "Bootstrap the raft cluster (only for the first node)")
	useRaft    = flag.Bool("raft", false, "Record decisions through raft")
	journalDir = flag.String("journal_dir", "", "Keep decisions in a local journal in this directory (overrides journal.dir)")
	devCerts   = flag.String("dev_certs", "", "Generate a dev CA and certificates into this directory and serve mTLS with them")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg, zlogger)
	if err != nil {
		zlogger.Fatal("Failed to start coordinator", zap.Error(err))
	}
	zlogger.Info("Coordinator ready", zap.String("grpcAddress", n.Addr()), zap.Bool("raft", n.raft != nil), zap.Bool("journal", n.journal != nil))

	select {
	case <-ctx.Done():
		zlogger.Info("Received signal, initiating graceful shutdown")
	case err := <-n.serveErr:
		zlogger.Error("gRPC server stopped", zap.Error(err))
	}
	if err := n.Shutdown(context.Background()); err != nil {
		zlogger.Error("Shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}
	zlogger.Info("Coordinator stopped")
}

// loadConfig reads the file and applies the flags that were set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "grpc_addr":
			cfg.Server.GRPCAddress = *grpcAddr
		case "node_id":
			cfg.Raft.NodeID = *nodeID
		case "raft_addr":
			cfg.Raft.BindAddress = *raftAddr
		case "raft_dir":
			cfg.Raft.DataDir = *raftDir
		case "bootstrap":
			cfg.Raft.Bootstrap = *bootstrap
		case "raft":
			cfg.Raft.Enabled = *useRaft
		case "journal_dir":
			cfg.Journal.Dir = *journalDir
		}
	})
	if *devCerts != "" {
		server, _, err := certs.GenerateDevCerts(*devCerts, 30*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("failed to generate dev certs: %w", err)
		}
		cfg.Server.TLS = server
	}
	return cfg, cfg.Validate()
}
