package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	coordinatorservice "github.com/sushant-115/gojotx/api/coordinator_service"
	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/dtc"
	fsm "github.com/sushant-115/gojotx/core/replication/raft_consensus"
	"github.com/sushant-115/gojotx/core/wal"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

// node is one running coordinator process.
type node struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	raft      *fsm.Node
	journal   *wal.Journal
	coord     *dtc.Coordinator
	server    *coordinatorservice.Server
	grpc      *grpc.Server
	listener  net.Listener
	serveErr  chan error
}

func startNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) (n *node, err error) {
	n = &node{cfg: cfg, logger: logger, serveErr: make(chan error, 1)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Shutdown(context.Background()))
			n = nil
		}
	}()

	n.telemetry, err = telemetry.New(cfg.Telemetry, logger)
	if err != nil {
		return n, fmt.Errorf("failed to start telemetry: %w", err)
	}

	var opts []dtc.Option
	switch {
	case cfg.Raft.Enabled:
		n.raft, err = fsm.NewNode(cfg.Raft, logger)
		if err != nil {
			return n, err
		}
		if cfg.Raft.Bootstrap {
			wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err = n.raft.WaitForLeader(wctx)
			cancel()
			if err != nil {
				return n, err
			}
		}
		opts = append(opts, dtc.WithDecisionLog(dtc.NewRaftDecisionLog(n.raft.Raft, n.raft.FSM, cfg.Raft.ApplyTimeout)))
	case cfg.Journal.Dir != "":
		n.journal, err = wal.Open(cfg.Journal, logger)
		if err != nil {
			return n, err
		}
		opts = append(opts, dtc.WithDecisionLog(dtc.NewJournalDecisionLog(n.journal)))
	}
	n.coord = dtc.New(cfg.DTC, logger, opts...)

	metrics, err := internaltelemetry.NewCoordinatorMetrics(n.telemetry.Meter)
	if err != nil {
		return n, fmt.Errorf("failed to create coordinator metrics: %w", err)
	}
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
	}
	creds, err := certs.ServerOption(cfg.Server.TLS)
	if err != nil {
		return n, fmt.Errorf("failed to load server TLS: %w", err)
	}
	if creds != nil {
		serverOpts = append(serverOpts, creds)
	}

	n.listener, err = net.Listen("tcp", cfg.Server.GRPCAddress)
	if err != nil {
		return n, fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddress, err)
	}
	n.grpc = grpc.NewServer(serverOpts...)
	n.server = coordinatorservice.NewServer(n.coord, logger, metrics)
	coordinatorservice.RegisterCoordinatorServer(n.grpc, n.server)
	go func() {
		if err := n.grpc.Serve(n.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.serveErr <- err
		}
	}()
	return n, nil
}

// Addr is the gRPC listen address.
func (n *node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Shutdown aborts undecided transactions and ends every session, then
// stops the gRPC server and closes the decision log and telemetry. A graceful stop that outlives
// server.shutdown_timeout is forced.
func (n *node) Shutdown(ctx context.Context) error {
	var err error
	if n.coord != nil {
		err = multierr.Append(err, n.coord.Close())
	}
	if n.grpc != nil {
		done := make(chan struct{})
		go func() {
			n.grpc.GracefulStop()
			close(done)
		}()
		timer := time.NewTimer(n.cfg.Server.ShutdownTimeout)
		select {
		case <-done:
		case <-timer.C:
			n.logger.Warn("Graceful stop timed out, forcing")
			n.grpc.Stop()
			<-done
		}
		timer.Stop()
	} else if n.listener != nil {
		err = multierr.Append(err, n.listener.Close())
	}
	if n.raft != nil {
		err = multierr.Append(err, n.raft.Shutdown())
	}
	if n.journal != nil {
		err = multierr.Append(err, n.journal.Close())
	}
	if n.telemetry != nil {
		err = multierr.Append(err, n.telemetry.Shutdown(ctx))
	}
	return err
}
