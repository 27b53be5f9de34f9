// Package connection keeps one shared gRPC client connection per remote
// address. A grpc.ClientConn multiplexes every call and stream over its own
// transport, so the pool only has to hand out the same conn and replace it
// once it has shut down.
package connection

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// Pool caches client connections by address.
type Pool struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	closed   bool
	logger   *zap.Logger
}

// NewPool creates a pool whose connections are created with opts.
func NewPool(logger *zap.Logger, opts ...grpc.DialOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
		logger:   logger.Named("connection_pool"),
	}
}

// Get returns the connection for address, creating it on first use or when
// the cached one has shut down. grpc.NewClient does not dial; the first RPC
// does.
func (p *Pool) Get(address string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, ok := p.conns[address]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("connection pool closed")
	}
	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("connection pool closed")
	}
	// Double-check after acquiring write lock
	if conn, ok := p.conns[address]; ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	p.conns[address] = conn
	p.logger.Debug("Created client connection", zap.String("address", address))
	return conn, nil
}

// Evict closes and forgets the connection for address.
func (p *Pool) Evict(address string) error {
	p.mu.Lock()
	conn, ok := p.conns[address]
	delete(p.conns, address)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Close shuts down every connection. Get fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var err error
	for addr, conn := range p.conns {
		err = multierr.Append(err, conn.Close())
		delete(p.conns, addr)
	}
	return err
}
