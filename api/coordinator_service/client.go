package coordinatorservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/pkg/connection"
)

var sessionStreamDesc = grpc.StreamDesc{StreamName: streamSession, ServerStreams: true}

// Platform is a coordinator.Platform that reaches the coordinator over
// gRPC. Losing the session stream closes the session's notification
// channel, which the coordinator.Connection treats as the coordinator
// going down.
type Platform struct {
	address string
	pool    *connection.Pool
	logger  *zap.Logger
}

// NewPlatform returns a platform for the coordinator at address. The pool
// is shared and owned by the caller.
func NewPlatform(address string, pool *connection.Pool, logger *zap.Logger) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{address: address, pool: pool, logger: logger.Named("coordinator_client")}
}

// Connect opens a Session stream and waits for the session id.
func (p *Platform) Connect(ctx context.Context) (coordinator.Session, error) {
	conn, err := p.pool.Get(p.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", coordinator.ErrCoordinatorUnavailable, err)
	}

	// The stream outlives ctx; only the handshake is bounded by it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := conn.NewStream(streamCtx, &sessionStreamDesc, fullMethod(streamSession))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	hello := make(chan error, 1)
	first := new(structpb.Struct)
	go func() { hello <- stream.RecvMsg(first) }()
	select {
	case err := <-hello:
		if err != nil {
			cancel()
			return nil, fromStatus(err)
		}
	case <-ctx.Done():
		cancel()
		<-hello
		return nil, ctx.Err()
	}

	s := &clientSession{
		id:     stringField(first, fieldSessionID),
		conn:   conn,
		stream: stream,
		cancel: cancel,
		out:    make(chan coordinator.Notification),
		done:   make(chan struct{}),
		logger: p.logger.With(zap.String("sessionID", stringField(first, fieldSessionID))),
	}
	s.wg.Add(1)
	go s.receive()
	p.logger.Info("Coordinator session opened", zap.String("address", p.address), zap.String("sessionID", s.id))
	return s, nil
}

type clientSession struct {
	id     string
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	out    chan coordinator.Notification
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

func (s *clientSession) receive() {
	defer s.wg.Done()
	defer close(s.out)
	for {
		msg := new(structpb.Struct)
		if err := s.stream.RecvMsg(msg); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("Coordinator session stream lost", zap.Error(err))
			}
			return
		}
		select {
		case s.out <- decodeNotification(msg):
		case <-s.done:
			return
		}
	}
}

func (s *clientSession) Notifications() <-chan coordinator.Notification { return s.out }

// Close ends the stream. The server closes the coordinator session, which
// aborts the undecided transactions this session took part in.
func (s *clientSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	s.wg.Wait()
	return nil
}

func (s *clientSession) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	if fields == nil {
		fields = make(map[string]interface{}, 1)
	}
	fields[fieldSessionID] = s.id
	out := new(structpb.Struct)
	if err := s.conn.Invoke(ctx, fullMethod(method), newStruct(fields), out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (s *clientSession) BeginTransaction(ctx context.Context, opts coordinator.BeginOptions) (coordinator.TxHandle, error) {
	out, err := s.invoke(ctx, methodBegin, map[string]interface{}{
		fieldTimeoutMs: float64(opts.Timeout / time.Millisecond),
		fieldIsolation: opts.Isolation,
		fieldToken:     string(opts.Token),
	})
	if err != nil {
		return "", err
	}
	return coordinator.TxHandle(stringField(out, fieldTx)), nil
}

func (s *clientSession) RegisterResourceManager(ctx context.Context, rmID string) error {
	_, err := s.invoke(ctx, methodRegisterRM, map[string]interface{}{fieldRM: rmID})
	return err
}

func (s *clientSession) Enlist(ctx context.Context, tx coordinator.TxHandle, rmID string, kind coordinator.EnlistmentKind, token coordinator.Token) (coordinator.EnlistmentHandle, error) {
	out, err := s.invoke(ctx, methodEnlist, map[string]interface{}{
		fieldTx:    string(tx),
		fieldRM:    rmID,
		fieldKind:  float64(kind),
		fieldToken: string(token),
	})
	if err != nil {
		return "", err
	}
	return coordinator.EnlistmentHandle(stringField(out, fieldEnlistment)), nil
}

func (s *clientSession) Vote(ctx context.Context, e coordinator.EnlistmentHandle, yes bool) error {
	_, err := s.invoke(ctx, methodVote, map[string]interface{}{fieldEnlistment: string(e), fieldYes: yes})
	return err
}

func (s *clientSession) Phase0Done(ctx context.Context, e coordinator.EnlistmentHandle, yes bool) error {
	_, err := s.invoke(ctx, methodPhase0Done, map[string]interface{}{fieldEnlistment: string(e), fieldYes: yes})
	return err
}

func (s *clientSession) Commit(ctx context.Context, tx coordinator.TxHandle) error {
	_, err := s.invoke(ctx, methodCommit, map[string]interface{}{fieldTx: string(tx)})
	return err
}

func (s *clientSession) Abort(ctx context.Context, tx coordinator.TxHandle, reason string) error {
	_, err := s.invoke(ctx, methodAbort, map[string]interface{}{fieldTx: string(tx), fieldReason: reason})
	return err
}

func (s *clientSession) QueryOutcome(ctx context.Context, tx coordinator.TxHandle) (coordinator.Outcome, error) {
	out, err := s.invoke(ctx, methodQueryOutcome, map[string]interface{}{fieldTx: string(tx)})
	if err != nil {
		return coordinator.OutcomeUnknown, err
	}
	return coordinator.ParseOutcome(stringField(out, fieldOutcome)), nil
}
