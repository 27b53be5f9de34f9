package coordinatorservice

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/dtc"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// Server serves a dtc.Coordinator. Each Session stream owns one coordinator
// session; closing the stream closes the session.
type Server struct {
	coord   *dtc.Coordinator
	logger  *zap.Logger
	metrics *internaltelemetry.CoordinatorMetrics

	mu       sync.RWMutex
	sessions map[string]*dtc.Session
}

// NewServer creates a server. metrics may be nil.
func NewServer(coord *dtc.Coordinator, logger *zap.Logger, metrics *internaltelemetry.CoordinatorMetrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		coord:    coord,
		logger:   logger.Named("coordinator_service"),
		metrics:  metrics,
		sessions: make(map[string]*dtc.Session),
	}
}

// Sessions returns the number of open session streams.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) session(in *structpb.Struct) (*dtc.Session, error) {
	id := stringField(in, fieldSessionID)
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, toStatus(coordinator.ErrConnectionClosed)
	}
	return sess, nil
}

// Session opens a coordinator session, sends its id and then streams its
// notifications until the client goes away or the coordinator drops the
// session.
func (s *Server) Session(_ *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sess, err := s.coord.OpenSession(ctx)
	if err != nil {
		return toStatus(err)
	}
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionOpened(ctx)
	}
	logger := s.logger.With(zap.String("sessionID", sess.ID()))
	logger.Info("Session stream opened")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to close session", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.SessionClosed(context.Background())
		}
		logger.Info("Session stream closed")
	}()

	if err := stream.SendMsg(newStruct(map[string]interface{}{fieldSessionID: sess.ID()})); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sess.Notifications():
			if !ok {
				return status.Error(codes.Unavailable, "coordinator session ended")
			}
			if err := stream.SendMsg(encodeNotification(n)); err != nil {
				logger.Warn("Failed to push notification", zap.Stringer("kind", n.Kind), zap.Error(err))
				return err
			}
			if s.metrics != nil {
				s.metrics.NotificationSent(ctx, n.Kind.String())
			}
		}
	}
}

func (s *Server) BeginTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	h, err := sess.BeginTransaction(ctx, coordinator.BeginOptions{
		Timeout:   time.Duration(numberField(in, fieldTimeoutMs)) * time.Millisecond,
		Isolation: stringField(in, fieldIsolation),
		Token:     coordinator.Token(stringField(in, fieldToken)),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{fieldTx: string(h)}), nil
}

func (s *Server) RegisterResourceManager(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	if err := sess.RegisterResourceManager(ctx, stringField(in, fieldRM)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Enlist(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	eh, err := sess.Enlist(ctx,
		coordinator.TxHandle(stringField(in, fieldTx)),
		stringField(in, fieldRM),
		coordinator.EnlistmentKind(numberField(in, fieldKind)),
		coordinator.Token(stringField(in, fieldToken)))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{fieldEnlistment: string(eh)}), nil
}

func (s *Server) Vote(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	eh := coordinator.EnlistmentHandle(stringField(in, fieldEnlistment))
	if err := sess.Vote(ctx, eh, boolField(in, fieldYes)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Phase0Done(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	eh := coordinator.EnlistmentHandle(stringField(in, fieldEnlistment))
	if err := sess.Phase0Done(ctx, eh, boolField(in, fieldYes)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Commit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	if err := sess.Commit(ctx, coordinator.TxHandle(stringField(in, fieldTx))); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Abort(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	if err := sess.Abort(ctx, coordinator.TxHandle(stringField(in, fieldTx)), stringField(in, fieldReason)); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) QueryOutcome(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.session(in)
	if err != nil {
		return nil, err
	}
	outcome, err := sess.QueryOutcome(ctx, coordinator.TxHandle(stringField(in, fieldTx)))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{fieldOutcome: outcome.String()}), nil
}
