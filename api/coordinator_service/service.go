// Package coordinatorservice exposes the distributed coordinator over gRPC
// and provides the matching client-side coordinator.Platform.
//
// Messages are google.protobuf.Struct values, so the service needs no
// generated code. Every unary request carries the session id handed out by
// the Session stream; the stream then carries the session's notifications.
package coordinatorservice

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/dtc"
)

const ServiceName = "gojotx.coordinator.v1.Coordinator"

const (
	methodBegin        = "BeginTransaction"
	methodRegisterRM   = "RegisterResourceManager"
	methodEnlist       = "Enlist"
	methodVote         = "Vote"
	methodPhase0Done   = "Phase0Done"
	methodCommit       = "Commit"
	methodAbort        = "Abort"
	methodQueryOutcome = "QueryOutcome"
	streamSession      = "Session"
)

// Message field names.
const (
	fieldSessionID    = "session_id"
	fieldTx           = "tx"
	fieldRM           = "rm_id"
	fieldKind         = "kind"
	fieldToken        = "token"
	fieldEnlistment   = "enlistment"
	fieldYes          = "yes"
	fieldReason       = "reason"
	fieldOutcome      = "outcome"
	fieldTimeoutMs    = "timeout_ms"
	fieldIsolation    = "isolation"
	fieldAbortHint    = "abort_hint"
	fieldNotification = "notification"
)

const errorDomain = "gojotx.io"

// CoordinatorServer is implemented by Server. It exists so the service
// descriptor can be registered like generated code.
type CoordinatorServer interface {
	BeginTransaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterResourceManager(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Enlist(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Vote(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Phase0Done(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Commit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Abort(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryOutcome(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Session(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(CoordinatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodBegin, CoordinatorServer.BeginTransaction),
		unaryMethod(methodRegisterRM, CoordinatorServer.RegisterResourceManager),
		unaryMethod(methodEnlist, CoordinatorServer.Enlist),
		unaryMethod(methodVote, CoordinatorServer.Vote),
		unaryMethod(methodPhase0Done, CoordinatorServer.Phase0Done),
		unaryMethod(methodCommit, CoordinatorServer.Commit),
		unaryMethod(methodAbort, CoordinatorServer.Abort),
		unaryMethod(methodQueryOutcome, CoordinatorServer.QueryOutcome),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: streamSession,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(CoordinatorServer).Session(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "gojotx/coordinator/v1/coordinator.proto",
}

// RegisterCoordinatorServer registers srv on s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Errors cross the wire as a status code plus an ErrorInfo reason, so the
// client can hand back the same sentinel the coordinator returned.
var errorReasons = []struct {
	err    error
	code   codes.Code
	reason string
}{
	{coordinator.ErrCoordinatorUnavailable, codes.Unavailable, "COORDINATOR_UNAVAILABLE"},
	{coordinator.ErrConnectionClosed, codes.FailedPrecondition, "SESSION_CLOSED"},
	{coordinator.ErrUnknownTransaction, codes.NotFound, "UNKNOWN_TRANSACTION"},
	{coordinator.ErrUnknownEnlistment, codes.NotFound, "UNKNOWN_ENLISTMENT"},
	{coordinator.ErrUnknownResourceManager, codes.NotFound, "UNKNOWN_RESOURCE_MANAGER"},
	{coordinator.ErrUnexpectedVote, codes.FailedPrecondition, "UNEXPECTED_VOTE"},
	{coordinator.ErrAlreadyDecided, codes.FailedPrecondition, "ALREADY_DECIDED"},
	{coordinator.ErrEnlistmentClosed, codes.FailedPrecondition, "ENLISTMENT_CLOSED"},
	{dtc.ErrNotLeader, codes.Unavailable, "NOT_LEADER"},
	{dtc.ErrConflictingDecision, codes.Aborted, "CONFLICTING_DECISION"},
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, reason := codes.Internal, ""
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	for _, r := range errorReasons {
		if errors.Is(err, r.err) {
			code, reason = r.code, r.reason
			break
		}
	}
	st := status.New(code, err.Error())
	if reason == "" {
		return st.Err()
	}
	withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Domain: errorDomain, Reason: reason})
	if derr != nil {
		return st.Err()
	}
	return withInfo.Err()
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		for _, r := range errorReasons {
			if r.reason == info.GetReason() {
				return fmt.Errorf("%w: %s", r.err, st.Message())
			}
		}
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", coordinator.ErrCoordinatorUnavailable, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	}
	return err
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func newStruct(fields map[string]interface{}) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		// Only strings, numbers and bools are ever put in.
		panic(fmt.Sprintf("coordinatorservice: bad message field: %v", err))
	}
	return s
}

func encodeNotification(n coordinator.Notification) *structpb.Struct {
	return newStruct(map[string]interface{}{
		fieldNotification: float64(n.Kind),
		fieldToken:        string(n.Token),
		fieldAbortHint:    n.AbortHint,
		fieldReason:       n.Reason,
	})
}

func decodeNotification(s *structpb.Struct) coordinator.Notification {
	return coordinator.Notification{
		Kind:      coordinator.NotificationKind(numberField(s, fieldNotification)),
		Token:     coordinator.Token(stringField(s, fieldToken)),
		AbortHint: boolField(s, fieldAbortHint),
		Reason:    stringField(s, fieldReason),
	}
}
