package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// CoordinatorMetrics holds the metric instruments for the gRPC coordinator
// service.
type CoordinatorMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
	NotificationsCounter    metric.Int64Counter
	SessionsUpDownCounter   metric.Int64UpDownCounter
}

// NewCoordinatorMetrics creates and registers the coordinator service metrics.
func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojotx.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojotx.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed, by status code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojotx.grpc.server.duration",
		metric.WithDescription("The latency of unary RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotx.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	notificationsCounter, err := meter.Int64Counter(
		"gojotx.coordinator.notifications_sent_total",
		metric.WithDescription("Notifications pushed to session streams, by kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	sessionsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotx.coordinator.sessions",
		metric.WithDescription("Number of open coordinator sessions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
		NotificationsCounter:    notificationsCounter,
		SessionsUpDownCounter:   sessionsUpDownCounter,
	}, nil
}

// UnaryServerInterceptor records start, completion and latency of unary
// calls.
func (m *CoordinatorMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := attribute.String("method", info.FullMethod)
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(method))
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(method))
		attrs := metric.WithAttributes(method, attribute.String("code", status.Code(err).String()))
		m.RpcsHandledCounter.Add(ctx, 1, attrs)
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
		return resp, err
	}
}

// StreamServerInterceptor counts session streams. Their duration is the
// session lifetime and is not recorded as latency.
func (m *CoordinatorMetrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		method := attribute.String("method", info.FullMethod)
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(method))

		err := handler(srv, ss)

		m.ActiveRpcsUpDownCounter.Add(context.Background(), -1, metric.WithAttributes(method))
		m.RpcsHandledCounter.Add(context.Background(), 1,
			metric.WithAttributes(method, attribute.String("code", status.Code(err).String())))
		return err
	}
}

func (m *CoordinatorMetrics) NotificationSent(ctx context.Context, kind string) {
	m.NotificationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *CoordinatorMetrics) SessionOpened(ctx context.Context) { m.SessionsUpDownCounter.Add(ctx, 1) }

func (m *CoordinatorMetrics) SessionClosed(ctx context.Context) { m.SessionsUpDownCounter.Add(ctx, -1) }
