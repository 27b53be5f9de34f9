package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TransactionMetrics holds the instruments for the transaction engine.
type TransactionMetrics struct {
	StartedCounter           metric.Int64Counter
	OutcomeCounter           metric.Int64Counter
	PromotionCounter         metric.Int64Counter
	RequeuedCounter          metric.Int64Counter
	CommitLatencyHistogram   metric.Int64Histogram
	ActiveTxUpDownCounter    metric.Int64UpDownCounter
	ProtocolViolationCounter metric.Int64Counter
}

// NewTransactionMetrics creates and registers the transaction engine metrics.
func NewTransactionMetrics(meter metric.Meter) (*TransactionMetrics, error) {
	started, err := meter.Int64Counter(
		"gojotx.transaction.started_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	outcomes, err := meter.Int64Counter(
		"gojotx.transaction.outcome_total",
		metric.WithDescription("Total number of transactions that reached a final status."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	promotions, err := meter.Int64Counter(
		"gojotx.transaction.promotion_total",
		metric.WithDescription("Promotion attempts to the distributed coordinator."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	requeued, err := meter.Int64Counter(
		"gojotx.transaction.callbacks_requeued_total",
		metric.WithDescription("Callbacks pushed to the work queue after a lock timeout."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"gojotx.transaction.commit.duration",
		metric.WithDescription("Time from Commit to final status."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojotx.transaction.active",
		metric.WithDescription("Number of transactions not yet in a final status."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	violations, err := meter.Int64Counter(
		"gojotx.transaction.protocol_violation_total",
		metric.WithDescription("Coordinator events an enlistment did not expect."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TransactionMetrics{
		StartedCounter:           started,
		OutcomeCounter:           outcomes,
		PromotionCounter:         promotions,
		RequeuedCounter:          requeued,
		CommitLatencyHistogram:   latency,
		ActiveTxUpDownCounter:    active,
		ProtocolViolationCounter: violations,
	}, nil
}

func (m *TransactionMetrics) Started(ctx context.Context) {
	m.StartedCounter.Add(ctx, 1)
	m.ActiveTxUpDownCounter.Add(ctx, 1)
}

// Finished records a final status. commitLatency is zero when Commit was
// never called.
func (m *TransactionMetrics) Finished(ctx context.Context, status string, commitLatency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.OutcomeCounter.Add(ctx, 1, attrs)
	m.ActiveTxUpDownCounter.Add(ctx, -1)
	if commitLatency > 0 {
		m.CommitLatencyHistogram.Record(ctx, commitLatency.Milliseconds(), attrs)
	}
}

func (m *TransactionMetrics) Promoted(ctx context.Context, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.PromotionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *TransactionMetrics) Requeued(ctx context.Context) {
	m.RequeuedCounter.Add(ctx, 1)
}

func (m *TransactionMetrics) ProtocolViolation(ctx context.Context) {
	m.ProtocolViolationCounter.Add(ctx, 1)
}
