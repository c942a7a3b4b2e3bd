package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

const meterName = "financing-ledger"

// Registry holds the ledger's OpenTelemetry instruments. It implements the
// ledger service Metrics interface.
type Registry struct {
	meter metric.Meter

	// Ledger metrics
	PaymentsTotal           metric.Int64Counter
	InstallmentsAllocated   metric.Int64Counter
	UnappliedPayments       metric.Int64Counter
	AllocationRejections    metric.Int64Counter
	ReversalsTotal          metric.Int64Counter
	InstallmentsRestored    metric.Int64Counter
	ConflictsTotal          metric.Int64Counter
	OperationDuration       metric.Float64Histogram
	OperationFailures       metric.Int64Counter
	DatabaseConnectionsUsed metric.Int64ObservableGauge
	WebsocketClients        metric.Int64ObservableGauge

	mu        sync.RWMutex
	dbInUse   int64
	wsClients int64
}

// NewRegistry creates the instruments on provider, or on the global meter
// provider when provider is nil.
func NewRegistry(provider metric.MeterProvider) (*Registry, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	r := &Registry{meter: provider.Meter(meterName)}

	if err := r.initLedgerMetrics(); err != nil {
		return nil, err
	}
	if err := r.initSystemMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initLedgerMetrics() error {
	var err error

	r.PaymentsTotal, err = r.meter.Int64Counter(
		"ledger.payment.registered_total",
		metric.WithDescription("Payments registered"),
	)
	if err != nil {
		return err
	}

	r.InstallmentsAllocated, err = r.meter.Int64Counter(
		"ledger.installment.allocated_total",
		metric.WithDescription("Installments marked paid by payment allocation"),
	)
	if err != nil {
		return err
	}

	r.UnappliedPayments, err = r.meter.Int64Counter(
		"ledger.payment.unapplied_total",
		metric.WithDescription("Payments that left an unapplied amount"),
	)
	if err != nil {
		return err
	}

	r.AllocationRejections, err = r.meter.Int64Counter(
		"ledger.allocation.rejected_total",
		metric.WithDescription("Targeted allocations refused"),
	)
	if err != nil {
		return err
	}

	r.ReversalsTotal, err = r.meter.Int64Counter(
		"ledger.payment.reversed_total",
		metric.WithDescription("Payments reversed"),
	)
	if err != nil {
		return err
	}

	r.InstallmentsRestored, err = r.meter.Int64Counter(
		"ledger.installment.restored_total",
		metric.WithDescription("Installments returned to unpaid by reversals"),
	)
	if err != nil {
		return err
	}

	r.ConflictsTotal, err = r.meter.Int64Counter(
		"ledger.conflict_total",
		metric.WithDescription("Operations that lost a concurrent update race"),
	)
	if err != nil {
		return err
	}

	r.OperationDuration, err = r.meter.Float64Histogram(
		"ledger.operation.duration",
		metric.WithDescription("Ledger operation duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
	)
	if err != nil {
		return err
	}

	r.OperationFailures, err = r.meter.Int64Counter(
		"ledger.operation.failure_total",
		metric.WithDescription("Ledger operations that returned an error"),
	)
	return err
}

func (r *Registry) initSystemMetrics() error {
	var err error

	r.DatabaseConnectionsUsed, err = r.meter.Int64ObservableGauge(
		"ledger.system.db_connections_in_use",
		metric.WithDescription("Database connections currently acquired"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.dbInUse)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.WebsocketClients, err = r.meter.Int64ObservableGauge(
		"ledger.system.websocket_clients",
		metric.WithDescription("Connected event stream clients"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.wsClients)
			return nil
		}),
	)
	return err
}

// SetDBConnectionsInUse updates the pool gauge.
func (r *Registry) SetDBConnectionsInUse(n int64) {
	r.mu.Lock()
	r.dbInUse = n
	r.mu.Unlock()
}

// SetWebsocketClients updates the client gauge.
func (r *Registry) SetWebsocketClients(n int64) {
	r.mu.Lock()
	r.wsClients = n
	r.mu.Unlock()
}

// RecordPayment records a registered payment.
func (r *Registry) RecordPayment(ctx context.Context, method string, installments int, unapplied bool) {
	attrs := metric.WithAttributes(attribute.String("method", method))
	r.PaymentsTotal.Add(ctx, 1, attrs)
	if installments > 0 {
		r.InstallmentsAllocated.Add(ctx, int64(installments), attrs)
	}
	if unapplied {
		r.UnappliedPayments.Add(ctx, 1, attrs)
	}
}

// RecordAllocationRejected records a refused targeted allocation.
func (r *Registry) RecordAllocationRejected(ctx context.Context, code string) {
	r.AllocationRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordReversal records a reversal and how many installments it restored.
func (r *Registry) RecordReversal(ctx context.Context, installments int) {
	r.ReversalsTotal.Add(ctx, 1)
	if installments > 0 {
		r.InstallmentsRestored.Add(ctx, int64(installments))
	}
}

// RecordConflict records a lost race.
func (r *Registry) RecordConflict(ctx context.Context, operation string) {
	r.ConflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// ObserveOperation records duration and, on failure, the error code.
func (r *Registry) ObserveOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	}
	r.OperationDuration.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))

	if err != nil {
		r.OperationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("code", errorCode(err)),
		))
	}
}

func errorCode(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CANCELLED"
	}
	return apperrors.CodeInternal
}
