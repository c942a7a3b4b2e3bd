package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRegistry_RecordsLedgerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r, err := NewRegistry(provider)
	require.NoError(t, err)
	ctx := context.Background()

	r.RecordPayment(ctx, "TRANSFER", 2, true)
	r.RecordPayment(ctx, "CASH", 0, false)
	r.RecordAllocationRejected(ctx, apperrors.CodeInsufficientAmount)
	r.RecordReversal(ctx, 2)
	r.RecordConflict(ctx, "create_payment")
	r.ObserveOperation(ctx, "create_payment", 12*time.Millisecond, nil)
	r.ObserveOperation(ctx, "create_payment", 3*time.Millisecond, apperrors.NewNotFoundError("billing order"))
	r.SetDBConnectionsInUse(4)
	r.SetWebsocketClients(2)

	got := collect(t, reader)
	assert.EqualValues(t, 2, sumOf(t, got["ledger.payment.registered_total"]))
	assert.EqualValues(t, 2, sumOf(t, got["ledger.installment.allocated_total"]))
	assert.EqualValues(t, 1, sumOf(t, got["ledger.payment.unapplied_total"]))
	assert.EqualValues(t, 1, sumOf(t, got["ledger.allocation.rejected_total"]))
	assert.EqualValues(t, 1, sumOf(t, got["ledger.payment.reversed_total"]))
	assert.EqualValues(t, 2, sumOf(t, got["ledger.installment.restored_total"]))
	assert.EqualValues(t, 1, sumOf(t, got["ledger.conflict_total"]))
	assert.EqualValues(t, 1, sumOf(t, got["ledger.operation.failure_total"]))

	hist, ok := got["ledger.operation.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 2, count)

	gauge, ok := got["ledger.system.db_connections_in_use"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.EqualValues(t, 4, gauge.DataPoints[0].Value)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"app error", apperrors.NewConflictError("lost"), apperrors.CodeConflict},
		{"wrapped app error", apperrors.Wrap(apperrors.NewNotFoundError("payment"), "reverse"), apperrors.CodeNotFound},
		{"cancelled", context.Canceled, "CANCELLED"},
		{"plain error", errors.New("boom"), apperrors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}

func TestHTTPMetrics_Instrument(t *testing.T) {
	m := NewHTTPMetrics()
	h := m.Instrument("POST /v1/payments/{id}/reversal", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	for range 3 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/payments/x/reversal", nil))
	}

	assert.InDelta(t, 3, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, "POST /v1/payments/{id}/reversal", "4xx")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.inFlight), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ledger_api_http_requests_total"))
}

func TestStatusCodeClass(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeClass(201))
	assert.Equal(t, "5xx", statusCodeClass(503))
	assert.Equal(t, "unknown", statusCodeClass(0))
}
