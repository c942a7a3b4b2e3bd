package rest

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/config"
	"github.com/davidleathers/financing-ledger-backend/internal/metrics"
)

// Dependencies are what the router serves. Idempotency, Events and Metrics
// are optional.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Ledger       LedgerService
	Idempotency  IdempotencyStore
	Events       http.Handler
	Metrics      *metrics.HTTPMetrics
	HealthChecks map[string]HealthCheck
}

// NewRouter builds the HTTP handler with the middleware chain applied.
func NewRouter(deps Dependencies) (http.Handler, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := NewBaseHandler(cfg.Version, logger)
	h := NewHandler(base, deps.Ledger, deps.Idempotency, RetryPolicy{
		Attempts: cfg.Ledger.RetryAttempts,
		Interval: cfg.Ledger.RetryInterval,
	})

	mux := http.NewServeMux()
	route := func(pattern, name string, fn http.HandlerFunc) {
		var handler http.Handler = fn
		if deps.Metrics != nil {
			handler = deps.Metrics.Instrument(name, handler)
		}
		mux.Handle(pattern, handler)
	}

	route("PUT /v1/owners/{id}", "register_owner", h.registerOwner)
	route("GET /v1/owners/{id}/payments", "list_owner_payments", h.listOwnerPayments)

	route("POST /v1/financing-agreements", "create_agreement", h.createAgreement)
	route("POST /v1/financing-agreements/overdue-sweep", "overdue_sweep", h.overdueSweep)
	route("GET /v1/financing-agreements/{id}", "get_agreement", h.getAgreement)
	route("POST /v1/financing-agreements/{id}/cancel", "cancel_agreement", h.cancelAgreement)

	route("POST /v1/billing-orders", "create_billing_order", h.createBillingOrder)
	route("GET /v1/billing-orders/{id}", "get_billing_order", h.getBillingOrder)
	route("POST /v1/billing-orders/{id}/void", "void_billing_order", h.voidBillingOrder)
	route("POST /v1/billing-orders/{id}/payments", "create_payment", h.createPayment)

	route("POST /v1/payments/{id}/reversal", "reverse_payment", h.reversePayment)

	route("GET /healthz", "health", healthHandler(deps.HealthChecks, base))
	if deps.Events != nil {
		mux.Handle("GET /v1/events", deps.Events)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	mux.HandleFunc("/", h.notFound)

	middlewares := []Middleware{
		recoveryMiddleware(logger),
		requestIDMiddleware,
		tracingMiddleware,
		loggingMiddleware(logger),
		rateLimitMiddleware(newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize), logger),
	}
	if cfg.API.ContractValidation {
		cv, err := NewContractValidator()
		if err != nil {
			return nil, fmt.Errorf("contract validator: %w", err)
		}
		middlewares = append(middlewares, contractMiddleware(cv, base))
	}

	return chain(mux, middlewares...), nil
}
