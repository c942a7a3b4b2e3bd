package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/owner"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/cache"
	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

// LedgerService is the part of the ledger the HTTP surface drives.
type LedgerService interface {
	RegisterOwner(ctx context.Context, id uuid.UUID, displayName string) (*owner.Owner, error)
	CreateFinancingAgreement(ctx context.Context, req ledger.CreateAgreementRequest) (*ledger.FinancingDetail, error)
	GetFinancingDetail(ctx context.Context, id uuid.UUID) (*ledger.FinancingDetail, error)
	CancelAgreement(ctx context.Context, id uuid.UUID) (*financing.Agreement, error)
	MarkOverdue(ctx context.Context, asOf time.Time) ([]uuid.UUID, error)
	CreateBillingOrder(ctx context.Context, req ledger.CreateBillingOrderRequest) (*billing.Order, error)
	GetBillingOrder(ctx context.Context, id uuid.UUID) (*billing.Order, error)
	VoidBillingOrder(ctx context.Context, id uuid.UUID) (*billing.Order, error)
	CreatePayment(ctx context.Context, req ledger.CreatePaymentRequest) (*ledger.PaymentResult, error)
	ReversePayment(ctx context.Context, id uuid.UUID) (*ledger.ReversalResult, error)
	ListPaymentsForOwner(ctx context.Context, ownerID uuid.UUID) ([]*ledger.PaymentView, error)
}

// IdempotencyStore answers repeated payment requests. Implemented by
// cache.IdempotencyStore.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, fingerprint string) (*cache.Record, error)
	Complete(ctx context.Context, key string, rec cache.Record) error
	Release(ctx context.Context, key string) error
}

const idempotencyHeader = "Idempotency-Key"

// RetryPolicy controls how mutating calls are retried on serialization
// conflicts.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// Handler serves the ledger routes.
type Handler struct {
	*BaseHandler
	ledger      LedgerService
	idempotency IdempotencyStore
	retry       RetryPolicy
	now         func() time.Time
}

// NewHandler creates the ledger handler. idempotency may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(base *BaseHandler, svc LedgerService, idempotency IdempotencyStore, retry RetryPolicy) *Handler {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Handler{
		BaseHandler: base,
		ledger:      svc,
		idempotency: idempotency,
		retry:       retry,
		now:         time.Now,
	}
}

func (h *Handler) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return ledger.RetryOnConflict(ctx, h.retry.Attempts, h.retry.Interval, fn)
}

// PUT /v1/owners/{id}
func (h *Handler) registerOwner(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req RegisterOwnerRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var o *owner.Owner
	err = h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		o, err = h.ledger.RegisterOwner(ctx, id, req.DisplayName)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, newOwnerResponse(o))
}

// POST /v1/financing-agreements
func (h *Handler) createAgreement(w http.ResponseWriter, r *http.Request) {
	var req CreateAgreementRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var detail *ledger.FinancingDetail
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		detail, err = h.ledger.CreateFinancingAgreement(ctx, req.toLedger())
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/financing-agreements/"+detail.Agreement.ID.String())
	h.writeSuccess(w, r, http.StatusCreated, newFinancingDetailResponse(detail))
}

// GET /v1/financing-agreements/{id}
func (h *Handler) getAgreement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	detail, err := h.ledger.GetFinancingDetail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, newFinancingDetailResponse(detail))
}

// POST /v1/financing-agreements/{id}/cancel
func (h *Handler) cancelAgreement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var agreement *financing.Agreement
	err = h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		agreement, err = h.ledger.CancelAgreement(ctx, id)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, newAgreementResponse(agreement))
}

// POST /v1/financing-agreements/overdue-sweep
//
// Per-agreement failures do not fail the sweep; they are counted in the
// response and logged by the ledger.
func (h *Handler) overdueSweep(w http.ResponseWriter, r *http.Request) {
	var req OverdueSweepRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	asOf := dateOrZero(req.AsOf)
	if asOf.IsZero() {
		now := h.now().UTC()
		asOf = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	ids, err := h.ledger.MarkOverdue(r.Context(), asOf)
	failures := 0
	if err != nil {
		joined, ok := err.(interface{ Unwrap() []error })
		if !ok {
			h.writeError(w, r, err)
			return
		}
		failures = len(joined.Unwrap())
		h.logger.Warn("overdue sweep finished with failures", zap.Int("failures", failures), zap.Error(err))
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	h.writeSuccess(w, r, http.StatusOK, OverdueSweepResponse{
		AsOf:         asOf.Format(time.DateOnly),
		AgreementIDs: ids,
		Failures:     failures,
	})
}

// POST /v1/billing-orders
func (h *Handler) createBillingOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateBillingOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var order *billing.Order
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		order, err = h.ledger.CreateBillingOrder(ctx, req.toLedger())
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/billing-orders/"+order.ID.String())
	h.writeSuccess(w, r, http.StatusCreated, newBillingOrderResponse(order))
}

// GET /v1/billing-orders/{id}
func (h *Handler) getBillingOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.ledger.GetBillingOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, newBillingOrderResponse(order))
}

// POST /v1/billing-orders/{id}/void
func (h *Handler) voidBillingOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var order *billing.Order
	err = h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		order, err = h.ledger.VoidBillingOrder(ctx, id)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, newBillingOrderResponse(order))
}

// POST /v1/billing-orders/{id}/payments
//
// With an Idempotency-Key header the first completed response is stored and
// returned verbatim, flagged as replayed, for every later request with the
// same key and body.
func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if key == "" || h.idempotency == nil {
		h.runPayment(w, r, orderID, nil)
		return
	}
	if len(key) > 255 {
		h.writeError(w, r, &ValidationError{Message: idempotencyHeader + " must be at most 255 characters"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, r, &ValidationError{Message: "Failed to read request body"})
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	fingerprint := cache.Fingerprint(r.Method, r.URL.Path, string(body))
	rec, err := h.idempotency.Reserve(r.Context(), key, fingerprint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rec != nil {
		h.logger.Debug("replaying payment response", zap.String("idempotency_key", key))
		meta := h.meta(r)
		meta.Replayed = true
		writeJSON(w, rec.StatusCode, ResponseEnvelope{Success: true, Data: rec.Body, Meta: meta}, h.logger)
		return
	}

	h.runPayment(w, r, orderID, func(status int, data any) {
		// the request context may already be canceled once the client left
		ctx := context.WithoutCancel(r.Context())
		if data == nil {
			if err := h.idempotency.Release(ctx, key); err != nil {
				h.logger.Warn("failed to release idempotency key", zap.String("idempotency_key", key), zap.Error(err))
			}
			return
		}
		raw, err := json.Marshal(data)
		if err == nil {
			err = h.idempotency.Complete(ctx, key, cache.Record{
				Fingerprint: fingerprint,
				StatusCode:  status,
				Body:        raw,
			})
		}
		if err != nil {
			h.logger.Warn("failed to store idempotent response", zap.String("idempotency_key", key), zap.Error(err))
		}
	})
}

// runPayment executes the payment and reports the outcome to done, with nil
// data on failure.
func (h *Handler) runPayment(w http.ResponseWriter, r *http.Request, orderID uuid.UUID, done func(status int, data any)) {
	var req CreatePaymentRequest
	if err := h.decode(r, &req); err != nil {
		if done != nil {
			done(0, nil)
		}
		h.writeError(w, r, err)
		return
	}

	var result *ledger.PaymentResult
	err := h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.ledger.CreatePayment(ctx, req.toLedger(orderID))
		return err
	})
	if err != nil {
		if done != nil {
			done(0, nil)
		}
		h.writeError(w, r, err)
		return
	}

	resp := newPaymentResultResponse(result)
	if done != nil {
		done(http.StatusCreated, resp)
	}
	w.Header().Set("Location", "/v1/payments/"+result.Payment.ID.String())
	h.writeSuccess(w, r, http.StatusCreated, resp)
}

// POST /v1/payments/{id}/reversal
func (h *Handler) reversePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var result *ledger.ReversalResult
	err = h.withRetry(r.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.ledger.ReversePayment(ctx, id)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, r, http.StatusOK, newReversalResponse(result))
}

// GET /v1/owners/{id}/payments
func (h *Handler) listOwnerPayments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views, err := h.ledger.ListPaymentsForOwner(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]PaymentResponse, len(views))
	for i, v := range views {
		out[i] = newPaymentResponse(v)
	}
	h.writeSuccess(w, r, http.StatusOK, out)
}

// notFound answers unmatched routes with the JSON envelope.
func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, errRouteNotFound)
}

var errRouteNotFound = errors.New("route not found")
