// Package memstore is an in-memory implementation of the ledger repositories
// and transaction manager for tests. Transactions are serialized by a single
// mutex and roll back by restoring a snapshot taken at begin.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/billing"
	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/financing"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/owner"
	"github.com/davidleathers/financing-ledger-backend/internal/domain/payment"
)

type txKey struct{}

type state struct {
	agreements   map[uuid.UUID]*financing.Agreement
	installments map[uuid.UUID]*financing.Installment
	orders       map[uuid.UUID]*billing.Order
	payments     map[uuid.UUID]*payment.Payment
	owners       map[uuid.UUID]*owner.Owner
}

func newState() state {
	return state{
		agreements:   make(map[uuid.UUID]*financing.Agreement),
		installments: make(map[uuid.UUID]*financing.Installment),
		orders:       make(map[uuid.UUID]*billing.Order),
		payments:     make(map[uuid.UUID]*payment.Payment),
		owners:       make(map[uuid.UUID]*owner.Owner),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.agreements {
		c.agreements[k] = v.Clone()
	}
	for k, v := range s.installments {
		c.installments[k] = v.Clone()
	}
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.payments {
		c.payments[k] = v.Clone()
	}
	for k, v := range s.owners {
		o := *v
		c.owners[k] = &o
	}
	return c
}

// Store holds all ledger state in memory.
type Store struct {
	mu       sync.Mutex
	data     state
	failures map[string]error
	hooks    map[string]func()
	txCount  int
}

// New creates an empty store
func New() *Store {
	return &Store{
		data:     newState(),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

// ExecuteInTransaction runs fn with exclusive access to the store. Nested
// calls join the outer transaction.
func (s *Store) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// FailOn makes the next call of the named operation (e.g. "orders.Update")
// return err.
func (s *Store) FailOn(op string, err error) {
	s.withLock(context.Background(), func() { s.failures[op] = err })
}

// OnCall runs hook once, inside the store lock, when the named operation is
// next called.
func (s *Store) OnCall(op string, hook func()) {
	s.withLock(context.Background(), func() { s.hooks[op] = hook })
}

// Transactions returns the number of top-level transactions started.
func (s *Store) Transactions() int {
	var n int
	s.withLock(context.Background(), func() { n = s.txCount })
	return n
}

// ForceInstallmentPaid marks an installment paid, simulating a concurrent
// writer that won a race. It takes no lock: call it from an OnCall hook or
// while no transaction is running.
func (s *Store) ForceInstallmentPaid(id, paymentID uuid.UUID, at time.Time) {
	if inst, ok := s.data.installments[id]; ok {
		inst.Paid = true
		inst.PaidDate = &at
		inst.PaymentID = &paymentID
	}
}

func (s *Store) withLock(ctx context.Context, fn func()) {
	if ctx.Value(txKey{}) != nil {
		fn()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// enter runs the hook and returns the injected failure for op, if any.
// Callers must hold the lock.
func (s *Store) enter(op string) error {
	if hook, ok := s.hooks[op]; ok {
		delete(s.hooks, op)
		hook()
	}
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

// Agreements returns the agreement repository view of the store.
func (s *Store) Agreements() *AgreementRepository { return &AgreementRepository{s} }

// Installments returns the installment repository view of the store.
func (s *Store) Installments() *InstallmentRepository { return &InstallmentRepository{s} }

// Orders returns the billing order repository view of the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s} }

// Payments returns the payment repository view of the store.
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{s} }

// Owners returns the owner repository view of the store.
func (s *Store) Owners() *OwnerRepository { return &OwnerRepository{s} }

// AgreementRepository implements the agreement store.
type AgreementRepository struct{ s *Store }

func (r *AgreementRepository) Create(ctx context.Context, a *financing.Agreement) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("agreements.Create"); err != nil {
			return
		}
		if _, ok := r.s.data.agreements[a.ID]; ok {
			err = apperrors.NewConflictError(fmt.Sprintf("agreement %s already exists", a.ID))
			return
		}
		r.s.data.agreements[a.ID] = a.Clone()
	})
	return err
}

func (r *AgreementRepository) GetByID(ctx context.Context, id uuid.UUID) (a *financing.Agreement, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("agreements.GetByID"); err != nil {
			return
		}
		stored, ok := r.s.data.agreements[id]
		if !ok {
			err = apperrors.NewNotFoundError("financing agreement").WithDetail("id", id.String())
			return
		}
		a = stored.Clone()
	})
	return a, err
}

func (r *AgreementRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*financing.Agreement, error) {
	return r.GetByID(ctx, id)
}

func (r *AgreementRepository) Update(ctx context.Context, a *financing.Agreement) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("agreements.Update"); err != nil {
			return
		}
		stored, ok := r.s.data.agreements[a.ID]
		if !ok {
			err = apperrors.NewNotFoundError("financing agreement").WithDetail("id", a.ID.String())
			return
		}
		stored.Balance = a.Balance
		stored.Status = a.Status
		stored.UpdatedAt = a.UpdatedAt
	})
	return err
}

func (r *AgreementRepository) ListOverdueCandidates(ctx context.Context, asOf time.Time) (ids []uuid.UUID, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("agreements.ListOverdueCandidates"); err != nil {
			return
		}
		seen := make(map[uuid.UUID]bool)
		for _, inst := range r.s.data.installments {
			a := r.s.data.agreements[inst.AgreementID]
			if a == nil || a.Status != financing.StatusActive || seen[a.ID] || !inst.IsOverdue(asOf) {
				continue
			}
			seen[a.ID] = true
			ids = append(ids, a.ID)
		}
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, err
}

// InstallmentRepository implements the installment store.
type InstallmentRepository struct{ s *Store }

func (r *InstallmentRepository) CreateBatch(ctx context.Context, installments []*financing.Installment) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("installments.CreateBatch"); err != nil {
			return
		}
		for _, inst := range installments {
			if _, ok := r.s.data.agreements[inst.AgreementID]; !ok {
				err = apperrors.NewNotFoundError("financing agreement").WithDetail("id", inst.AgreementID.String())
				return
			}
			r.s.data.installments[inst.ID] = inst.Clone()
		}
	})
	return err
}

func (r *InstallmentRepository) GetByID(ctx context.Context, id uuid.UUID) (inst *financing.Installment, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("installments.GetByID"); err != nil {
			return
		}
		stored, ok := r.s.data.installments[id]
		if !ok {
			err = apperrors.NewNotFoundError("installment").WithDetail("id", id.String())
			return
		}
		inst = stored.Clone()
	})
	return inst, err
}

func (r *InstallmentRepository) list(ctx context.Context, op string, keep func(*financing.Installment) bool) (out []*financing.Installment, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter(op); err != nil {
			return
		}
		for _, inst := range r.s.data.installments {
			if keep(inst) {
				out = append(out, inst.Clone())
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgreementID != out[j].AgreementID {
			return out[i].AgreementID.String() < out[j].AgreementID.String()
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, err
}

func (r *InstallmentRepository) ListByAgreement(ctx context.Context, agreementID uuid.UUID) ([]*financing.Installment, error) {
	return r.list(ctx, "installments.ListByAgreement", func(i *financing.Installment) bool {
		return i.AgreementID == agreementID
	})
}

func (r *InstallmentRepository) ListPending(ctx context.Context, agreementID uuid.UUID) ([]*financing.Installment, error) {
	return r.list(ctx, "installments.ListPending", func(i *financing.Installment) bool {
		return i.AgreementID == agreementID && !i.Paid
	})
}

func (r *InstallmentRepository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*financing.Installment, error) {
	return r.list(ctx, "installments.ListByPayment", func(i *financing.Installment) bool {
		return i.PaymentID != nil && *i.PaymentID == paymentID
	})
}

func (r *InstallmentRepository) ListByPayments(ctx context.Context, paymentIDs []uuid.UUID) (map[uuid.UUID][]*financing.Installment, error) {
	wanted := make(map[uuid.UUID]bool, len(paymentIDs))
	for _, id := range paymentIDs {
		wanted[id] = true
	}
	held, err := r.list(ctx, "installments.ListByPayments", func(i *financing.Installment) bool {
		return i.PaymentID != nil && wanted[*i.PaymentID]
	})
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]*financing.Installment)
	for _, inst := range held {
		out[*inst.PaymentID] = append(out[*inst.PaymentID], inst)
	}
	return out, nil
}

func (r *InstallmentRepository) ClaimPaid(ctx context.Context, id, paymentID uuid.UUID, paidAt time.Time) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("installments.ClaimPaid"); err != nil {
			return
		}
		stored, ok := r.s.data.installments[id]
		if !ok {
			err = apperrors.NewNotFoundError("installment").WithDetail("id", id.String())
			return
		}
		if stored.Paid {
			err = apperrors.NewConflictError(fmt.Sprintf("installment %s was claimed by another payment", id))
			return
		}
		if _, ok := r.s.data.payments[paymentID]; !ok {
			err = apperrors.NewNotFoundError("payment").WithDetail("id", paymentID.String())
			return
		}
		err = stored.MarkPaid(paymentID, paidAt)
	})
	return err
}

func (r *InstallmentRepository) Release(ctx context.Context, id, paymentID uuid.UUID) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("installments.Release"); err != nil {
			return
		}
		stored, ok := r.s.data.installments[id]
		if !ok {
			err = apperrors.NewNotFoundError("installment").WithDetail("id", id.String())
			return
		}
		if !stored.Paid || stored.PaymentID == nil || *stored.PaymentID != paymentID {
			err = apperrors.NewConflictError(fmt.Sprintf("installment %s is no longer held by payment %s", id, paymentID))
			return
		}
		err = stored.Unmark(paymentID)
	})
	return err
}

// OrderRepository implements the billing order store.
type OrderRepository struct{ s *Store }

func (r *OrderRepository) Create(ctx context.Context, o *billing.Order) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("orders.Create"); err != nil {
			return
		}
		if o.AgreementID != nil {
			if _, ok := r.s.data.agreements[*o.AgreementID]; !ok {
				err = apperrors.NewNotFoundError("financing agreement").WithDetail("id", o.AgreementID.String())
				return
			}
		}
		r.s.data.orders[o.ID] = o.Clone()
	})
	return err
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (o *billing.Order, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("orders.GetByID"); err != nil {
			return
		}
		stored, ok := r.s.data.orders[id]
		if !ok {
			err = apperrors.NewNotFoundError("billing order").WithDetail("id", id.String())
			return
		}
		o = stored.Clone()
	})
	return o, err
}

func (r *OrderRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*billing.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *OrderRepository) Update(ctx context.Context, o *billing.Order) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("orders.Update"); err != nil {
			return
		}
		stored, ok := r.s.data.orders[o.ID]
		if !ok {
			err = apperrors.NewNotFoundError("billing order").WithDetail("id", o.ID.String())
			return
		}
		stored.Status = o.Status
		stored.PaidDate = nil
		if o.PaidDate != nil {
			d := *o.PaidDate
			stored.PaidDate = &d
		}
		stored.UpdatedAt = o.UpdatedAt
	})
	return err
}

func (r *OrderRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) (out []*billing.Order, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("orders.ListByOwner"); err != nil {
			return
		}
		for _, o := range r.s.data.orders {
			if o.OwnerID == ownerID {
				out = append(out, o.Clone())
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].IssueDate.After(out[j].IssueDate) })
	return out, err
}

// PaymentRepository implements the payment store.
type PaymentRepository struct{ s *Store }

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("payments.Create"); err != nil {
			return
		}
		if _, ok := r.s.data.orders[p.BillingOrderID]; !ok {
			err = apperrors.NewNotFoundError("billing order").WithDetail("id", p.BillingOrderID.String())
			return
		}
		r.s.data.payments[p.ID] = p.Clone()
	})
	return err
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (p *payment.Payment, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("payments.GetByID"); err != nil {
			return
		}
		stored, ok := r.s.data.payments[id]
		if !ok {
			err = apperrors.NewNotFoundError("payment").WithDetail("id", id.String())
			return
		}
		p = stored.Clone()
	})
	return p, err
}

func (r *PaymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return r.GetByID(ctx, id)
}

func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("payments.Update"); err != nil {
			return
		}
		stored, ok := r.s.data.payments[p.ID]
		if !ok {
			err = apperrors.NewNotFoundError("payment").WithDetail("id", p.ID.String())
			return
		}
		stored.Status = p.Status
		stored.ReversedAt = nil
		if p.ReversedAt != nil {
			at := *p.ReversedAt
			stored.ReversedAt = &at
		}
	})
	return err
}

func (r *PaymentRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) (out []*payment.Payment, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("payments.ListByOwner"); err != nil {
			return
		}
		for _, p := range r.s.data.payments {
			if o := r.s.data.orders[p.BillingOrderID]; o != nil && o.OwnerID == ownerID {
				out = append(out, p.Clone())
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.After(out[j].PaidAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

// OwnerRepository implements the owner directory.
type OwnerRepository struct{ s *Store }

func (r *OwnerRepository) Upsert(ctx context.Context, o *owner.Owner) (err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("owners.Upsert"); err != nil {
			return
		}
		c := *o
		r.s.data.owners[o.ID] = &c
	})
	return err
}

func (r *OwnerRepository) GetByID(ctx context.Context, id uuid.UUID) (o *owner.Owner, err error) {
	r.s.withLock(ctx, func() {
		if err = r.s.enter("owners.GetByID"); err != nil {
			return
		}
		stored, ok := r.s.data.owners[id]
		if !ok {
			err = apperrors.NewNotFoundError("owner").WithDetail("id", id.String())
			return
		}
		c := *stored
		o = &c
	})
	return o, err
}
