package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

// Compile-time interface checks
var (
	_ ledger.AgreementRepository    = (*AgreementRepository)(nil)
	_ ledger.InstallmentRepository  = (*InstallmentRepository)(nil)
	_ ledger.BillingOrderRepository = (*OrderRepository)(nil)
	_ ledger.PaymentRepository      = (*PaymentRepository)(nil)
	_ ledger.OwnerRepository        = (*OwnerRepository)(nil)
)

// NewRepositories creates the PostgreSQL repository set for the ledger
func NewRepositories(pool *pgxpool.Pool) ledger.Repositories {
	return ledger.Repositories{
		Agreements:   NewAgreementRepository(pool),
		Installments: NewInstallmentRepository(pool),
		Orders:       NewOrderRepository(pool),
		Payments:     NewPaymentRepository(pool),
		Owners:       NewOwnerRepository(pool),
	}
}
