package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/casafin/casafin/internal/domain"
	"github.com/casafin/casafin/internal/idempotency"
)

// Store is the ledger-store surface the services depend on. The postgres
// implementation lives in internal/store; tests substitute an in-memory fake.
type Store interface {
	// GetGoal and GetObligation return nil, nil when the row does not
	// exist within the household.
	GetGoal(ctx context.Context, householdID, goalID uuid.UUID) (*domain.Goal, error)
	GetObligation(ctx context.Context, householdID, obligationID uuid.UUID) (*domain.Obligation, error)
	InsertGoal(ctx context.Context, goal *domain.Goal) (*domain.Goal, error)
	InsertObligation(ctx context.Context, obligation *domain.Obligation) (*domain.Obligation, error)

	// WithinTx runs fn inside one database transaction. Every write fn
	// issues commits or rolls back as a unit; returning an error discards
	// all of them.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface available inside a transaction. It embeds the
// idempotency record store so the guard's check and record share the
// transaction with the compound writes they protect.
type Tx interface {
	idempotency.RecordStore

	// GetGoalForUpdate locks the goal row for the rest of the transaction.
	GetGoalForUpdate(ctx context.Context, householdID, goalID uuid.UUID) (*domain.Goal, error)
	GetObligationForUpdate(ctx context.Context, householdID, obligationID uuid.UUID) (*domain.Obligation, error)
	AccountExists(ctx context.Context, householdID, accountID uuid.UUID) (bool, error)

	InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error)
	InsertContribution(ctx context.Context, c *domain.Contribution) (*domain.Contribution, error)
	InsertPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error)

	// UpdateGoalProgress sets the running total; a non-nil completedAt also
	// transitions the goal to completed.
	UpdateGoalProgress(ctx context.Context, goalID uuid.UUID, current decimal.Decimal, completedAt *time.Time) (*domain.Goal, error)
	UpdateObligationProgress(ctx context.Context, obligationID uuid.UUID, outstanding decimal.Decimal, completedAt *time.Time) (*domain.Obligation, error)
}
