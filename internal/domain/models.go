package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryIncome   EntryKind = "income"
	EntryExpense  EntryKind = "expense"
	EntryTransfer EntryKind = "transfer"
)

// ItemStatus is the lifecycle state shared by goals and obligations.
type ItemStatus string

const (
	StatusActive    ItemStatus = "active"
	StatusCompleted ItemStatus = "completed"
	StatusCancelled ItemStatus = "cancelled"
)

// RecurrencePattern is the cadence of a recurring goal or obligation.
type RecurrencePattern string

const (
	RecurDaily     RecurrencePattern = "daily"
	RecurWeekly    RecurrencePattern = "weekly"
	RecurMonthly   RecurrencePattern = "monthly"
	RecurQuarterly RecurrencePattern = "quarterly"
	RecurYearly    RecurrencePattern = "yearly"
)

// Principal is the authenticated actor plus the household it acts within.
type Principal struct {
	UserID      uuid.UUID `json:"user_id"`
	HouseholdID uuid.UUID `json:"household_id"`
}

// Account is a money container within a household.
type Account struct {
	ID          uuid.UUID `json:"id"`
	HouseholdID uuid.UUID `json:"household_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// LedgerEntry is one recorded financial movement. Transfers carry both
// transfer account ids and no plain account id; every other kind is the
// inverse.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	HouseholdID   uuid.UUID       `json:"household_id"`
	Kind          EntryKind       `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	AccountID     *uuid.UUID      `json:"account_id,omitempty"`
	FromAccountID *uuid.UUID      `json:"from_account_id,omitempty"`
	ToAccountID   *uuid.UUID      `json:"to_account_id,omitempty"`
	CategoryID    *uuid.UUID      `json:"category_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Description   string          `json:"description,omitempty"`
	Counterparty  string          `json:"counterparty,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate enforces the kind/account shape invariant once, at construction.
func (e *LedgerEntry) Validate() error {
	if !e.Amount.IsPositive() {
		return InvalidArgument("amount must be positive")
	}
	switch e.Kind {
	case EntryTransfer:
		if e.FromAccountID == nil || e.ToAccountID == nil {
			return InvalidArgument("transfer requires from and to accounts")
		}
		if *e.FromAccountID == *e.ToAccountID {
			return InvalidArgument("transfer accounts must differ")
		}
		if e.AccountID != nil {
			return InvalidArgument("transfer must not carry a plain account")
		}
	case EntryIncome, EntryExpense:
		if e.AccountID == nil {
			return InvalidArgument("entry requires an account")
		}
		if e.FromAccountID != nil || e.ToAccountID != nil {
			return InvalidArgument("only transfers carry transfer accounts")
		}
	default:
		return InvalidArgument("unknown entry kind")
	}
	return nil
}

// Goal is a savings target funded by contributions.
type Goal struct {
	ID                uuid.UUID         `json:"id"`
	HouseholdID       uuid.UUID         `json:"household_id"`
	Name              string            `json:"name"`
	TargetAmount      decimal.Decimal   `json:"target_amount"`
	CurrentAmount     decimal.Decimal   `json:"current_amount"`
	TargetDate        *time.Time        `json:"target_date,omitempty"`
	Description       string            `json:"description,omitempty"`
	Priority          string            `json:"priority"`
	IsRecurring       bool              `json:"is_recurring"`
	RecurrencePattern RecurrencePattern `json:"recurrence_pattern,omitempty"`
	Status            ItemStatus        `json:"status"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Obligation is a debt reduced by payments. OutstandingAmount only ever
// decreases, and only through the posting engine.
type Obligation struct {
	ID                uuid.UUID         `json:"id"`
	HouseholdID       uuid.UUID         `json:"household_id"`
	Name              string            `json:"name"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	OutstandingAmount decimal.Decimal   `json:"outstanding_amount"`
	DueDate           *time.Time        `json:"due_date,omitempty"`
	Description       string            `json:"description,omitempty"`
	Priority          string            `json:"priority"`
	Creditor          string            `json:"creditor,omitempty"`
	IsRecurring       bool              `json:"is_recurring"`
	RecurrencePattern RecurrencePattern `json:"recurrence_pattern,omitempty"`
	Status            ItemStatus        `json:"status"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Contribution links one ledger entry to the goal it funds.
type Contribution struct {
	ID            uuid.UUID       `json:"id"`
	GoalID        uuid.UUID       `json:"goal_id"`
	LedgerEntryID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Payment links one ledger entry to the obligation it pays down.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	ObligationID  uuid.UUID       `json:"obligation_id"`
	LedgerEntryID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IdempotencyRecord caches the outcome of a guarded mutation, unique per
// (key, principal, household). Rows are written once and never mutated.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	PrincipalID    uuid.UUID       `json:"principal_id"`
	HouseholdID    uuid.UUID       `json:"household_id"`
	RequestHash    string          `json:"request_hash"`
	ResponseStatus int             `json:"response_status"`
	ResponseBody   json.RawMessage `json:"response_body"`
	CreatedAt      time.Time       `json:"created_at"`
}
