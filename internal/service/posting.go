// Package service holds the financial-mutation core: the compound posting
// engine for contributions and payments, and recurrence roll-forward.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/casafin/casafin/internal/domain"
	"github.com/casafin/casafin/internal/idempotency"
)

// Submission carries the idempotency envelope of a guarded mutation.
type Submission struct {
	Key         string
	Principal   domain.Principal
	Fingerprint string
}

// ContributeCommand is a validated request to fund a goal.
type ContributeCommand struct {
	GoalID          uuid.UUID
	Amount          decimal.Decimal
	SourceAccountID uuid.UUID
	OccurredAt      *time.Time
	Description     string
}

// PayCommand is a validated request to pay down an obligation.
type PayCommand struct {
	ObligationID  uuid.UUID
	Amount        decimal.Decimal
	FromAccountID uuid.UUID
	OccurredAt    *time.Time
	Description   string
}

// ContributionResult is the full outcome of a posted contribution.
type ContributionResult struct {
	LedgerEntry  domain.LedgerEntry  `json:"transaction"`
	Contribution domain.Contribution `json:"contribution"`
	Goal         domain.Goal         `json:"goal"`
	AutoClosed   bool                `json:"auto_closed"`
}

// PaymentResult is the full outcome of a posted payment.
type PaymentResult struct {
	LedgerEntry domain.LedgerEntry `json:"transaction"`
	Payment     domain.Payment     `json:"payment"`
	Obligation  domain.Obligation  `json:"obligation"`
	AutoClosed  bool               `json:"auto_closed"`
}

// Posting executes contribution and payment postings. Each posting runs as
// one store transaction covering the idempotency check, the ledger entry, the
// link row, the parent-total update, and the idempotency record, so a
// mid-sequence failure leaves nothing behind and a same-key race commits
// exactly one set of side effects.
type Posting struct {
	store Store
	now   func() time.Time
}

// NewPosting builds a posting engine over the given store.
func NewPosting(store Store) *Posting {
	return &Posting{store: store, now: time.Now}
}

// PostContribution records a contribution against an active goal. The replay
// return is non-nil when the submission key has already completed, in which
// case no side effects ran and the cached response should be returned as-is.
func (p *Posting) PostContribution(ctx context.Context, sub Submission, cmd ContributeCommand) (*ContributionResult, *idempotency.Replay, error) {
	if !cmd.Amount.IsPositive() {
		return nil, nil, domain.InvalidArgument("amount must be positive")
	}

	var (
		result *ContributionResult
		replay *idempotency.Replay
	)
	run := func(tx Tx) error {
		result, replay = nil, nil

		cached, err := idempotency.Check(ctx, tx, sub.Key, sub.Principal, sub.Fingerprint)
		if err != nil {
			return err
		}
		if cached != nil {
			replay = cached
			return nil
		}

		goal, err := tx.GetGoalForUpdate(ctx, sub.Principal.HouseholdID, cmd.GoalID)
		if err != nil {
			return err
		}
		if goal == nil {
			return domain.NotFound("goal", cmd.GoalID)
		}
		if goal.Status != domain.StatusActive {
			return domain.InvalidState("goal not active")
		}
		ok, err := tx.AccountExists(ctx, sub.Principal.HouseholdID, cmd.SourceAccountID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound("account", cmd.SourceAccountID)
		}

		now := p.now().UTC()
		entry, err := p.insertEntry(ctx, tx, entrySpec{
			household:   sub.Principal.HouseholdID,
			kind:        domain.EntryIncome,
			amount:      cmd.Amount,
			accountID:   cmd.SourceAccountID,
			occurredAt:  cmd.OccurredAt,
			description: cmd.Description,
			fallback:    fmt.Sprintf("Contribution to goal: %s", goal.Name),
			now:         now,
		})
		if err != nil {
			return err
		}

		contribution, err := tx.InsertContribution(ctx, &domain.Contribution{
			GoalID:        goal.ID,
			LedgerEntryID: entry.ID,
			Amount:        cmd.Amount,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}

		// Auto-close compares against the target captured before the
		// update, with exact decimal equality.
		newCurrent := goal.CurrentAmount.Add(cmd.Amount)
		autoClosed := newCurrent.GreaterThanOrEqual(goal.TargetAmount)
		var completedAt *time.Time
		if autoClosed {
			completedAt = &now
		}
		updated, err := tx.UpdateGoalProgress(ctx, goal.ID, newCurrent, completedAt)
		if err != nil {
			return err
		}

		result = &ContributionResult{
			LedgerEntry:  *entry,
			Contribution: *contribution,
			Goal:         *updated,
			AutoClosed:   autoClosed,
		}
		body, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return idempotency.Record(ctx, tx, sub.Key, sub.Principal, sub.Fingerprint, http.StatusCreated, body)
	}

	if err := p.execute(ctx, run); err != nil {
		return nil, nil, err
	}
	return result, replay, nil
}

// PostPayment records a payment against an active obligation. Mirrors
// PostContribution with the opposite direction and the overdraft guard.
func (p *Posting) PostPayment(ctx context.Context, sub Submission, cmd PayCommand) (*PaymentResult, *idempotency.Replay, error) {
	if !cmd.Amount.IsPositive() {
		return nil, nil, domain.InvalidArgument("amount must be positive")
	}

	var (
		result *PaymentResult
		replay *idempotency.Replay
	)
	run := func(tx Tx) error {
		result, replay = nil, nil

		cached, err := idempotency.Check(ctx, tx, sub.Key, sub.Principal, sub.Fingerprint)
		if err != nil {
			return err
		}
		if cached != nil {
			replay = cached
			return nil
		}

		obligation, err := tx.GetObligationForUpdate(ctx, sub.Principal.HouseholdID, cmd.ObligationID)
		if err != nil {
			return err
		}
		if obligation == nil {
			return domain.NotFound("obligation", cmd.ObligationID)
		}
		if obligation.Status != domain.StatusActive {
			return domain.InvalidState("obligation not active")
		}
		ok, err := tx.AccountExists(ctx, sub.Principal.HouseholdID, cmd.FromAccountID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound("account", cmd.FromAccountID)
		}
		if cmd.Amount.GreaterThan(obligation.OutstandingAmount) {
			return domain.InvalidArgument("payment exceeds outstanding balance")
		}

		now := p.now().UTC()
		entry, err := p.insertEntry(ctx, tx, entrySpec{
			household:   sub.Principal.HouseholdID,
			kind:        domain.EntryExpense,
			amount:      cmd.Amount,
			accountID:   cmd.FromAccountID,
			occurredAt:  cmd.OccurredAt,
			description: cmd.Description,
			fallback:    fmt.Sprintf("Payment for obligation: %s", obligation.Name),
			now:         now,
		})
		if err != nil {
			return err
		}

		payment, err := tx.InsertPayment(ctx, &domain.Payment{
			ObligationID:  obligation.ID,
			LedgerEntryID: entry.ID,
			Amount:        cmd.Amount,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}

		newOutstanding := obligation.OutstandingAmount.Sub(cmd.Amount)
		autoClosed := newOutstanding.LessThanOrEqual(decimal.Zero)
		var completedAt *time.Time
		if autoClosed {
			completedAt = &now
		}
		updated, err := tx.UpdateObligationProgress(ctx, obligation.ID, newOutstanding, completedAt)
		if err != nil {
			return err
		}

		result = &PaymentResult{
			LedgerEntry: *entry,
			Payment:     *payment,
			Obligation:  *updated,
			AutoClosed:  autoClosed,
		}
		body, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return idempotency.Record(ctx, tx, sub.Key, sub.Principal, sub.Fingerprint, http.StatusCreated, body)
	}

	if err := p.execute(ctx, run); err != nil {
		return nil, nil, err
	}
	return result, replay, nil
}

// execute runs the posting transaction, retrying once when this request lost
// a same-key race: the loser's transaction rolled back wholesale, and the
// retry's idempotency check observes the winner's committed record.
func (p *Posting) execute(ctx context.Context, run func(tx Tx) error) error {
	err := p.store.WithinTx(ctx, run)
	if errors.Is(err, domain.ErrDuplicateSubmission) {
		err = p.store.WithinTx(ctx, run)
	}
	return err
}

type entrySpec struct {
	household   uuid.UUID
	kind        domain.EntryKind
	amount      decimal.Decimal
	accountID   uuid.UUID
	occurredAt  *time.Time
	description string
	fallback    string
	now         time.Time
}

func (p *Posting) insertEntry(ctx context.Context, tx Tx, spec entrySpec) (*domain.LedgerEntry, error) {
	occurredAt := spec.now
	if spec.occurredAt != nil {
		occurredAt = spec.occurredAt.UTC()
	}
	description := spec.description
	if description == "" {
		description = spec.fallback
	}
	accountID := spec.accountID
	entry := &domain.LedgerEntry{
		HouseholdID: spec.household,
		Kind:        spec.kind,
		Amount:      spec.amount,
		AccountID:   &accountID,
		OccurredAt:  occurredAt,
		Description: description,
		CreatedAt:   spec.now,
		UpdatedAt:   spec.now,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return tx.InsertLedgerEntry(ctx, entry)
}
