package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/casafin/casafin/internal/domain"
)

// Recurrence spawns the next instance of a completed recurring goal or
// obligation. The source item is never modified; successors are linked to
// their predecessor only by name.
type Recurrence struct {
	store Store
	today func() time.Time
}

// NewRecurrence builds a roll-forward service over the given store.
func NewRecurrence(store Store) *Recurrence {
	return &Recurrence{store: store, today: time.Now}
}

// RolloverGoal creates the next instance of a completed recurring goal with
// progress reset to zero and the target date advanced one cycle.
func (r *Recurrence) RolloverGoal(ctx context.Context, householdID, goalID uuid.UUID) (*domain.Goal, error) {
	goal, err := r.store.GetGoal(ctx, householdID, goalID)
	if err != nil {
		return nil, err
	}
	if goal == nil {
		return nil, domain.NotFound("goal", goalID)
	}
	if err := checkRecurring(goal.IsRecurring, goal.Status, goal.RecurrencePattern, "goal"); err != nil {
		return nil, err
	}

	next, err := nextOccurrence(r.baseDate(goal.CompletedAt, goal.TargetDate), goal.RecurrencePattern)
	if err != nil {
		return nil, err
	}

	now := r.today().UTC()
	return r.store.InsertGoal(ctx, &domain.Goal{
		HouseholdID:       goal.HouseholdID,
		Name:              goal.Name,
		TargetAmount:      goal.TargetAmount,
		CurrentAmount:     decimal.Zero,
		TargetDate:        &next,
		Description:       goal.Description,
		Priority:          goal.Priority,
		IsRecurring:       true,
		RecurrencePattern: goal.RecurrencePattern,
		Status:            domain.StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

// RenewObligation creates the next instance of a completed recurring
// obligation with the outstanding balance reset to the full amount and the
// due date advanced one cycle.
func (r *Recurrence) RenewObligation(ctx context.Context, householdID, obligationID uuid.UUID) (*domain.Obligation, error) {
	obligation, err := r.store.GetObligation(ctx, householdID, obligationID)
	if err != nil {
		return nil, err
	}
	if obligation == nil {
		return nil, domain.NotFound("obligation", obligationID)
	}
	if err := checkRecurring(obligation.IsRecurring, obligation.Status, obligation.RecurrencePattern, "obligation"); err != nil {
		return nil, err
	}

	next, err := nextOccurrence(r.baseDate(obligation.CompletedAt, obligation.DueDate), obligation.RecurrencePattern)
	if err != nil {
		return nil, err
	}

	now := r.today().UTC()
	return r.store.InsertObligation(ctx, &domain.Obligation{
		HouseholdID:       obligation.HouseholdID,
		Name:              obligation.Name,
		TotalAmount:       obligation.TotalAmount,
		OutstandingAmount: obligation.TotalAmount,
		DueDate:           &next,
		Description:       obligation.Description,
		Priority:          obligation.Priority,
		Creditor:          obligation.Creditor,
		IsRecurring:       true,
		RecurrencePattern: obligation.RecurrencePattern,
		Status:            domain.StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func checkRecurring(isRecurring bool, status domain.ItemStatus, pattern domain.RecurrencePattern, what string) error {
	if !isRecurring {
		return domain.InvalidState(what + " is not recurring")
	}
	if status != domain.StatusCompleted {
		return domain.InvalidState(what + " must be completed to roll forward")
	}
	if pattern == "" {
		return domain.InvalidState(what + " has no recurrence pattern")
	}
	return nil
}

// baseDate picks the anchor for the next cycle: completion time when known,
// else the current target/due date, else today.
func (r *Recurrence) baseDate(completedAt, scheduled *time.Time) time.Time {
	switch {
	case completedAt != nil:
		return *completedAt
	case scheduled != nil:
		return *scheduled
	default:
		return r.today()
	}
}

// nextOccurrence advances a date by one recurrence cycle. Monthly and yearly
// steps keep the day-of-month, clamping to the last day of the target month
// when the anchor day does not exist there (Jan 31 -> Feb 29 in a leap year,
// Feb 28 otherwise). Quarterly is a fixed 90-day step, not calendar-aware.
func nextOccurrence(base time.Time, pattern domain.RecurrencePattern) (time.Time, error) {
	y, m, d := base.UTC().Date()
	day := func(year int, month time.Month, dom int) time.Time {
		if last := daysIn(year, month); dom > last {
			dom = last
		}
		return time.Date(year, month, dom, 0, 0, 0, 0, time.UTC)
	}

	switch pattern {
	case domain.RecurDaily:
		return day(y, m, d).AddDate(0, 0, 1), nil
	case domain.RecurWeekly:
		return day(y, m, d).AddDate(0, 0, 7), nil
	case domain.RecurMonthly:
		if m == time.December {
			return day(y+1, time.January, d), nil
		}
		return day(y, m+1, d), nil
	case domain.RecurQuarterly:
		return day(y, m, d).AddDate(0, 0, 90), nil
	case domain.RecurYearly:
		return day(y+1, m, d), nil
	default:
		return time.Time{}, domain.InvalidArgument(fmt.Sprintf("unsupported recurrence pattern %q", pattern))
	}
}

// daysIn reports the number of days in a month; day 0 of the next month
// normalizes to the last day of this one.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
