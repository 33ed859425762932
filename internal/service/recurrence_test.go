package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casafin/casafin/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextOccurrence(t *testing.T) {
	cases := []struct {
		name    string
		base    time.Time
		pattern domain.RecurrencePattern
		want    time.Time
	}{
		{"daily", date(2026, time.March, 15), domain.RecurDaily, date(2026, time.March, 16)},
		{"daily across month end", date(2026, time.January, 31), domain.RecurDaily, date(2026, time.February, 1)},
		{"weekly", date(2026, time.March, 15), domain.RecurWeekly, date(2026, time.March, 22)},
		{"monthly same day", date(2026, time.March, 15), domain.RecurMonthly, date(2026, time.April, 15)},
		{"monthly december wraps year", date(2025, time.December, 15), domain.RecurMonthly, date(2026, time.January, 15)},
		{"monthly jan 31 clamps to leap feb 29", date(2024, time.January, 31), domain.RecurMonthly, date(2024, time.February, 29)},
		{"monthly jan 31 clamps to feb 28", date(2025, time.January, 31), domain.RecurMonthly, date(2025, time.February, 28)},
		{"monthly may 31 clamps to june 30", date(2026, time.May, 31), domain.RecurMonthly, date(2026, time.June, 30)},
		{"quarterly fixed 90 days", date(2026, time.January, 1), domain.RecurQuarterly, date(2026, time.April, 1)},
		{"yearly", date(2026, time.March, 15), domain.RecurYearly, date(2027, time.March, 15)},
		{"yearly leap day clamps", date(2024, time.February, 29), domain.RecurYearly, date(2025, time.February, 28)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := nextOccurrence(tc.base, tc.pattern)
			if err != nil {
				t.Fatalf("nextOccurrence: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("next = %s, want %s", got.Format(time.DateOnly), tc.want.Format(time.DateOnly))
			}
		})
	}
}

func TestNextOccurrenceRejectsUnknownPattern(t *testing.T) {
	_, err := nextOccurrence(date(2026, time.March, 15), "fortnightly")
	var ia *domain.InvalidArgumentError
	if !errors.As(err, &ia) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}

func TestRolloverGoal(t *testing.T) {
	fs := newFakeStore()
	householdID := uuid.New()
	completed := date(2026, time.March, 10)
	targetDate := date(2026, time.March, 1)
	source := fs.addGoal(domain.Goal{
		HouseholdID:       householdID,
		Name:              "Vacation",
		TargetAmount:      decMust("2500.00"),
		CurrentAmount:     decMust("2500.00"),
		TargetDate:        &targetDate,
		Description:       "Summer trip",
		Priority:          "medium",
		IsRecurring:       true,
		RecurrencePattern: domain.RecurMonthly,
		Status:            domain.StatusCompleted,
		CompletedAt:       &completed,
	})

	r := NewRecurrence(fs)
	successor, err := r.RolloverGoal(context.Background(), householdID, source.ID)
	if err != nil {
		t.Fatalf("RolloverGoal: %v", err)
	}

	if successor.ID == source.ID {
		t.Error("successor must be a new row")
	}
	if successor.Name != source.Name || successor.Priority != source.Priority || successor.Description != source.Description {
		t.Error("descriptive fields must carry over")
	}
	if !successor.CurrentAmount.IsZero() {
		t.Errorf("current = %s, want 0", successor.CurrentAmount)
	}
	if !successor.TargetAmount.Equal(source.TargetAmount) {
		t.Errorf("target = %s, want %s", successor.TargetAmount, source.TargetAmount)
	}
	if successor.Status != domain.StatusActive {
		t.Errorf("status = %s, want active", successor.Status)
	}
	// The cycle anchors on completion time, not the old target date.
	if successor.TargetDate == nil || !successor.TargetDate.Equal(date(2026, time.April, 10)) {
		t.Errorf("target date = %v, want 2026-04-10", successor.TargetDate)
	}

	original, _ := fs.GetGoal(context.Background(), householdID, source.ID)
	if original.Status != domain.StatusCompleted || !original.CurrentAmount.Equal(decMust("2500.00")) {
		t.Error("source goal must be left untouched")
	}
}

func TestRenewObligationAnchorsOnDueDateWhenNeverStamped(t *testing.T) {
	// A monthly obligation due Jan 31: February has no day 31, so the next
	// due date clamps to February's last day.
	fs := newFakeStore()
	householdID := uuid.New()
	due := date(2024, time.January, 31)
	source := fs.addObligation(domain.Obligation{
		HouseholdID:       householdID,
		Name:              "Rent",
		TotalAmount:       decMust("1200.00"),
		OutstandingAmount: decMust("0"),
		DueDate:           &due,
		Priority:          "high",
		Creditor:          "Landlord Inc",
		IsRecurring:       true,
		RecurrencePattern: domain.RecurMonthly,
		Status:            domain.StatusCompleted,
	})

	r := NewRecurrence(fs)
	successor, err := r.RenewObligation(context.Background(), householdID, source.ID)
	if err != nil {
		t.Fatalf("RenewObligation: %v", err)
	}

	if successor.DueDate == nil || !successor.DueDate.Equal(date(2024, time.February, 29)) {
		t.Errorf("due date = %v, want 2024-02-29", successor.DueDate)
	}
	if !successor.OutstandingAmount.Equal(successor.TotalAmount) {
		t.Errorf("outstanding = %s, want full %s", successor.OutstandingAmount, successor.TotalAmount)
	}
	if successor.Status != domain.StatusActive {
		t.Errorf("status = %s, want active", successor.Status)
	}
	if successor.Creditor != "Landlord Inc" {
		t.Errorf("creditor = %q, want carried over", successor.Creditor)
	}
}

func TestRollForwardPreconditions(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(g *domain.Goal)
	}{
		{"not recurring", func(g *domain.Goal) { g.IsRecurring = false }},
		{"still active", func(g *domain.Goal) { g.Status = domain.StatusActive }},
		{"missing pattern", func(g *domain.Goal) { g.RecurrencePattern = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeStore()
			householdID := uuid.New()
			goal := domain.Goal{
				HouseholdID:       householdID,
				Name:              "Vacation",
				TargetAmount:      decMust("100.00"),
				CurrentAmount:     decMust("100.00"),
				IsRecurring:       true,
				RecurrencePattern: domain.RecurMonthly,
				Status:            domain.StatusCompleted,
			}
			tc.mutate(&goal)
			stored := fs.addGoal(goal)

			r := NewRecurrence(fs)
			_, err := r.RolloverGoal(context.Background(), householdID, stored.ID)
			var is *domain.InvalidStateError
			if !errors.As(err, &is) {
				t.Fatalf("expected InvalidStateError, got %v", err)
			}
		})
	}
}

func TestRolloverGoalNotFound(t *testing.T) {
	fs := newFakeStore()
	r := NewRecurrence(fs)
	_, err := r.RolloverGoal(context.Background(), uuid.New(), uuid.New())
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
