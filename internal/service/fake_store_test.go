package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/casafin/casafin/internal/domain"
)

var errInjected = errors.New("injected store failure")

func decMust(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordKey struct {
	key         string
	principalID uuid.UUID
	householdID uuid.UUID
}

type fakeState struct {
	goals         map[uuid.UUID]domain.Goal
	obligations   map[uuid.UUID]domain.Obligation
	accounts      map[uuid.UUID]domain.Account
	entries       map[uuid.UUID]domain.LedgerEntry
	contributions map[uuid.UUID]domain.Contribution
	payments      map[uuid.UUID]domain.Payment
	records       map[recordKey]domain.IdempotencyRecord
}

func newFakeState() fakeState {
	return fakeState{
		goals:         make(map[uuid.UUID]domain.Goal),
		obligations:   make(map[uuid.UUID]domain.Obligation),
		accounts:      make(map[uuid.UUID]domain.Account),
		entries:       make(map[uuid.UUID]domain.LedgerEntry),
		contributions: make(map[uuid.UUID]domain.Contribution),
		payments:      make(map[uuid.UUID]domain.Payment),
		records:       make(map[recordKey]domain.IdempotencyRecord),
	}
}

func (s fakeState) clone() fakeState {
	out := newFakeState()
	for k, v := range s.goals {
		out.goals[k] = v
	}
	for k, v := range s.obligations {
		out.obligations[k] = v
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	for k, v := range s.contributions {
		out.contributions[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.records {
		out.records[k] = v
	}
	return out
}

// fakeStore emulates the postgres store: each transaction works on a
// snapshot, commits merge the snapshot back, errors discard it, and the
// unique constraint on the idempotency tuple is enforced against committed
// state at commit time, which is what lets two racing transactions both run
// and exactly one land.
type fakeStore struct {
	mu        sync.Mutex
	committed fakeState
	failOn    string // Tx method name that should fail
}

func newFakeStore() *fakeStore {
	return &fakeStore{committed: newFakeState()}
}

func (f *fakeStore) addGoal(g domain.Goal) domain.Goal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	f.committed.goals[g.ID] = g
	return g
}

func (f *fakeStore) addObligation(o domain.Obligation) domain.Obligation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	f.committed.obligations[o.ID] = o
	return o
}

func (f *fakeStore) addAccount(a domain.Account) domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.committed.accounts[a.ID] = a
	return a
}

func (f *fakeStore) goal(id uuid.UUID) domain.Goal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed.goals[id]
}

func (f *fakeStore) obligation(id uuid.UUID) domain.Obligation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed.obligations[id]
}

func (f *fakeStore) counts() (entries, contributions, payments, records int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed.entries), len(f.committed.contributions),
		len(f.committed.payments), len(f.committed.records)
}

func (f *fakeStore) GetGoal(_ context.Context, householdID, goalID uuid.UUID) (*domain.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.committed.goals[goalID]
	if !ok || g.HouseholdID != householdID {
		return nil, nil
	}
	out := g
	return &out, nil
}

func (f *fakeStore) GetObligation(_ context.Context, householdID, obligationID uuid.UUID) (*domain.Obligation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.committed.obligations[obligationID]
	if !ok || o.HouseholdID != householdID {
		return nil, nil
	}
	out := o
	return &out, nil
}

func (f *fakeStore) InsertGoal(_ context.Context, goal *domain.Goal) (*domain.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := *goal
	g.ID = uuid.New()
	f.committed.goals[g.ID] = g
	out := g
	return &out, nil
}

func (f *fakeStore) InsertObligation(_ context.Context, obligation *domain.Obligation) (*domain.Obligation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := *obligation
	o.ID = uuid.New()
	f.committed.obligations[o.ID] = o
	out := o
	return &out, nil
}

func (f *fakeStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	f.mu.Lock()
	tx := &fakeTx{store: f, staged: f.committed.clone()}
	f.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	// Commit: enforce the unique idempotency tuple against what other
	// transactions committed since our snapshot.
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range tx.insertedRecords {
		if _, exists := f.committed.records[k]; exists {
			return domain.ErrDuplicateSubmission
		}
	}
	f.committed = tx.staged
	return nil
}

type fakeTx struct {
	store           *fakeStore
	staged          fakeState
	insertedRecords []recordKey
}

func (t *fakeTx) fail(method string) error {
	if t.store.failOn == method {
		return errInjected
	}
	return nil
}

func (t *fakeTx) GetGoalForUpdate(_ context.Context, householdID, goalID uuid.UUID) (*domain.Goal, error) {
	if err := t.fail("GetGoalForUpdate"); err != nil {
		return nil, err
	}
	g, ok := t.staged.goals[goalID]
	if !ok || g.HouseholdID != householdID {
		return nil, nil
	}
	out := g
	return &out, nil
}

func (t *fakeTx) GetObligationForUpdate(_ context.Context, householdID, obligationID uuid.UUID) (*domain.Obligation, error) {
	if err := t.fail("GetObligationForUpdate"); err != nil {
		return nil, err
	}
	o, ok := t.staged.obligations[obligationID]
	if !ok || o.HouseholdID != householdID {
		return nil, nil
	}
	out := o
	return &out, nil
}

func (t *fakeTx) AccountExists(_ context.Context, householdID, accountID uuid.UUID) (bool, error) {
	if err := t.fail("AccountExists"); err != nil {
		return false, err
	}
	a, ok := t.staged.accounts[accountID]
	return ok && a.HouseholdID == householdID, nil
}

func (t *fakeTx) InsertLedgerEntry(_ context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if err := t.fail("InsertLedgerEntry"); err != nil {
		return nil, err
	}
	e := *entry
	e.ID = uuid.New()
	t.staged.entries[e.ID] = e
	out := e
	return &out, nil
}

func (t *fakeTx) InsertContribution(_ context.Context, c *domain.Contribution) (*domain.Contribution, error) {
	if err := t.fail("InsertContribution"); err != nil {
		return nil, err
	}
	cc := *c
	cc.ID = uuid.New()
	t.staged.contributions[cc.ID] = cc
	out := cc
	return &out, nil
}

func (t *fakeTx) InsertPayment(_ context.Context, p *domain.Payment) (*domain.Payment, error) {
	if err := t.fail("InsertPayment"); err != nil {
		return nil, err
	}
	pp := *p
	pp.ID = uuid.New()
	t.staged.payments[pp.ID] = pp
	out := pp
	return &out, nil
}

func (t *fakeTx) UpdateGoalProgress(_ context.Context, goalID uuid.UUID, current decimal.Decimal, completedAt *time.Time) (*domain.Goal, error) {
	if err := t.fail("UpdateGoalProgress"); err != nil {
		return nil, err
	}
	g, ok := t.staged.goals[goalID]
	if !ok {
		return nil, &domain.StoreError{Op: "update goal", Err: errors.New("missing row")}
	}
	g.CurrentAmount = current
	if completedAt != nil {
		g.Status = domain.StatusCompleted
		g.CompletedAt = completedAt
	}
	g.UpdatedAt = time.Now().UTC()
	t.staged.goals[goalID] = g
	out := g
	return &out, nil
}

func (t *fakeTx) UpdateObligationProgress(_ context.Context, obligationID uuid.UUID, outstanding decimal.Decimal, completedAt *time.Time) (*domain.Obligation, error) {
	if err := t.fail("UpdateObligationProgress"); err != nil {
		return nil, err
	}
	o, ok := t.staged.obligations[obligationID]
	if !ok {
		return nil, &domain.StoreError{Op: "update obligation", Err: errors.New("missing row")}
	}
	o.OutstandingAmount = outstanding
	if completedAt != nil {
		o.Status = domain.StatusCompleted
		o.CompletedAt = completedAt
	}
	o.UpdatedAt = time.Now().UTC()
	t.staged.obligations[obligationID] = o
	out := o
	return &out, nil
}

func (t *fakeTx) LookupRecord(_ context.Context, key string, principalID, householdID uuid.UUID) (*domain.IdempotencyRecord, error) {
	if err := t.fail("LookupRecord"); err != nil {
		return nil, err
	}
	rec, ok := t.staged.records[recordKey{key, principalID, householdID}]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (t *fakeTx) InsertRecord(_ context.Context, rec *domain.IdempotencyRecord) error {
	if err := t.fail("InsertRecord"); err != nil {
		return err
	}
	k := recordKey{rec.Key, rec.PrincipalID, rec.HouseholdID}
	if _, exists := t.staged.records[k]; exists {
		return domain.ErrDuplicateSubmission
	}
	t.staged.records[k] = *rec
	t.insertedRecords = append(t.insertedRecords, k)
	return nil
}
