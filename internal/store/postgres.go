// Package store is the pgx-backed ledger store. Monetary columns travel as
// text across the wire and are parsed into decimals at this boundary, so the
// rest of the code never sees a binary float.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/casafin/casafin/internal/domain"
	"github.com/casafin/casafin/internal/service"
)

const uniqueViolation = "23505"

// Store wraps a pgx connection pool. Construct it once at process start and
// inject it into the services; nothing here is lazily initialized.
type Store struct {
	db *pgxpool.Pool
}

// New connects a pool and verifies it with a ping.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &domain.StoreError{Op: "parse config", Err: err}
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, &domain.StoreError{Op: "create pool", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &domain.StoreError{Op: "ping", Err: err}
	}
	return &Store{db: pool}, nil
}

// NewWithPool wraps an existing pool; the caller keeps ownership.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func (s *Store) Close() {
	s.db.Close()
}

// WithinTx runs fn inside a RepeatableRead transaction. The deferred
// rollback is a no-op after a successful commit.
func (s *Store) WithinTx(ctx context.Context, fn func(tx service.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return &domain.StoreError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate("commit", err)
	}
	return nil
}

func (s *Store) GetGoal(ctx context.Context, householdID, goalID uuid.UUID) (*domain.Goal, error) {
	return scanGoal(s.db.QueryRow(ctx, goalSelect+" WHERE id = $1 AND household_id = $2", goalID, householdID))
}

func (s *Store) GetObligation(ctx context.Context, householdID, obligationID uuid.UUID) (*domain.Obligation, error) {
	return scanObligation(s.db.QueryRow(ctx, obligationSelect+" WHERE id = $1 AND household_id = $2", obligationID, householdID))
}

func (s *Store) GetAccount(ctx context.Context, householdID, accountID uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	err := s.db.QueryRow(ctx,
		"SELECT id, household_id, name, kind, created_at FROM accounts WHERE id = $1 AND household_id = $2",
		accountID, householdID,
	).Scan(&a.ID, &a.HouseholdID, &a.Name, &a.Kind, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get account", err)
	}
	return &a, nil
}

func (s *Store) InsertAccount(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	out := *a
	err := s.db.QueryRow(ctx,
		"INSERT INTO accounts (household_id, name, kind) VALUES ($1, $2, $3) RETURNING id, created_at",
		a.HouseholdID, a.Name, a.Kind,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, translate("insert account", err)
	}
	return &out, nil
}

func (s *Store) InsertGoal(ctx context.Context, g *domain.Goal) (*domain.Goal, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO goals (household_id, name, target_amount, current_amount, target_date,
			description, priority, is_recurring, recurrence_pattern, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+goalColumns,
		g.HouseholdID, g.Name, g.TargetAmount.String(), g.CurrentAmount.String(), g.TargetDate,
		nullable(g.Description), g.Priority, g.IsRecurring, nullable(string(g.RecurrencePattern)), g.Status,
	)
	goal, err := scanGoal(row)
	if err != nil {
		return nil, err
	}
	if goal == nil {
		return nil, &domain.StoreError{Op: "insert goal", Err: pgx.ErrNoRows}
	}
	return goal, nil
}

func (s *Store) InsertObligation(ctx context.Context, o *domain.Obligation) (*domain.Obligation, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO obligations (household_id, name, total_amount, outstanding_amount, due_date,
			description, priority, creditor, is_recurring, recurrence_pattern, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+obligationColumns,
		o.HouseholdID, o.Name, o.TotalAmount.String(), o.OutstandingAmount.String(), o.DueDate,
		nullable(o.Description), o.Priority, nullable(o.Creditor), o.IsRecurring,
		nullable(string(o.RecurrencePattern)), o.Status,
	)
	obligation, err := scanObligation(row)
	if err != nil {
		return nil, err
	}
	if obligation == nil {
		return nil, &domain.StoreError{Op: "insert obligation", Err: pgx.ErrNoRows}
	}
	return obligation, nil
}

// sqlTx adapts a pgx transaction to the service and idempotency write
// surfaces.
type sqlTx struct {
	tx pgx.Tx
}

func (t *sqlTx) GetGoalForUpdate(ctx context.Context, householdID, goalID uuid.UUID) (*domain.Goal, error) {
	return scanGoal(t.tx.QueryRow(ctx, goalSelect+" WHERE id = $1 AND household_id = $2 FOR UPDATE", goalID, householdID))
}

func (t *sqlTx) GetObligationForUpdate(ctx context.Context, householdID, obligationID uuid.UUID) (*domain.Obligation, error) {
	return scanObligation(t.tx.QueryRow(ctx, obligationSelect+" WHERE id = $1 AND household_id = $2 FOR UPDATE", obligationID, householdID))
}

func (t *sqlTx) AccountExists(ctx context.Context, householdID, accountID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1 AND household_id = $2)",
		accountID, householdID,
	).Scan(&exists)
	if err != nil {
		return false, translate("account exists", err)
	}
	return exists, nil
}

func (t *sqlTx) InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	out := *e
	var amount string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO transactions (household_id, kind, amount, account_id, from_account_id,
			to_account_id, category_id, occurred_at, description, counterparty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, amount::text, created_at, updated_at`,
		e.HouseholdID, e.Kind, e.Amount.String(), e.AccountID, e.FromAccountID,
		e.ToAccountID, e.CategoryID, e.OccurredAt, nullable(e.Description), nullable(e.Counterparty),
	).Scan(&out.ID, &amount, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, translate("insert ledger entry", err)
	}
	if out.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, &domain.StoreError{Op: "insert ledger entry", Err: err}
	}
	return &out, nil
}

func (t *sqlTx) InsertContribution(ctx context.Context, c *domain.Contribution) (*domain.Contribution, error) {
	out := *c
	err := t.tx.QueryRow(ctx,
		"INSERT INTO goal_contributions (goal_id, transaction_id, amount) VALUES ($1, $2, $3) RETURNING id, created_at",
		c.GoalID, c.LedgerEntryID, c.Amount.String(),
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, translate("insert contribution", err)
	}
	return &out, nil
}

func (t *sqlTx) InsertPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	out := *p
	err := t.tx.QueryRow(ctx,
		"INSERT INTO obligation_payments (obligation_id, transaction_id, amount) VALUES ($1, $2, $3) RETURNING id, created_at",
		p.ObligationID, p.LedgerEntryID, p.Amount.String(),
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, translate("insert payment", err)
	}
	return &out, nil
}

func (t *sqlTx) UpdateGoalProgress(ctx context.Context, goalID uuid.UUID, current decimal.Decimal, completedAt *time.Time) (*domain.Goal, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE goals SET
			current_amount = $2,
			status = CASE WHEN $3::timestamptz IS NULL THEN status ELSE 'completed' END,
			completed_at = COALESCE($3, completed_at),
			updated_at = now()
		WHERE id = $1
		RETURNING `+goalColumns,
		goalID, current.String(), completedAt,
	)
	goal, err := scanGoal(row)
	if err != nil {
		return nil, err
	}
	if goal == nil {
		return nil, &domain.StoreError{Op: "update goal", Err: pgx.ErrNoRows}
	}
	return goal, nil
}

func (t *sqlTx) UpdateObligationProgress(ctx context.Context, obligationID uuid.UUID, outstanding decimal.Decimal, completedAt *time.Time) (*domain.Obligation, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE obligations SET
			outstanding_amount = $2,
			status = CASE WHEN $3::timestamptz IS NULL THEN status ELSE 'completed' END,
			completed_at = COALESCE($3, completed_at),
			updated_at = now()
		WHERE id = $1
		RETURNING `+obligationColumns,
		obligationID, outstanding.String(), completedAt,
	)
	obligation, err := scanObligation(row)
	if err != nil {
		return nil, err
	}
	if obligation == nil {
		return nil, &domain.StoreError{Op: "update obligation", Err: pgx.ErrNoRows}
	}
	return obligation, nil
}

func (t *sqlTx) LookupRecord(ctx context.Context, key string, principalID, householdID uuid.UUID) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key, PrincipalID: principalID, HouseholdID: householdID}
	err := t.tx.QueryRow(ctx, `
		SELECT request_hash, response_status, response_body, created_at
		FROM idempotency_keys
		WHERE key = $1 AND principal_id = $2 AND household_id = $3`,
		key, principalID, householdID,
	).Scan(&rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("lookup idempotency record", err)
	}
	return &rec, nil
}

func (t *sqlTx) InsertRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, principal_id, household_id, request_hash, response_status, response_body)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Key, rec.PrincipalID, rec.HouseholdID, rec.RequestHash, rec.ResponseStatus, rec.ResponseBody,
	)
	if err != nil {
		return translate("insert idempotency record", err)
	}
	return nil
}

const goalColumns = `id, household_id, name, target_amount::text, current_amount::text,
	target_date, description, priority, is_recurring, recurrence_pattern, status,
	completed_at, created_at, updated_at`

const goalSelect = "SELECT " + goalColumns + " FROM goals"

const obligationColumns = `id, household_id, name, total_amount::text, outstanding_amount::text,
	due_date, description, priority, creditor, is_recurring, recurrence_pattern, status,
	completed_at, created_at, updated_at`

const obligationSelect = "SELECT " + obligationColumns + " FROM obligations"

func scanGoal(row pgx.Row) (*domain.Goal, error) {
	var (
		g               domain.Goal
		target, current string
		desc, pattern   *string
	)
	err := row.Scan(&g.ID, &g.HouseholdID, &g.Name, &target, &current,
		&g.TargetDate, &desc, &g.Priority, &g.IsRecurring, &pattern, &g.Status,
		&g.CompletedAt, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("scan goal", err)
	}
	if g.TargetAmount, err = decimal.NewFromString(target); err != nil {
		return nil, &domain.StoreError{Op: "scan goal", Err: err}
	}
	if g.CurrentAmount, err = decimal.NewFromString(current); err != nil {
		return nil, &domain.StoreError{Op: "scan goal", Err: err}
	}
	if desc != nil {
		g.Description = *desc
	}
	if pattern != nil {
		g.RecurrencePattern = domain.RecurrencePattern(*pattern)
	}
	return &g, nil
}

func scanObligation(row pgx.Row) (*domain.Obligation, error) {
	var (
		o                       domain.Obligation
		total, outstanding      string
		desc, creditor, pattern *string
	)
	err := row.Scan(&o.ID, &o.HouseholdID, &o.Name, &total, &outstanding,
		&o.DueDate, &desc, &o.Priority, &creditor, &o.IsRecurring, &pattern, &o.Status,
		&o.CompletedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("scan obligation", err)
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, &domain.StoreError{Op: "scan obligation", Err: err}
	}
	if o.OutstandingAmount, err = decimal.NewFromString(outstanding); err != nil {
		return nil, &domain.StoreError{Op: "scan obligation", Err: err}
	}
	if desc != nil {
		o.Description = *desc
	}
	if creditor != nil {
		o.Creditor = *creditor
	}
	if pattern != nil {
		o.RecurrencePattern = domain.RecurrencePattern(*pattern)
	}
	return &o, nil
}

// translate maps driver errors to the domain taxonomy. A unique violation on
// the idempotency tuple is the loser of a same-key race; everything else is a
// store failure.
func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicateSubmission
	}
	return &domain.StoreError{Op: op, Err: err}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
