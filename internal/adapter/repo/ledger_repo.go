package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediagen/internal/domain"
)

// LedgerRepositoryPG implements domain.LedgerRepository on PostgreSQL. The
// balance row and the transaction log move together inside one database
// transaction; a partial unique index on deduction rows makes charging a job
// idempotent regardless of how many finalizers race.
type LedgerRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new ledger repository backed by PostgreSQL.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool}
}

// Deduct charges the owner for a job exactly once. A duplicate call hits the
// unique index on (related_job_id) for deduction rows and returns the current
// balance without appending anything. The amount is not re-validated against
// the balance: the charge was promised at submission time, so the balance may
// briefly go negative under concurrent spending.
func (r *LedgerRepositoryPG) Deduct(ctx context.Context, owner string, amount int64, jobID string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("deduct amount must be non-negative")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin deduct tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
INSERT INTO credit_transactions (id, owner, delta, type, related_job_id)
VALUES ($1, $2, $3, 'deduction', $4);
`
	if _, err := tx.Exec(ctx, insert, uuid.NewString(), owner, -amount, jobID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// Already charged for this job; report the balance as it stands.
			return r.Balance(ctx, owner)
		}
		return 0, fmt.Errorf("insert deduction: %w", err)
	}

	var balance int64
	update := `
UPDATE credit_accounts
SET balance = balance - $2, updated_at = NOW()
WHERE owner = $1
RETURNING balance;
`
	if err := tx.QueryRow(ctx, update, owner, amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit deduct tx: %w", err)
	}
	return balance, nil
}

// Add credits the owner and always appends a transaction.
func (r *LedgerRepositoryPG) Add(ctx context.Context, owner string, amount int64, txType domain.TransactionType, source string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("add amount must be positive")
	}
	if txType != domain.TransactionTypePurchase && txType != domain.TransactionTypeRefund {
		return 0, fmt.Errorf("add with transaction type %q", txType)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin add tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
INSERT INTO credit_transactions (id, owner, delta, type, source)
VALUES ($1, $2, $3, $4, NULLIF($5, ''));
`
	if _, err := tx.Exec(ctx, insert, uuid.NewString(), owner, amount, txType, source); err != nil {
		return 0, fmt.Errorf("insert credit: %w", err)
	}

	var balance int64
	upsert := `
INSERT INTO credit_accounts (owner, balance)
VALUES ($1, $2)
ON CONFLICT (owner) DO UPDATE
SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = NOW()
RETURNING balance;
`
	if err := tx.QueryRow(ctx, upsert, owner, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("upsert balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit add tx: %w", err)
	}
	return balance, nil
}

// Balance returns the owner's current balance. Owners without an account have
// a zero balance.
func (r *LedgerRepositoryPG) Balance(ctx context.Context, owner string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE owner = $1;`, owner).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// History returns the owner's most recent ledger entries.
func (r *LedgerRepositoryPG) History(ctx context.Context, owner string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, owner, delta, type, COALESCE(related_job_id, ''), COALESCE(source, ''), created_at
FROM credit_transactions
WHERE owner = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.Owner, &t.Delta, &t.Type, &t.RelatedJobID, &t.Source, &t.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
