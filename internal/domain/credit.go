package domain

import "time"

// TransactionType enumerates credit ledger entry kinds.
type TransactionType string

const (
	TransactionTypePurchase  TransactionType = "purchase"
	TransactionTypeDeduction TransactionType = "deduction"
	TransactionTypeRefund    TransactionType = "refund"
)

// CreditAccount holds the materialized balance for an owner. The balance is
// only ever moved together with an appended CreditTransaction; it is the
// arithmetic sum of all transaction deltas for that owner.
//
// Amounts are integer credit cents, so a display balance of 5.00 is stored as
// 500.
type CreditAccount struct {
	Owner     string
	Balance   int64
	UpdatedAt time.Time
}

// CreditTransaction is one append-only ledger entry. At most one deduction may
// reference a given RelatedJobID; that uniqueness constraint is what makes
// charging a job idempotent.
type CreditTransaction struct {
	ID           string
	Owner        string
	Delta        int64
	Type         TransactionType
	RelatedJobID string
	Source       string
	CreatedAt    time.Time
}
