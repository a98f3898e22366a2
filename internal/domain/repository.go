package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job entities. The job row is the
// single durable source of truth for job state; every terminal transition
// goes through Finish, a compare-and-set that refuses to overwrite a state
// that is already terminal.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// MarkProcessing moves a pending job to processing. Safe to call after the
	// job left pending; the update simply matches no row.
	MarkProcessing(ctx context.Context, jobID string) error
	// SetProviderRef records the provider task reference once submission is
	// accepted, so a restarted process can resume polling.
	SetProviderRef(ctx context.Context, jobID, providerRef string) error
	// UpdateResultRef replaces the result reference of an already-terminal job,
	// used when an externally written provider URL is localized into storage.
	UpdateResultRef(ctx context.Context, jobID, resultRef string) error
	// Finish writes the terminal state via compare-and-set. It returns true if
	// this call performed the transition and false if the row was already
	// terminal.
	Finish(ctx context.Context, jobID string, state JobState, resultRef, errMsg string) (bool, error)
	// ListUnfinished returns pending/processing jobs, optionally filtered by
	// owner (empty owner means all owners).
	ListUnfinished(ctx context.Context, owner string) ([]*Job, error)
	// ListStale returns pending/processing jobs of the given kind created
	// before the cutoff.
	ListStale(ctx context.Context, kind JobKind, cutoff time.Time, limit int) ([]*Job, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Job, error)
	// WaitForCompletion blocks until a terminal transition is announced for one
	// of the owner's jobs and returns that job's id. Delivery is at-least-once;
	// callers must tolerate duplicates and missed events.
	WaitForCompletion(ctx context.Context, owner string) (string, error)
}

// LedgerRepository defines the credit ledger: a materialized balance plus an
// append-only transaction log per owner.
type LedgerRepository interface {
	// Deduct charges the owner for a job exactly once. Repeat calls with the
	// same jobID return the current balance without appending a second entry.
	Deduct(ctx context.Context, owner string, amount int64, jobID string) (int64, error)
	// Add credits the owner (purchase or refund) and always appends an entry.
	Add(ctx context.Context, owner string, amount int64, txType TransactionType, source string) (int64, error)
	Balance(ctx context.Context, owner string) (int64, error)
	History(ctx context.Context, owner string, limit int) ([]CreditTransaction, error)
}
