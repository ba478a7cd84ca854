package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobStore is the durable relation holding jobs and their tasks. Every method
// is atomic at the single statement level.
type JobStore interface {
	InsertJob(ctx context.Context, job *Job) error
	InsertTask(ctx context.Context, task *Task) error
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ClaimTask returns (nil, nil) when the job has no runnable task.
	ClaimTask(ctx context.Context, jobID string) (*Task, error)
	// ClaimNextTask claims the oldest runnable task of any job.
	ClaimNextTask(ctx context.Context) (*Task, error)
	CompleteTask(ctx context.Context, taskID string) error
	RequeueTask(ctx context.Context, taskID string, delay time.Duration, lastErr string) error
	FailTask(ctx context.Context, taskID string, lastErr string) error

	// FinalizeJob applies a terminal outcome while the job is still
	// processing and reports whether the write happened.
	FinalizeJob(ctx context.Context, jobID string, outcome Outcome) (bool, error)
	// WriteSnapshot stores progressive batch results; writes carrying a
	// completed count not above the stored one are dropped.
	WriteSnapshot(ctx context.Context, jobID string, data json.RawMessage, completed int) error
	RecordDerived(ctx context.Context, jobID string, derived json.RawMessage) error
}

// Charge identifies one billable unit. JobID and UnitKey form the
// idempotency key of the ledger entry.
type Charge struct {
	UserID  string
	JobID   string
	UnitKey string
	Amount  int64
	Reason  string
}

// Ledger is the credit ledger used by processors.
type Ledger interface {
	// Debit charges the user once per (JobID, UnitKey). A repeated call for an
	// already charged key is a no-op. Returns ErrInsufficientCredits when the
	// balance does not cover Amount.
	Debit(ctx context.Context, charge Charge) error
	// CreditBack refunds a previous debit of the same key at most once and
	// reports whether a refund was applied.
	CreditBack(ctx context.Context, charge Charge) (bool, error)
}
