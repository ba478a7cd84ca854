package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/sqlinline"
)

// LedgerPG implements domain.Ledger with single-statement atomic debits and
// refunds keyed by (job_id, unit_key).
type LedgerPG struct {
	sql infra.SQLExecutor
}

// NewLedger creates a ledger backed by PostgreSQL.
func NewLedger(sql infra.SQLExecutor) *LedgerPG {
	return &LedgerPG{sql: sql}
}

func (l *LedgerPG) Debit(ctx context.Context, charge domain.Charge) error {
	if err := validateCharge(charge); err != nil {
		return err
	}
	if charge.Amount == 0 {
		return nil
	}
	row := l.sql.QueryRow(ctx, sqlinline.QDebitCredits,
		uuid.NewString(),
		charge.UserID,
		charge.JobID,
		charge.UnitKey,
		charge.Amount,
		charge.Reason,
	)
	var balance int64
	err := row.Scan(&balance)
	if err == nil {
		return nil
	}
	if !infra.IsNoRows(err) {
		return fmt.Errorf("debit credits: %w", err)
	}
	var exists bool
	if err := l.sql.QueryRow(ctx, sqlinline.QSelectDebitExists, charge.JobID, charge.UnitKey).Scan(&exists); err != nil {
		return fmt.Errorf("debit credits: check existing: %w", err)
	}
	if exists {
		return nil
	}
	return domain.ErrInsufficientCredits
}

func (l *LedgerPG) CreditBack(ctx context.Context, charge domain.Charge) (bool, error) {
	if err := validateCharge(charge); err != nil {
		return false, err
	}
	reason := strings.TrimSpace(charge.Reason)
	if reason == "" {
		reason = "refund"
	}
	tag, err := l.sql.Exec(ctx, sqlinline.QCreditBack,
		uuid.NewString(),
		charge.UserID,
		charge.JobID,
		charge.UnitKey,
		reason,
	)
	if err != nil {
		return false, fmt.Errorf("credit back: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Grant adds credits to a user's balance and returns the new balance.
func (l *LedgerPG) Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("ledger: user id is required")
	}
	if amount <= 0 {
		return 0, errors.New("ledger: grant amount must be positive")
	}
	var balance int64
	if err := l.sql.QueryRow(ctx, sqlinline.QGrantCredits, uuid.NewString(), userID, amount, reason).Scan(&balance); err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	return balance, nil
}

// Balance returns the user's balance, zero when the user has none.
func (l *LedgerPG) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	if err := l.sql.QueryRow(ctx, sqlinline.QSelectCreditBalance, userID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func validateCharge(charge domain.Charge) error {
	switch {
	case strings.TrimSpace(charge.UserID) == "":
		return errors.New("ledger: user id is required")
	case strings.TrimSpace(charge.JobID) == "" || strings.TrimSpace(charge.UnitKey) == "":
		return errors.New("ledger: job id and unit key are required")
	case charge.Amount < 0:
		return errors.New("ledger: amount must not be negative")
	}
	return nil
}

var _ domain.Ledger = (*LedgerPG)(nil)
