package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pixmed/internal/domain"
	"pixmed/internal/repo"
)

// Ledger resolves an original transaction id to its snapshot. Returns
// repo.ErrNotFound when the transaction does not exist.
type Ledger interface {
	GetTransaction(ctx context.Context, id string) (domain.TransactionSnapshot, error)
}

// Result is the outcome of eligibility validation. Snapshot is set iff Valid.
type Result struct {
	Valid    bool
	Reason   string
	Snapshot *domain.TransactionSnapshot
}

// Validator applies the MED eligibility checks in order, short-circuiting on
// the first failure.
type Validator struct {
	Ledger       Ledger
	DeadlineDays int
	Accepted     func(reason string) bool
	Now          func() time.Time
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate runs the eligibility checks for one refund request. The returned
// error is reserved for ledger infrastructure failures; business
// ineligibility comes back as an invalid Result.
func (v Validator) Validate(ctx context.Context, req domain.RefundRequest) (Result, error) {
	snap, err := v.Ledger.GetTransaction(ctx, req.OriginalTransactionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fail("transaction not found: %s", req.OriginalTransactionID), nil
		}
		return Result{}, fmt.Errorf("ledger lookup %s: %w", req.OriginalTransactionID, err)
	}
	if req.RequesterTaxID != snap.PayerID {
		return fail("requester is not original payer: requester %s, payer %s on transaction %s",
			req.RequesterTaxID, snap.PayerID, snap.TransactionID), nil
	}
	days := wholeDaysBetween(snap.OccurredAt, v.now())
	if days > int64(v.DeadlineDays) {
		return fail("deadline exceeded: transaction %s is %d days old, limit is %d days",
			snap.TransactionID, days, v.DeadlineDays), nil
	}
	if v.Accepted == nil || !v.Accepted(req.Reason) {
		return fail("reason not eligible: %q is not covered by the MED procedure", req.Reason), nil
	}
	return Result{Valid: true, Snapshot: &snap}, nil
}

func fail(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// wholeDaysBetween counts complete days from a to b, truncating partial days.
// A transaction exactly at the deadline is still eligible.
func wholeDaysBetween(a, b time.Time) int64 {
	if b.Before(a) {
		return 0
	}
	return int64(b.Sub(a).Hours() / 24)
}
