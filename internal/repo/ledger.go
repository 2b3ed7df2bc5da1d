package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pixmed/internal/config"
	"pixmed/internal/domain"
)

// Ledger lookup for the original PIX transactions. Production deployments
// back this with the real transaction store; tests and the demo workspace
// seed it from config fixtures.

func scanTransaction(row rowScanner) (domain.TransactionSnapshot, error) {
	var t domain.TransactionSnapshot
	var amount, occurredAt string
	err := row.Scan(&t.TransactionID, &amount, &t.PayerID, &t.PayerName,
		&t.PayeeID, &t.PayeeName, &occurredAt, &t.Status)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return t, fmt.Errorf("transaction %s amount: %w", t.TransactionID, err)
	}
	t.OccurredAt, err = time.Parse(time.RFC3339, occurredAt)
	if err != nil {
		return t, fmt.Errorf("transaction %s occurred_at: %w", t.TransactionID, err)
	}
	return t, nil
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.TransactionSnapshot, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx,
		`SELECT id,amount,payer_id,payer_name,payee_id,payee_name,occurred_at,status FROM pix_transactions WHERE id=?`, id))
}

func (r Repo) UpsertTransaction(ctx context.Context, t domain.TransactionSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pix_transactions(id,amount,payer_id,payer_name,payee_id,payee_name,occurred_at,status)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET amount=excluded.amount, payer_id=excluded.payer_id, payer_name=excluded.payer_name,
payee_id=excluded.payee_id, payee_name=excluded.payee_name, occurred_at=excluded.occurred_at, status=excluded.status`,
		t.TransactionID, t.Amount.String(), t.PayerID, t.PayerName,
		t.PayeeID, t.PayeeName, t.OccurredAt.UTC().Format(time.RFC3339), t.Status)
	return err
}

func (r Repo) ListTransactions(ctx context.Context) ([]domain.TransactionSnapshot, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,amount,payer_id,payer_name,payee_id,payee_name,occurred_at,status FROM pix_transactions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransactionSnapshot
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SeedLedger loads the config fixtures: account balances and original
// transactions with ages relative to now.
func (r Repo) SeedLedger(ctx context.Context, seed config.Seed, now time.Time) error {
	for id, balance := range seed.Accounts {
		bal, err := decimal.NewFromString(balance)
		if err != nil {
			return fmt.Errorf("seed account %s: %w", id, err)
		}
		if err := r.UpsertAccount(ctx, domain.Account{ID: id, Balance: bal}); err != nil {
			return fmt.Errorf("seed account %s: %w", id, err)
		}
	}
	for _, tx := range seed.Transactions {
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			return fmt.Errorf("seed transaction %s: %w", tx.ID, err)
		}
		snap := domain.TransactionSnapshot{
			TransactionID: tx.ID,
			Amount:        amount,
			PayerID:       tx.PayerID,
			PayerName:     tx.PayerName,
			PayeeID:       tx.PayeeID,
			PayeeName:     tx.PayeeName,
			OccurredAt:    now.UTC().AddDate(0, 0, -tx.AgeDays),
			Status:        tx.Status,
		}
		if err := r.UpsertTransaction(ctx, snap); err != nil {
			return fmt.Errorf("seed transaction %s: %w", tx.ID, err)
		}
	}
	return nil
}
