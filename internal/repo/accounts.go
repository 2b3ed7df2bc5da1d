package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"pixmed/internal/domain"
)

// Account balance store. Settlement reads and writes balances inside one
// transaction; missing accounts read as zero balance.

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT id,balance FROM accounts WHERE id=?`, id))
}

// GetAccountTx reads a balance inside a settlement transaction. An absent
// account is returned with a zero balance, not ErrNotFound.
func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id string) (domain.Account, error) {
	acct, err := scanAccount(tx.QueryRowContext(ctx, `SELECT id,balance FROM accounts WHERE id=?`, id))
	if err == ErrNotFound {
		return domain.Account{ID: id, Balance: decimal.Zero}, nil
	}
	return acct, err
}

func (r Repo) UpsertAccount(ctx context.Context, a domain.Account) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(id,balance) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET balance=excluded.balance`, a.ID, a.Balance.String())
	return err
}

func (r Repo) SetBalanceTx(ctx context.Context, tx *sql.Tx, id string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,balance) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET balance=excluded.balance`, id, balance.String())
	return err
}

func (r Repo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,balance FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var a domain.Account
	var balance string
	err := row.Scan(&a.ID, &balance)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Balance, err = decimal.NewFromString(balance)
	return a, err
}
