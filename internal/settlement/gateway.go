package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"pixmed/internal/domain"
	"pixmed/internal/repo"
)

// Gateway executes ledger-level reversals against the account balance store.
// Debit and credit happen in one transaction; a package mutex backs the
// single-writer guarantee so concurrent settlements touching the same
// accounts cannot lose updates.
type Gateway struct {
	DB      *sql.DB
	Repo    repo.Repo
	Blocked map[string]struct{}
	Logger  *slog.Logger

	mu sync.Mutex
}

func New(db *sql.DB, blocked map[string]struct{}, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Blocked: blocked,
		Logger:  logger,
	}
}

// Settle debits the payee-side account and credits the payer-side account.
// Business failures (blocked account, insufficient balance) come back as an
// unsuccessful outcome; the error is reserved for storage faults. The
// orchestrator guarantees at most one call per case.
func (g *Gateway) Settle(ctx context.Context, operationID, debitAccount, creditAccount string, amount decimal.Decimal) (domain.SettlementOutcome, error) {
	if strings.TrimSpace(debitAccount) == "" {
		return failure(g.Logger, operationID, "debit account is required"), nil
	}
	if _, blocked := g.Blocked[debitAccount]; blocked {
		return failure(g.Logger, operationID, fmt.Sprintf("debit account %s is blocked", debitAccount)), nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	defer tx.Rollback()

	debit, err := g.Repo.GetAccountTx(ctx, tx, debitAccount)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	if debit.Balance.LessThan(amount) {
		return failure(g.Logger, operationID, fmt.Sprintf(
			"insufficient balance (R$ %s) in debit account %s to refund R$ %s",
			debit.Balance.StringFixed(2), debitAccount, amount.StringFixed(2))), nil
	}
	credit, err := g.Repo.GetAccountTx(ctx, tx, creditAccount)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	if err := g.Repo.SetBalanceTx(ctx, tx, debitAccount, debit.Balance.Sub(amount)); err != nil {
		return domain.SettlementOutcome{}, err
	}
	if err := g.Repo.SetBalanceTx(ctx, tx, creditAccount, credit.Balance.Add(amount)); err != nil {
		return domain.SettlementOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SettlementOutcome{}, err
	}

	msg := fmt.Sprintf("refund %s of R$ %s processed", operationID, amount.StringFixed(2))
	g.Logger.Info("settlement processed",
		"operation_id", operationID,
		"debit_account", debitAccount,
		"credit_account", creditAccount,
		"amount", amount.StringFixed(2))
	return domain.SettlementOutcome{Success: true, Message: msg, ReversalID: operationID}, nil
}

func failure(logger *slog.Logger, operationID, msg string) domain.SettlementOutcome {
	logger.Warn("settlement refused", "operation_id", operationID, "reason", msg)
	return domain.SettlementOutcome{Success: false, Message: msg}
}
