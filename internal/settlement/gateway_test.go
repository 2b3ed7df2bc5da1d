package settlement_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"pixmed/internal/db"
	"pixmed/internal/domain"
	"pixmed/internal/migrate"
	"pixmed/internal/repo"
	"pixmed/internal/settlement"
)

func newGateway(t *testing.T, blocked ...string) (*settlement.Gateway, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	set := make(map[string]struct{}, len(blocked))
	for _, id := range blocked {
		set[id] = struct{}{}
	}
	return settlement.New(conn, set, nil), repo.Repo{DB: conn}
}

func seedAccount(t *testing.T, r repo.Repo, id, balance string) {
	t.Helper()
	if err := r.UpsertAccount(context.Background(), domain.Account{
		ID:      id,
		Balance: decimal.RequireFromString(balance),
	}); err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

func TestSettleMovesFunds(t *testing.T) {
	g, r := newGateway(t)
	ctx := context.Background()
	seedAccount(t, r, "55566677788", "1000.00")
	seedAccount(t, r, "11122233344", "200.00")

	out, err := g.Settle(ctx, "DEV-TESTE00000000001AB", "55566677788", "11122233344", decimal.RequireFromString("30.00"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !out.Success {
		t.Fatalf("expected success, got %q", out.Message)
	}
	if out.ReversalID == "" {
		t.Fatalf("expected a reversal id")
	}

	debit, err := r.GetAccount(ctx, "55566677788")
	if err != nil {
		t.Fatal(err)
	}
	if debit.Balance.StringFixed(2) != "970.00" {
		t.Fatalf("debit balance = %s, want 970.00", debit.Balance.StringFixed(2))
	}
	credit, err := r.GetAccount(ctx, "11122233344")
	if err != nil {
		t.Fatal(err)
	}
	if credit.Balance.StringFixed(2) != "230.00" {
		t.Fatalf("credit balance = %s, want 230.00", credit.Balance.StringFixed(2))
	}
}

func TestSettleConcurrentSharedAccount(t *testing.T) {
	g, r := newGateway(t)
	ctx := context.Background()
	seedAccount(t, r, "55566677788", "1000.00")
	seedAccount(t, r, "11122233344", "200.00")

	const refunds = 8
	amount := decimal.RequireFromString("10.00")
	outs := make([]domain.SettlementOutcome, refunds)
	errs := make([]error, refunds)
	var wg sync.WaitGroup
	for i := 0; i < refunds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := fmt.Sprintf("DEV-CONCORRENTE%07d", i)
			outs[i], errs[i] = g.Settle(ctx, op, "55566677788", "11122233344", amount)
		}(i)
	}
	wg.Wait()

	for i := 0; i < refunds; i++ {
		if errs[i] != nil {
			t.Fatalf("settle %d: %v", i, errs[i])
		}
		if !outs[i].Success {
			t.Fatalf("settle %d failed: %q", i, outs[i].Message)
		}
	}

	// no lost updates under contention
	debit, err := r.GetAccount(ctx, "55566677788")
	if err != nil {
		t.Fatal(err)
	}
	if debit.Balance.StringFixed(2) != "920.00" {
		t.Fatalf("debit balance = %s, want 920.00", debit.Balance.StringFixed(2))
	}
	credit, err := r.GetAccount(ctx, "11122233344")
	if err != nil {
		t.Fatal(err)
	}
	if credit.Balance.StringFixed(2) != "280.00" {
		t.Fatalf("credit balance = %s, want 280.00", credit.Balance.StringFixed(2))
	}
}

func TestSettleInsufficientBalance(t *testing.T) {
	g, r := newGateway(t)
	ctx := context.Background()
	seedAccount(t, r, "CONTA_SEM_SALDO_MOCK", "5.00")
	seedAccount(t, r, "11122233344", "200.00")

	out, err := g.Settle(ctx, "DEV-TESTE00000000002AB", "CONTA_SEM_SALDO_MOCK", "11122233344", decimal.RequireFromString("10.00"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(out.Message, "insufficient") {
		t.Fatalf("message %q should mention insufficient balance", out.Message)
	}
	if out.ReversalID != "" {
		t.Fatalf("failed settlement must not carry a reversal id")
	}

	// balances unchanged
	debit, _ := r.GetAccount(ctx, "CONTA_SEM_SALDO_MOCK")
	if debit.Balance.StringFixed(2) != "5.00" {
		t.Fatalf("debit balance mutated to %s", debit.Balance.StringFixed(2))
	}
	credit, _ := r.GetAccount(ctx, "11122233344")
	if credit.Balance.StringFixed(2) != "200.00" {
		t.Fatalf("credit balance mutated to %s", credit.Balance.StringFixed(2))
	}
}

func TestSettleBlockedAccount(t *testing.T) {
	g, r := newGateway(t, "CONTA_BLOQUEADA_MOCK")
	ctx := context.Background()
	seedAccount(t, r, "CONTA_BLOQUEADA_MOCK", "500.00")

	out, err := g.Settle(ctx, "DEV-TESTE00000000003AB", "CONTA_BLOQUEADA_MOCK", "11122233344", decimal.RequireFromString("10.00"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Success {
		t.Fatalf("expected failure for blocked account")
	}
	if !strings.Contains(out.Message, "blocked") {
		t.Fatalf("message %q should mention the block", out.Message)
	}
}

func TestSettleRequiresDebitAccount(t *testing.T) {
	g, _ := newGateway(t)
	out, err := g.Settle(context.Background(), "DEV-TESTE00000000004AB", "", "11122233344", decimal.RequireFromString("10.00"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Success {
		t.Fatalf("expected failure without a debit account")
	}
}
