package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pixmed/internal/config"
	"pixmed/internal/db"
	"pixmed/internal/domain"
	"pixmed/internal/migrate"
	"pixmed/internal/orchestrator"
	"pixmed/internal/repo"
	"pixmed/internal/rules"
)

type testEnv struct {
	Orch *orchestrator.Orchestrator
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.SeedLedger(ctx, cfg.Seed, time.Now()); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{Orch: orchestrator.New(conn, cfg, logger), Repo: r, Ctx: ctx}
}

func seedTransaction(t *testing.T, env testEnv, id, amount, payer, payee string, ageDays int) {
	t.Helper()
	if err := env.Repo.UpsertTransaction(env.Ctx, domain.TransactionSnapshot{
		TransactionID: id,
		Amount:        decimal.RequireFromString(amount),
		PayerID:       payer,
		PayeeID:       payee,
		OccurredAt:    time.Now().AddDate(0, 0, -ageDays),
		Status:        "COMPLETED",
	}); err != nil {
		t.Fatalf("seed transaction %s: %v", id, err)
	}
}

func TestSubmitMissingFields(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_VALIDA_001",
		Reason:                "",
		RequesterTaxID:        "11122233344",
	}, "tester")
	var ie orchestrator.InputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InputError, got %v", err)
	}
	cases, err := env.Repo.ListCases(env.Ctx, repo.CaseFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 0 {
		t.Fatalf("no case should exist after an input error, found %d", len(cases))
	}
}

func TestIneligibleReasonRejectsWithoutSettlement(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_VALIDA_001",
		Reason:                "ARREPENDIMENTO",
		RequesterTaxID:        "11122233344",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != domain.StateRejectedInvalid {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateRejectedInvalid)
	}
	if c.Settlement != nil {
		t.Fatalf("rejected case must not touch settlement")
	}
	if c.ArchivedAt == nil {
		t.Fatalf("terminal case should be archived")
	}
	// payee balance untouched
	acct, err := env.Repo.GetAccount(env.Ctx, "55566677788")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Balance.StringFixed(2) != "1000.00" {
		t.Fatalf("balance mutated to %s", acct.Balance.StringFixed(2))
	}

	events, err := env.Repo.CaseEvents(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sawRejected, sawNotification bool
	for _, e := range events {
		switch e.Type {
		case "case.rejected":
			sawRejected = true
		case "notification.sent":
			sawNotification = true
		}
	}
	if !sawRejected || !sawNotification {
		t.Fatalf("audit trail missing rejection or notification: %+v", events)
	}
}

// staticValidator returns a canned result regardless of the request.
type staticValidator struct {
	res rules.Result
}

func (v staticValidator) Validate(ctx context.Context, req domain.RefundRequest) (rules.Result, error) {
	return v.res, nil
}

func TestValidResultWithoutSnapshotRejects(t *testing.T) {
	env := newTestEnv(t)
	env.Orch.Validator = staticValidator{res: rules.Result{Valid: true}}

	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_VALIDA_001",
		Reason:                domain.ReasonBankOperationalFailure,
		RequesterTaxID:        "11122233344",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != domain.StateRejectedInvalid {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateRejectedInvalid)
	}
	if !strings.Contains(c.RejectionReason, "internal error") {
		t.Fatalf("rejection reason %q should flag the internal error", c.RejectionReason)
	}
	if c.Settlement != nil {
		t.Fatalf("case without a snapshot must not settle")
	}
	// payee balance untouched
	acct, err := env.Repo.GetAccount(env.Ctx, "55566677788")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Balance.StringFixed(2) != "1000.00" {
		t.Fatalf("balance mutated to %s", acct.Balance.StringFixed(2))
	}
}

func TestHighAmountParksForManualReview(t *testing.T) {
	env := newTestEnv(t)
	seedTransaction(t, env, "TXID_ALTO_VALOR", "2500.00", "11122233344", "55566677788", 3)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_ALTO_VALOR",
		Reason:                domain.ReasonFraudConfirmed,
		RequesterTaxID:        "11122233344",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != domain.StateAwaitingManualReview {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateAwaitingManualReview)
	}
	if c.Risk == nil || c.Risk.Tier != domain.RiskHigh {
		t.Fatalf("risk = %+v, want HIGH", c.Risk)
	}
	if c.Risk.AutoApprove {
		t.Fatalf("high risk must not auto-approve")
	}
}

func TestLowValueOperationalFailureAutoSettles(t *testing.T) {
	env := newTestEnv(t)
	seedTransaction(t, env, "TXID_BAIXO_VALOR", "30.00", "11122233344", "55566677788", 10)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_BAIXO_VALOR",
		Reason:                domain.ReasonBankOperationalFailure,
		RequesterTaxID:        "11122233344",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != domain.StateSettled {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateSettled)
	}
	if c.Risk == nil || c.Risk.Tier != domain.RiskLow || !c.Risk.AutoApprove {
		t.Fatalf("risk = %+v, want auto-approved LOW", c.Risk)
	}
	if c.Settlement == nil || !c.Settlement.Success {
		t.Fatalf("settlement = %+v, want success", c.Settlement)
	}
	if ok, _ := regexp.MatchString(`^DEV-[A-Z0-9]{18}$`, c.Settlement.ReversalID); !ok {
		t.Fatalf("reversal id %q has wrong format", c.Settlement.ReversalID)
	}

	// refund reverses the flow: payee debited, payer credited
	payee, _ := env.Repo.GetAccount(env.Ctx, "55566677788")
	if payee.Balance.StringFixed(2) != "970.00" {
		t.Fatalf("payee balance = %s, want 970.00", payee.Balance.StringFixed(2))
	}
	payer, _ := env.Repo.GetAccount(env.Ctx, "11122233344")
	if payer.Balance.StringFixed(2) != "230.00" {
		t.Fatalf("payer balance = %s, want 230.00", payer.Balance.StringFixed(2))
	}
}

func TestMediumAmountOperationalFailureNeedsAnalyst(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_VALIDA_001", // seeded at 100.00
		Reason:                domain.ReasonBankOperationalFailure,
		RequesterTaxID:        "11122233344",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != domain.StateAwaitingManualReview {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateAwaitingManualReview)
	}
	if c.Risk == nil || c.Risk.Tier != domain.RiskMedium {
		t.Fatalf("risk = %+v, want MEDIUM", c.Risk)
	}
}

func TestAnalystApprovalSettles(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_VALIDA_001",
		Reason:                domain.ReasonBankOperationalFailure,
		RequesterTaxID:        "11122233344",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, err = env.Orch.Decide(env.Ctx, c.ID, domain.DecisionApprove, "", "analyst-1")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if c.Status != domain.StateSettled {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateSettled)
	}
	if c.AnalystDecision != domain.DecisionApprove {
		t.Fatalf("analyst decision = %s", c.AnalystDecision)
	}

	// second decision hits a terminal case
	_, err = env.Orch.Decide(env.Ctx, c.ID, domain.DecisionApprove, "", "analyst-1")
	var pe orchestrator.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	got, err := env.Orch.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StateSettled {
		t.Fatalf("duplicate decision changed state to %s", got.Status)
	}
}

func TestConcurrentDecisionsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_VALIDA_001", // 100.00, payee holds 1000.00
		Reason:                domain.ReasonBankOperationalFailure,
		RequesterTaxID:        "11122233344",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	const analysts = 4
	errs := make([]error, analysts)
	var wg sync.WaitGroup
	for i := 0; i < analysts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Orch.Decide(env.Ctx, c.ID, domain.DecisionApprove, "", "analyst-1")
		}(i)
	}
	wg.Wait()

	var applied int
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		var pe orchestrator.ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("losing decision should be a ProtocolError, got %v", err)
		}
	}
	if applied != 1 {
		t.Fatalf("%d decisions applied, want exactly 1", applied)
	}

	got, err := env.Orch.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StateSettled {
		t.Fatalf("status = %s, want %s", got.Status, domain.StateSettled)
	}
	// the refund moved funds exactly once
	payee, _ := env.Repo.GetAccount(env.Ctx, "55566677788")
	if payee.Balance.StringFixed(2) != "900.00" {
		t.Fatalf("payee balance = %s, want 900.00", payee.Balance.StringFixed(2))
	}
	payer, _ := env.Repo.GetAccount(env.Ctx, "11122233344")
	if payer.Balance.StringFixed(2) != "300.00" {
		t.Fatalf("payer balance = %s, want 300.00", payer.Balance.StringFixed(2))
	}
}

func TestAnalystRejectionFallsBackToRationale(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_PARA_ANALISE_MANUAL_001",
		Reason:                domain.ReasonUndueCharge,
		RequesterTaxID:        "77788899900",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != domain.StateAwaitingManualReview {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateAwaitingManualReview)
	}
	c, err = env.Orch.Decide(env.Ctx, c.ID, domain.DecisionReject, "", "analyst-1")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if c.Status != domain.StateRejectedByAnalyst {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateRejectedByAnalyst)
	}
	if c.Settlement != nil {
		t.Fatalf("rejected case must not settle")
	}
}

func TestDecideValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Orch.Decide(env.Ctx, "case-inexistente", domain.DecisionApprove, "", "analyst-1")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown case: expected ErrNotFound, got %v", err)
	}

	_, err = env.Orch.Decide(env.Ctx, "case-inexistente", "TALVEZ", "", "analyst-1")
	var ie orchestrator.InputError
	if !errors.As(err, &ie) {
		t.Fatalf("bad decision: expected InputError, got %v", err)
	}
}

func TestInsufficientPayeeBalanceFailsSettlement(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Orch.Submit(env.Ctx, domain.RefundRequest{
		OriginalTransactionID: "TXID_RECEBEDOR_SEM_SALDO_006", // 10.00, payee holds 5.00
		Reason:                domain.ReasonBankOperationalFailure,
		RequesterTaxID:        "66677788899",
	}, "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Status != domain.StateSettlementFailed {
		t.Fatalf("status = %s, want %s", c.Status, domain.StateSettlementFailed)
	}
	if c.Settlement == nil || c.Settlement.Success {
		t.Fatalf("settlement = %+v, want failure", c.Settlement)
	}
	if !strings.Contains(c.Settlement.Message, "insufficient") {
		t.Fatalf("message %q should mention insufficient balance", c.Settlement.Message)
	}
	if c.Settlement.ReversalID != "" {
		t.Fatalf("failed settlement must not carry a reversal id")
	}
}

func TestCaseEventsUnknownCase(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Orch.CaseEvents(env.Ctx, "case-inexistente")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
