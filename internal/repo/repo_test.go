package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pixmed/internal/config"
	"pixmed/internal/db"
	"pixmed/internal/domain"
	"pixmed/internal/migrate"
	"pixmed/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertCase(t *testing.T, r repo.Repo, id, status, createdAt string) domain.RefundCase {
	t.Helper()
	ctx := context.Background()
	c := domain.RefundCase{
		ID:     id,
		Status: status,
		Request: domain.RefundRequest{
			OriginalTransactionID: "TXID_VALIDA_001",
			Reason:                domain.ReasonUndueCharge,
			RequesterTaxID:        "11122233344",
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertCaseTx(ctx, tx, c); err != nil {
		t.Fatalf("insert case: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGetCaseNotFound(t *testing.T) {
	r := newRepo(t)
	_, err := r.GetCase(context.Background(), "nada")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateCaseTxStatusGuard(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c := insertCase(t, r, "case-1", domain.StateReceived, "2026-01-01T00:00:00Z")

	// guard with the wrong previous status must not update
	c.Status = domain.StateValidating
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = r.UpdateCaseTx(ctx, tx, c, domain.StateValidated)
	tx.Rollback()
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stale guard: expected ErrNotFound, got %v", err)
	}
	got, err := r.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StateReceived {
		t.Fatalf("status mutated to %s", got.Status)
	}

	// correct guard applies the update
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateCaseTx(ctx, tx, c, domain.StateReceived); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err = r.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StateValidating {
		t.Fatalf("status = %s, want %s", got.Status, domain.StateValidating)
	}
}

func TestCaseRoundTripWithOptionalSections(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := "2026-01-01T00:00:00Z"
	occurred := time.Date(2025, 12, 20, 10, 0, 0, 0, time.UTC)
	archived := now
	c := domain.RefundCase{
		ID:     "case-full",
		Status: domain.StateSettled,
		Request: domain.RefundRequest{
			OriginalTransactionID: "TXID_VALIDA_001",
			Reason:                domain.ReasonBankOperationalFailure,
			RequesterTaxID:        "11122233344",
		},
		Snapshot: &domain.TransactionSnapshot{
			TransactionID: "TXID_VALIDA_001",
			Amount:        decimal.RequireFromString("30.00"),
			PayerID:       "11122233344",
			PayerName:     "Cliente Pagador Um",
			PayeeID:       "55566677788",
			PayeeName:     "Comercio Recebedor A",
			OccurredAt:    occurred,
			Status:        "CONCLUIDA",
		},
		Risk: &domain.RiskAssessment{
			Tier:        domain.RiskLow,
			AutoApprove: true,
			Rationale:   "risk rule: low-value operational failure",
		},
		Settlement: &domain.SettlementOutcome{
			Success:    true,
			Message:    "refund processed",
			ReversalID: "DEV-0123456789ABCDEF01",
		},
		CreatedAt:  now,
		UpdatedAt:  now,
		ArchivedAt: &archived,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertCaseTx(ctx, tx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetCase(ctx, "case-full")
	if err != nil {
		t.Fatal(err)
	}
	if got.Snapshot == nil || got.Snapshot.Amount.StringFixed(2) != "30.00" {
		t.Fatalf("snapshot not restored: %+v", got.Snapshot)
	}
	if !got.Snapshot.OccurredAt.Equal(occurred) {
		t.Fatalf("occurred_at = %v, want %v", got.Snapshot.OccurredAt, occurred)
	}
	if got.Risk == nil || !got.Risk.AutoApprove {
		t.Fatalf("risk not restored: %+v", got.Risk)
	}
	if got.Settlement == nil || got.Settlement.ReversalID != "DEV-0123456789ABCDEF01" {
		t.Fatalf("settlement not restored: %+v", got.Settlement)
	}
	if got.ArchivedAt == nil {
		t.Fatalf("archived_at not restored")
	}
}

func TestListCasesFilterAndPagination(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertCase(t, r, "case-a", domain.StateReceived, "2026-01-01T00:00:00Z")
	insertCase(t, r, "case-b", domain.StateAwaitingManualReview, "2026-01-02T00:00:00Z")
	insertCase(t, r, "case-c", domain.StateAwaitingManualReview, "2026-01-03T00:00:00Z")

	parked, err := r.ListCases(ctx, repo.CaseFilters{Status: domain.StateAwaitingManualReview})
	if err != nil {
		t.Fatal(err)
	}
	if len(parked) != 2 || parked[0].ID != "case-c" {
		t.Fatalf("filtered listing wrong: %+v", parked)
	}

	page, err := r.ListCases(ctx, repo.CaseFilters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "case-c" || page[1].ID != "case-b" {
		t.Fatalf("first page wrong: %+v", page)
	}
	last := page[len(page)-1]
	rest, err := r.ListCases(ctx, repo.CaseFilters{Limit: 2, CursorCreatedAt: last.CreatedAt, CursorID: last.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != "case-a" {
		t.Fatalf("second page wrong: %+v", rest)
	}
}

func TestSeedLedgerIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seed := config.Default().Seed
	now := time.Now()
	if err := r.SeedLedger(ctx, seed, now); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := r.SeedLedger(ctx, seed, now); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	txs, err := r.ListTransactions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != len(seed.Transactions) {
		t.Fatalf("transactions = %d, want %d", len(txs), len(seed.Transactions))
	}
	accts, err := r.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != len(seed.Accounts) {
		t.Fatalf("accounts = %d, want %d", len(accts), len(seed.Accounts))
	}
}
