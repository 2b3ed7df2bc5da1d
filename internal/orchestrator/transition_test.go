package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"pixmed/internal/config"
	"pixmed/internal/db"
	"pixmed/internal/domain"
	"pixmed/internal/events"
	"pixmed/internal/migrate"
)

// The status guard on the case UPDATE is the cross-process complement of the
// in-process case lock. A writer holding a stale status must get a protocol
// error, not a storage error.
func TestTransitionLostToConcurrentWriter(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	o := New(conn, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := o.now().UTC().Format(time.RFC3339)
	c := domain.RefundCase{
		ID:     "caso-disputado",
		Status: domain.StateAwaitingManualReview,
		Request: domain.RefundRequest{
			OriginalTransactionID: "TXID_VALIDA_001",
			Reason:                domain.ReasonBankOperationalFailure,
			RequesterTaxID:        "11122233344",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		t.Fatalf("insert case: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// another process already moved the case on
	if _, err := conn.ExecContext(ctx,
		`UPDATE cases SET status = ? WHERE id = ?`,
		domain.StateRejectedByAnalyst, c.ID); err != nil {
		t.Fatalf("flip status: %v", err)
	}

	err = o.transition(ctx, &c, domain.StateReadyToSettle, events.TypeCaseDecision, "analyst-1", nil)
	var pe ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}

	got, err := o.Repo.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StateRejectedByAnalyst {
		t.Fatalf("losing writer mutated the case to %s", got.Status)
	}
}
