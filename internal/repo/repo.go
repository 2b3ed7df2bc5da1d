package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pixmed/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,status,original_tx_id,reason,requester_tax_id,
snapshot_tx_id,snapshot_amount,snapshot_payer_id,snapshot_payer_name,
snapshot_payee_id,snapshot_payee_name,snapshot_occurred_at,snapshot_status,
risk_tier,risk_auto_approve,risk_rationale,
settlement_success,settlement_message,settlement_reversal_id,
rejection_reason,analyst_decision,analyst_reason,
created_at,updated_at,archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.RefundCase, error) {
	var (
		c               domain.RefundCase
		snapTxID        sql.NullString
		snapAmount      sql.NullString
		snapPayerID     sql.NullString
		snapPayerName   sql.NullString
		snapPayeeID     sql.NullString
		snapPayeeName   sql.NullString
		snapOccurredAt  sql.NullString
		snapStatus      sql.NullString
		riskTier        sql.NullString
		riskAuto        sql.NullBool
		riskRationale   sql.NullString
		settleSuccess   sql.NullBool
		settleMessage   sql.NullString
		settleReversal  sql.NullString
		rejectionReason sql.NullString
		analystDecision sql.NullString
		analystReason   sql.NullString
		archivedAt      sql.NullString
	)
	err := row.Scan(&c.ID, &c.Status,
		&c.Request.OriginalTransactionID, &c.Request.Reason, &c.Request.RequesterTaxID,
		&snapTxID, &snapAmount, &snapPayerID, &snapPayerName,
		&snapPayeeID, &snapPayeeName, &snapOccurredAt, &snapStatus,
		&riskTier, &riskAuto, &riskRationale,
		&settleSuccess, &settleMessage, &settleReversal,
		&rejectionReason, &analystDecision, &analystReason,
		&c.CreatedAt, &c.UpdatedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if snapTxID.Valid {
		amount, err := decimal.NewFromString(snapAmount.String)
		if err != nil {
			return c, err
		}
		occurred, err := time.Parse(time.RFC3339, snapOccurredAt.String)
		if err != nil {
			return c, err
		}
		c.Snapshot = &domain.TransactionSnapshot{
			TransactionID: snapTxID.String,
			Amount:        amount,
			PayerID:       snapPayerID.String,
			PayerName:     snapPayerName.String,
			PayeeID:       snapPayeeID.String,
			PayeeName:     snapPayeeName.String,
			OccurredAt:    occurred,
			Status:        snapStatus.String,
		}
	}
	if riskTier.Valid {
		c.Risk = &domain.RiskAssessment{
			Tier:        riskTier.String,
			AutoApprove: riskAuto.Bool,
			Rationale:   riskRationale.String,
		}
	}
	if settleSuccess.Valid {
		c.Settlement = &domain.SettlementOutcome{
			Success:    settleSuccess.Bool,
			Message:    settleMessage.String,
			ReversalID: settleReversal.String,
		}
	}
	c.RejectionReason = rejectionReason.String
	c.AnalystDecision = analystDecision.String
	c.AnalystReason = analystReason.String
	if archivedAt.Valid {
		c.ArchivedAt = &archivedAt.String
	}
	return c, nil
}

func caseArgs(c domain.RefundCase) []any {
	var (
		snapTxID, snapAmount, snapPayerID, snapPayerName       any
		snapPayeeID, snapPayeeName, snapOccurredAt, snapStatus any
		riskTier, riskAuto, riskRationale                      any
		settleSuccess, settleMessage, settleReversal           any
	)
	if c.Snapshot != nil {
		snapTxID = c.Snapshot.TransactionID
		snapAmount = c.Snapshot.Amount.String()
		snapPayerID = c.Snapshot.PayerID
		snapPayerName = c.Snapshot.PayerName
		snapPayeeID = c.Snapshot.PayeeID
		snapPayeeName = c.Snapshot.PayeeName
		snapOccurredAt = c.Snapshot.OccurredAt.UTC().Format(time.RFC3339)
		snapStatus = c.Snapshot.Status
	}
	if c.Risk != nil {
		riskTier = c.Risk.Tier
		riskAuto = c.Risk.AutoApprove
		riskRationale = c.Risk.Rationale
	}
	if c.Settlement != nil {
		settleSuccess = c.Settlement.Success
		settleMessage = c.Settlement.Message
		settleReversal = nullable(c.Settlement.ReversalID)
	}
	return []any{
		snapTxID, snapAmount, snapPayerID, snapPayerName,
		snapPayeeID, snapPayeeName, snapOccurredAt, snapStatus,
		riskTier, riskAuto, riskRationale,
		settleSuccess, settleMessage, settleReversal,
		nullable(c.RejectionReason), nullable(c.AnalystDecision), nullable(c.AnalystReason),
	}
}

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.RefundCase) error {
	args := []any{c.ID, c.Status,
		c.Request.OriginalTransactionID, c.Request.Reason, c.Request.RequesterTaxID}
	args = append(args, caseArgs(c)...)
	args = append(args, c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.ArchivedAt))
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// UpdateCaseTx rewrites the mutable columns of a case. The WHERE clause
// guards on the previous status so a stale update cannot clobber a
// transition that raced in from elsewhere; callers check ErrNotFound.
func (r Repo) UpdateCaseTx(ctx context.Context, tx *sql.Tx, c domain.RefundCase, fromStatus string) error {
	args := []any{c.Status}
	args = append(args, caseArgs(c)...)
	args = append(args, c.UpdatedAt, nullableStringPtr(c.ArchivedAt), c.ID, fromStatus)
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?,
snapshot_tx_id=?,snapshot_amount=?,snapshot_payer_id=?,snapshot_payer_name=?,
snapshot_payee_id=?,snapshot_payee_name=?,snapshot_occurred_at=?,snapshot_status=?,
risk_tier=?,risk_auto_approve=?,risk_rationale=?,
settlement_success=?,settlement_message=?,settlement_reversal_id=?,
rejection_reason=?,analyst_decision=?,analyst_reason=?,
updated_at=?,archived_at=?
WHERE id=? AND status=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.RefundCase, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

// CaseFilters narrows ListCases results.
type CaseFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.RefundCase, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RefundCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountCasesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM cases GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
