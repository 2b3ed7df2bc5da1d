package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Reason codes accepted under the MED procedure. Wire values keep the
// Portuguese strings filed by the customer channel.
const (
	ReasonFraudConfirmed         = "FRAUDE_COMPROVADA"
	ReasonBankOperationalFailure = "FALHA_OPERACIONAL_BANCO"
	ReasonUndueCharge            = "COBRANCA_INDEVIDA"
)

// AcceptedReasons returns the reason codes covered by the MED procedure.
func AcceptedReasons() []string {
	return []string{ReasonFraudConfirmed, ReasonBankOperationalFailure, ReasonUndueCharge}
}

// Refund case states.
const (
	StateReceived             = "RECEIVED"
	StateValidating           = "VALIDATING"
	StateRejectedInvalid      = "REJECTED_INVALID"
	StateValidated            = "VALIDATED"
	StateAssessingRisk        = "ASSESSING_RISK"
	StateAwaitingManualReview = "AWAITING_MANUAL_REVIEW"
	StateReadyToSettle        = "READY_TO_SETTLE"
	StateSettling             = "SETTLING"
	StateSettled              = "SETTLED"
	StateSettlementFailed     = "SETTLEMENT_FAILED"
	StateRejectedByAnalyst    = "REJECTED_BY_ANALYST"
)

// TerminalState reports whether a case in this state accepts no further
// transitions.
func TerminalState(s string) bool {
	switch s {
	case StateRejectedInvalid, StateSettled, StateSettlementFailed, StateRejectedByAnalyst:
		return true
	}
	return false
}

// Risk tiers.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Analyst decisions.
const (
	DecisionApprove = "APROVAR"
	DecisionReject  = "REJEITAR"
)

// RefundRequest is the immutable intake payload for one refund case.
type RefundRequest struct {
	OriginalTransactionID string `json:"idTransacaoOriginal"`
	Reason                string `json:"motivo"`
	RequesterTaxID        string `json:"cpfClienteSolicitante"`
}

// Validate checks the intake invariant: all three fields non-blank.
func (r RefundRequest) Validate() error {
	if strings.TrimSpace(r.OriginalTransactionID) == "" {
		return errors.New("idTransacaoOriginal is required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("motivo is required")
	}
	if strings.TrimSpace(r.RequesterTaxID) == "" {
		return errors.New("cpfClienteSolicitante is required")
	}
	return nil
}

// TransactionSnapshot is the original PIX transaction as recorded in the
// ledger at validation time. Never mutated after validation.
type TransactionSnapshot struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	PayerID       string          `json:"payer_id"`
	PayerName     string          `json:"payer_name"`
	PayeeID       string          `json:"payee_id"`
	PayeeName     string          `json:"payee_name"`
	OccurredAt    time.Time       `json:"occurred_at" format:"date-time"`
	Status        string          `json:"status"`
}

// RiskAssessment is the risk desk's verdict for one case.
type RiskAssessment struct {
	Tier        string `json:"tier" enum:"LOW,MEDIUM,HIGH"`
	AutoApprove bool   `json:"auto_approve"`
	Rationale   string `json:"rationale"`
}

// SettlementOutcome is the result of the ledger-level reversal attempt.
// ReversalID is set iff Success.
type SettlementOutcome struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ReversalID string `json:"reversal_id,omitempty"`
}

// RefundCase is the orchestrator's unit of work: one refund request's
// lifecycle from intake to a terminal state.
type RefundCase struct {
	ID              string               `json:"id"`
	Status          string               `json:"status"`
	Request         RefundRequest        `json:"request"`
	Snapshot        *TransactionSnapshot `json:"snapshot,omitempty"`
	Risk            *RiskAssessment      `json:"risk,omitempty"`
	Settlement      *SettlementOutcome   `json:"settlement,omitempty"`
	RejectionReason string               `json:"rejection_reason,omitempty"`
	AnalystDecision string               `json:"analyst_decision,omitempty"`
	AnalystReason   string               `json:"analyst_reason,omitempty"`
	CreatedAt       string               `json:"created_at" format:"date-time"`
	UpdatedAt       string               `json:"updated_at" format:"date-time"`
	ArchivedAt      *string              `json:"archived_at,omitempty" format:"date-time"`
}

// Account is one entry in the balance store used by settlement.
type Account struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// Event is one audit log entry for a case transition or notification.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	CaseID  string `json:"case_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
