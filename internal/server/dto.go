package server

import (
	"time"

	"pixmed/internal/domain"
)

// SubmitRefundRequest is the intake payload. Field names follow the customer
// channel contract.
type SubmitRefundRequest struct {
	OriginalTransactionID string `json:"idTransacaoOriginal" example:"TXID_VALIDA_001"`
	Reason                string `json:"motivo" example:"FALHA_OPERACIONAL_BANCO"`
	RequesterTaxID        string `json:"cpfClienteSolicitante" example:"11122233344"`
}

// SubmitRefundResponse acknowledges intake. Processing may already have
// parked or terminated the case by the time the response is written.
type SubmitRefundResponse struct {
	Message string       `json:"mensagem"`
	Case    CaseResponse `json:"caso"`
}

// DecisionRequest is the analyst verdict payload.
type DecisionRequest struct {
	Decision string  `json:"decisaoAnalista" enum:"APROVAR,REJEITAR" example:"APROVAR"`
	Reason   *string `json:"motivoRejeicao,omitempty" example:"indício de fraude não confirmado"`
}

type SnapshotResponse struct {
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount" example:"100.00"`
	PayerID       string `json:"payer_id"`
	PayerName     string `json:"payer_name,omitempty"`
	PayeeID       string `json:"payee_id"`
	PayeeName     string `json:"payee_name,omitempty"`
	OccurredAt    string `json:"occurred_at" format:"date-time"`
	Status        string `json:"status,omitempty"`
}

type RiskResponse struct {
	Tier        string `json:"tier" enum:"LOW,MEDIUM,HIGH"`
	AutoApprove bool   `json:"auto_approve"`
	Rationale   string `json:"rationale"`
}

type SettlementResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ReversalID string `json:"reversal_id,omitempty"`
}

type CaseResponse struct {
	ID                    string              `json:"id"`
	Status                string              `json:"status"`
	OriginalTransactionID string              `json:"idTransacaoOriginal"`
	Reason                string              `json:"motivo"`
	RequesterTaxID        string              `json:"cpfClienteSolicitante"`
	Snapshot              *SnapshotResponse   `json:"snapshot,omitempty"`
	Risk                  *RiskResponse       `json:"risk,omitempty"`
	Settlement            *SettlementResponse `json:"settlement,omitempty"`
	RejectionReason       string              `json:"rejection_reason,omitempty"`
	AnalystDecision       string              `json:"analyst_decision,omitempty"`
	AnalystReason         string              `json:"analyst_reason,omitempty"`
	CreatedAt             string              `json:"created_at" format:"date-time"`
	UpdatedAt             string              `json:"updated_at" format:"date-time"`
	ArchivedAt            *string             `json:"archived_at,omitempty" format:"date-time"`
}

type CaseListResponse struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	CaseID  string `json:"case_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

func caseResponse(c domain.RefundCase) CaseResponse {
	out := CaseResponse{
		ID:                    c.ID,
		Status:                c.Status,
		OriginalTransactionID: c.Request.OriginalTransactionID,
		Reason:                c.Request.Reason,
		RequesterTaxID:        c.Request.RequesterTaxID,
		RejectionReason:       c.RejectionReason,
		AnalystDecision:       c.AnalystDecision,
		AnalystReason:         c.AnalystReason,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
		ArchivedAt:            c.ArchivedAt,
	}
	if c.Snapshot != nil {
		out.Snapshot = &SnapshotResponse{
			TransactionID: c.Snapshot.TransactionID,
			Amount:        c.Snapshot.Amount.StringFixed(2),
			PayerID:       c.Snapshot.PayerID,
			PayerName:     c.Snapshot.PayerName,
			PayeeID:       c.Snapshot.PayeeID,
			PayeeName:     c.Snapshot.PayeeName,
			OccurredAt:    c.Snapshot.OccurredAt.UTC().Format(time.RFC3339),
			Status:        c.Snapshot.Status,
		}
	}
	if c.Risk != nil {
		out.Risk = &RiskResponse{
			Tier:        c.Risk.Tier,
			AutoApprove: c.Risk.AutoApprove,
			Rationale:   c.Risk.Rationale,
		}
	}
	if c.Settlement != nil {
		out.Settlement = &SettlementResponse{
			Success:    c.Settlement.Success,
			Message:    c.Settlement.Message,
			ReversalID: c.Settlement.ReversalID,
		}
	}
	return out
}

func mapCases(items []domain.RefundCase) []CaseResponse {
	out := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		out = append(out, caseResponse(c))
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:      e.ID,
			TS:      e.TS,
			Type:    e.Type,
			CaseID:  e.CaseID,
			ActorID: e.ActorID,
			Payload: e.Payload,
		})
	}
	return out
}
