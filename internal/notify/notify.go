package notify

import (
	"context"
	"fmt"
	"log/slog"

	"pixmed/internal/domain"
)

// Kind selects the customer message template for one notification site.
type Kind string

const (
	KindInitialRejection Kind = "REJEICAO_INICIAL"
	KindAnalystRejection Kind = "REJEICAO_ANALISE"
	KindSettlementResult Kind = "RESULTADO_PROCESSAMENTO"
)

// Message renders the customer-facing text for a notification kind from case
// data. Pure function; unknown kinds render empty and send nothing.
func Message(kind Kind, c domain.RefundCase) string {
	txID := c.Request.OriginalTransactionID
	switch kind {
	case KindInitialRejection:
		reason := c.RejectionReason
		if reason == "" {
			reason = "Motivo não especificado"
		}
		return fmt.Sprintf("Prezado(a) cliente, sua solicitação de devolução para o PIX (ID Original: %s) não pôde ser aceita. Motivo: %s.", txID, reason)
	case KindAnalystRejection:
		reason := c.AnalystReason
		if reason == "" && c.Risk != nil {
			reason = c.Risk.Rationale
		}
		if reason == "" {
			reason = "Decisão da análise interna"
		}
		return fmt.Sprintf("Prezado(a) cliente, após análise, sua solicitação de devolução para o PIX (ID Original: %s) não pôde ser aprovada. Motivo: %s.", txID, reason)
	case KindSettlementResult:
		if c.Settlement == nil {
			return ""
		}
		amount := "0.00"
		if c.Snapshot != nil {
			amount = c.Snapshot.Amount.StringFixed(2)
		}
		if c.Settlement.Success {
			return fmt.Sprintf("Prezado(a) cliente, sua solicitação de devolução para o PIX (ID Original: %s) no valor de R$ %s foi PROCESSADA COM SUCESSO. ID da transação de devolução: %s.", txID, amount, c.Settlement.ReversalID)
		}
		return fmt.Sprintf("Prezado(a) cliente, houve um problema ao processar financeiramente sua solicitação de devolução para o PIX (ID Original: %s). Detalhe: %s.", txID, c.Settlement.Message)
	default:
		return ""
	}
}

// Sender delivers a customer notification. Best effort: implementations
// never return an error and must not block case progression.
type Sender interface {
	Notify(ctx context.Context, recipientID, message string)
}

// LogSender writes notifications to the structured log. The production
// channel swaps in here without touching the orchestrator.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Notify(_ context.Context, recipientID, message string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("customer notification", "recipient", recipientID, "message", message)
}

// Func adapts a function to the Sender interface; tests use it to record
// deliveries.
type Func func(ctx context.Context, recipientID, message string)

func (f Func) Notify(ctx context.Context, recipientID, message string) {
	f(ctx, recipientID, message)
}
