package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pixmed/internal/domain"
)

// Scorer applies the refund risk rules in order, first match wins. It is a
// pure function of the request and the original transaction snapshot.
type Scorer struct {
	// HighAmount: amounts strictly above this are HIGH risk.
	HighAmount decimal.Decimal
	// LowAmount: operational-failure refunds at or below this auto-approve.
	LowAmount decimal.Decimal
}

func (s Scorer) Score(req domain.RefundRequest, snap domain.TransactionSnapshot) domain.RiskAssessment {
	amount := snap.Amount
	reason := strings.ToUpper(strings.TrimSpace(req.Reason))

	tier := domain.RiskMedium
	autoApprove := false
	var rule string

	switch {
	case amount.GreaterThan(s.HighAmount):
		tier = domain.RiskHigh
		rule = fmt.Sprintf("amount above high-risk threshold of %s", s.HighAmount.StringFixed(2))
	case reason == domain.ReasonFraudConfirmed:
		rule = "confirmed fraud reason requires analyst attention"
	case reason == domain.ReasonBankOperationalFailure && amount.LessThanOrEqual(s.LowAmount):
		tier = domain.RiskLow
		autoApprove = true
		rule = fmt.Sprintf("low-value operational failure at or below %s", s.LowAmount.StringFixed(2))
	default:
		rule = "default rule, no specific rule triggered"
	}

	rationale := fmt.Sprintf("risk rule: %s; requester=%s reason=%s amount=%s",
		rule, req.RequesterTaxID, req.Reason, amount.StringFixed(2))

	return domain.RiskAssessment{
		Tier:        tier,
		AutoApprove: autoApprove,
		Rationale:   rationale,
	}
}
