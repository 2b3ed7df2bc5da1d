package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events. Every case transition writes one row inside
// the same transaction that mutates the case.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Case lifecycle event types.
const (
	TypeCaseReceived       = "case.received"
	TypeCaseValidating     = "case.validating"
	TypeCaseValidated      = "case.validated"
	TypeCaseRejected       = "case.rejected"
	TypeCaseRiskAssessed   = "case.risk_assessed"
	TypeCaseAwaitingReview = "case.awaiting_review"
	TypeCaseDecision       = "case.decision"
	TypeCaseSettling       = "case.settling"
	TypeCaseSettled        = "case.settled"
	TypeSettlementFailed   = "case.settlement_failed"
	TypeNotificationSent   = "notification.sent"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, caseID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,case_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(caseID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
