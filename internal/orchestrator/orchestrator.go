package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pixmed/internal/config"
	"pixmed/internal/domain"
	"pixmed/internal/events"
	"pixmed/internal/notify"
	"pixmed/internal/repo"
	"pixmed/internal/risk"
	"pixmed/internal/rules"
	"pixmed/internal/settlement"
)

// InputError marks a malformed request. No case row exists for it.
type InputError struct{ Msg string }

func (e InputError) Error() string { return e.Msg }

// ProtocolError marks an operation attempted against a case whose current
// state does not allow it. The case is left untouched.
type ProtocolError struct{ Msg string }

func (e ProtocolError) Error() string { return e.Msg }

// CaseValidator checks a refund request's eligibility and resolves the
// original transaction snapshot.
type CaseValidator interface {
	Validate(ctx context.Context, req domain.RefundRequest) (rules.Result, error)
}

// Orchestrator drives a refund case from intake to a terminal state. All
// case mutations go through transition, which updates the row and appends
// the audit event in one database transaction.
type Orchestrator struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Validator CaseValidator
	Scorer    risk.Scorer
	Gateway   *settlement.Gateway
	Notifier  notify.Sender
	Logger    *slog.Logger
	Now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	return &Orchestrator{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Validator: rules.Validator{
			Ledger:       r,
			DeadlineDays: cfg.Validation.DeadlineDays,
			Accepted:     cfg.AcceptedReason,
		},
		Scorer: risk.Scorer{
			HighAmount: cfg.HighRiskAmount(),
			LowAmount:  cfg.LowRiskAmount(),
		},
		Gateway:  settlement.New(db, cfg.BlockedAccountSet(), logger),
		Notifier: notify.LogSender{Logger: logger},
		Logger:   logger,
		Now:      time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// caseLock returns the mutex serializing mutations of one case. Locks are
// never released back; the map grows with the case population, which is
// bounded by intake volume.
func (o *Orchestrator) caseLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = map[string]*sync.Mutex{}
	}
	m, ok := o.locks[id]
	if !ok {
		m = &sync.Mutex{}
		o.locks[id] = m
	}
	return m
}

// newOperationID mints the refund operation identifier recorded on the
// ledger reversal. Format: DEV- followed by 18 uppercase hex characters.
func newOperationID() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "DEV-" + raw[:18]
}

// Submit registers a refund request and runs it through validation, risk
// assessment and, when auto-approved, settlement. It returns the case as it
// stands when the pipeline parks or terminates.
func (o *Orchestrator) Submit(ctx context.Context, req domain.RefundRequest, actorID string) (domain.RefundCase, error) {
	if err := req.Validate(); err != nil {
		return domain.RefundCase{}, InputError{Msg: err.Error()}
	}
	now := o.now().UTC().Format(time.RFC3339)
	c := domain.RefundCase{
		ID:        uuid.NewString(),
		Status:    domain.StateReceived,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RefundCase{}, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		return domain.RefundCase{}, fmt.Errorf("insert case: %w", err)
	}
	if err := o.Events.Append(ctx, tx, events.TypeCaseReceived, c.ID, actorID, events.EventPayload{
		"original_tx_id": req.OriginalTransactionID,
		"reason":         req.Reason,
	}); err != nil {
		return domain.RefundCase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RefundCase{}, err
	}

	o.Logger.Info("refund case received", "case", c.ID, "tx", req.OriginalTransactionID, "reason", req.Reason)
	return o.advance(ctx, c, actorID)
}

// advance runs the automated pipeline for a freshly received case.
func (o *Orchestrator) advance(ctx context.Context, c domain.RefundCase, actorID string) (domain.RefundCase, error) {
	lock := o.caseLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.transition(ctx, &c, domain.StateValidating, events.TypeCaseValidating, actorID, nil); err != nil {
		return c, err
	}

	res, err := o.Validator.Validate(ctx, c.Request)
	if err != nil {
		return c, err
	}
	if !res.Valid {
		return o.reject(ctx, c, res.Reason, actorID)
	}
	if res.Snapshot == nil {
		// cannot assess risk without the original transaction on file
		o.Logger.Error("validation passed without a transaction snapshot", "case", c.ID)
		return o.reject(ctx, c, "internal error: original transaction data unavailable", actorID)
	}

	c.Snapshot = res.Snapshot
	if err := o.transition(ctx, &c, domain.StateValidated, events.TypeCaseValidated, actorID, events.EventPayload{
		"amount": c.Snapshot.Amount.StringFixed(2),
		"payer":  c.Snapshot.PayerID,
		"payee":  c.Snapshot.PayeeID,
	}); err != nil {
		return c, err
	}
	assessment := o.Scorer.Score(c.Request, *c.Snapshot)
	c.Risk = &assessment
	if err := o.transition(ctx, &c, domain.StateAssessingRisk, events.TypeCaseRiskAssessed, actorID, events.EventPayload{
		"tier":         assessment.Tier,
		"auto_approve": assessment.AutoApprove,
		"rationale":    assessment.Rationale,
	}); err != nil {
		return c, err
	}
	o.Logger.Info("risk assessed", "case", c.ID, "tier", assessment.Tier, "auto_approve", assessment.AutoApprove)

	if assessment.AutoApprove {
		if err := o.transition(ctx, &c, domain.StateReadyToSettle, events.TypeCaseDecision, actorID, events.EventPayload{
			"tier":      assessment.Tier,
			"rationale": assessment.Rationale,
			"automatic": true,
		}); err != nil {
			return c, err
		}
		return o.settle(ctx, c, actorID)
	}

	if err := o.transition(ctx, &c, domain.StateAwaitingManualReview, events.TypeCaseAwaitingReview, actorID, events.EventPayload{
		"tier":      assessment.Tier,
		"rationale": assessment.Rationale,
	}); err != nil {
		return c, err
	}
	return c, nil
}

// Decide applies an analyst verdict to a case parked for manual review.
func (o *Orchestrator) Decide(ctx context.Context, caseID, decision, reason, actorID string) (domain.RefundCase, error) {
	decision = strings.ToUpper(strings.TrimSpace(decision))
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return domain.RefundCase{}, InputError{Msg: fmt.Sprintf("decisaoAnalista must be %s or %s", domain.DecisionApprove, domain.DecisionReject)}
	}

	lock := o.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()

	c, err := o.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.RefundCase{}, err
	}
	if c.Status != domain.StateAwaitingManualReview {
		return c, ProtocolError{Msg: fmt.Sprintf("case %s is %s, not awaiting manual review", c.ID, c.Status)}
	}

	c.AnalystDecision = decision
	c.AnalystReason = strings.TrimSpace(reason)
	o.Logger.Info("analyst decision", "case", c.ID, "decision", decision, "actor", actorID)

	if decision == domain.DecisionReject {
		rejectionReason := c.AnalystReason
		if rejectionReason == "" && c.Risk != nil {
			rejectionReason = c.Risk.Rationale
		}
		if err := o.transition(ctx, &c, domain.StateRejectedByAnalyst, events.TypeCaseDecision, actorID, events.EventPayload{
			"decision": decision,
			"reason":   rejectionReason,
		}); err != nil {
			return c, err
		}
		o.sendNotification(ctx, c, notify.KindAnalystRejection, actorID)
		return c, nil
	}

	if err := o.transition(ctx, &c, domain.StateReadyToSettle, events.TypeCaseDecision, actorID, events.EventPayload{
		"decision": decision,
	}); err != nil {
		return c, err
	}
	return o.settle(ctx, c, actorID)
}

// reject moves a case to REJECTED_INVALID and notifies the requester.
// Caller holds the case lock.
func (o *Orchestrator) reject(ctx context.Context, c domain.RefundCase, reason, actorID string) (domain.RefundCase, error) {
	c.RejectionReason = reason
	if err := o.transition(ctx, &c, domain.StateRejectedInvalid, events.TypeCaseRejected, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return c, err
	}
	o.Logger.Info("refund case rejected", "case", c.ID, "reason", reason)
	o.sendNotification(ctx, c, notify.KindInitialRejection, actorID)
	return c, nil
}

// settle executes the ledger reversal for an approved case. Caller holds the
// case lock and the case is READY_TO_SETTLE.
func (o *Orchestrator) settle(ctx context.Context, c domain.RefundCase, actorID string) (domain.RefundCase, error) {
	if c.Snapshot == nil {
		o.Logger.Error("case approved for settlement without a snapshot", "case", c.ID)
		return c, fmt.Errorf("case %s has no transaction snapshot", c.ID)
	}
	operationID := newOperationID()
	if err := o.transition(ctx, &c, domain.StateSettling, events.TypeCaseSettling, actorID, events.EventPayload{
		"operation_id": operationID,
	}); err != nil {
		return c, err
	}

	// refund flows payee back to payer
	outcome, err := o.Gateway.Settle(ctx, operationID, c.Snapshot.PayeeID, c.Snapshot.PayerID, c.Snapshot.Amount)
	if err != nil {
		return c, err
	}
	c.Settlement = &outcome

	if outcome.Success {
		if err := o.transition(ctx, &c, domain.StateSettled, events.TypeCaseSettled, actorID, events.EventPayload{
			"operation_id": operationID,
			"message":      outcome.Message,
		}); err != nil {
			return c, err
		}
	} else {
		o.Logger.Error("settlement failed", "case", c.ID, "detail", outcome.Message)
		if err := o.transition(ctx, &c, domain.StateSettlementFailed, events.TypeSettlementFailed, actorID, events.EventPayload{
			"operation_id": operationID,
			"message":      outcome.Message,
		}); err != nil {
			return c, err
		}
	}
	o.sendNotification(ctx, c, notify.KindSettlementResult, actorID)
	return c, nil
}

// transition moves a case to the next state, persisting the row and the
// audit event atomically. The UPDATE is guarded by the previous status so a
// concurrent writer cannot be silently overwritten.
func (o *Orchestrator) transition(ctx context.Context, c *domain.RefundCase, to, evtType, actorID string, payload events.EventPayload) error {
	if err := ensureCaseTransition(c.Status, to); err != nil {
		return err
	}
	from := c.Status
	c.Status = to
	now := o.now().UTC().Format(time.RFC3339)
	c.UpdatedAt = now
	if domain.TerminalState(to) {
		c.ArchivedAt = &now
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateCaseTx(ctx, tx, *c, from); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ProtocolError{Msg: fmt.Sprintf("case %s left %s under a concurrent writer", c.ID, from)}
		}
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = from
	payload["to"] = to
	if err := o.Events.Append(ctx, tx, evtType, c.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureCaseTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StateReceived:
		if newStatus == domain.StateValidating {
			return nil
		}
	case domain.StateValidating:
		if newStatus == domain.StateValidated || newStatus == domain.StateRejectedInvalid {
			return nil
		}
	case domain.StateValidated:
		if newStatus == domain.StateAssessingRisk {
			return nil
		}
	case domain.StateAssessingRisk:
		if newStatus == domain.StateAwaitingManualReview || newStatus == domain.StateReadyToSettle {
			return nil
		}
	case domain.StateAwaitingManualReview:
		if newStatus == domain.StateReadyToSettle || newStatus == domain.StateRejectedByAnalyst {
			return nil
		}
	case domain.StateReadyToSettle:
		if newStatus == domain.StateSettling {
			return nil
		}
	case domain.StateSettling:
		if newStatus == domain.StateSettled || newStatus == domain.StateSettlementFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid case status transition %s -> %s", oldStatus, newStatus)
}

// sendNotification renders and delivers the customer message for a
// lifecycle milestone. Delivery is best effort and never interrupts the
// case; the audit log still records the attempt.
func (o *Orchestrator) sendNotification(ctx context.Context, c domain.RefundCase, kind notify.Kind, actorID string) {
	message := notify.Message(kind, c)
	if message == "" {
		return
	}
	o.Notifier.Notify(ctx, c.Request.RequesterTaxID, message)

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		o.Logger.Warn("notification audit event not written", "case", c.ID, "err", err)
		return
	}
	defer tx.Rollback()
	if err := o.Events.Append(ctx, tx, events.TypeNotificationSent, c.ID, actorID, events.EventPayload{
		"kind":      string(kind),
		"recipient": c.Request.RequesterTaxID,
	}); err != nil {
		o.Logger.Warn("notification audit event not written", "case", c.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		o.Logger.Warn("notification audit event not written", "case", c.ID, "err", err)
	}
}

// GetCase fetches one case by id.
func (o *Orchestrator) GetCase(ctx context.Context, id string) (domain.RefundCase, error) {
	return o.Repo.GetCase(ctx, id)
}

// ListCases lists cases newest first with optional status filter and keyset
// pagination.
func (o *Orchestrator) ListCases(ctx context.Context, f repo.CaseFilters) ([]domain.RefundCase, error) {
	return o.Repo.ListCases(ctx, f)
}

// CaseEvents returns the audit trail for one case, oldest first.
func (o *Orchestrator) CaseEvents(ctx context.Context, caseID string) ([]domain.Event, error) {
	if _, err := o.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return o.Repo.CaseEvents(ctx, caseID)
}
