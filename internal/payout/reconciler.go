package payout

import (
	"context"
	"fmt"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/logger"
)

// ActorReconciler is recorded in the audit log for reconciler decisions.
const ActorReconciler = "reconciler"

type ReconcileAction string

const (
	ActionCompleted ReconcileAction = "completed"
	ActionFailed    ReconcileAction = "failed"
	ActionUnchanged ReconcileAction = "unchanged"
	ActionFlagged   ReconcileAction = "flagged"
	// ActionSkipped covers payouts that never reached the provider.
	ActionSkipped ReconcileAction = "skipped"
)

type ReconcileResult struct {
	PayoutID       string                `json:"payout_id"`
	StoredStatus   models.PayoutStatus   `json:"stored_status"`
	ProviderStatus models.TransferStatus `json:"provider_status,omitempty"`
	TransactionID  string                `json:"transaction_id,omitempty"`
	// Adopted is set when the transfer was found by our reference and its id recorded.
	Adopted bool            `json:"adopted,omitempty"`
	Action  ReconcileAction `json:"action"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ReconcileReport struct {
	Checked   int               `json:"checked"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Unchanged int               `json:"unchanged"`
	Flagged   int               `json:"flagged"`
	Errors    int               `json:"errors"`
	Results   []ReconcileResult `json:"results"`
}

// Reconciler compares stored payouts with the provider's view of their transfers.
type Reconciler struct {
	logger    *logger.Logger
	repo      models.Repository
	adapter   models.PaymentAdapter
	payouts   *Service
	batchSize int
}

func NewReconciler(payouts *Service, batchSize int, logger *logger.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		logger:    logger,
		repo:      payouts.repo,
		adapter:   payouts.adapter,
		payouts:   payouts,
		batchSize: batchSize,
	}
}

// Reconcile applies the provider's transfer status to one payout. Stored terminal
// statuses are never rewritten; disagreements are flagged for a human.
func (r *Reconciler) Reconcile(ctx context.Context, id string) (*ReconcileResult, error) {
	p, err := r.repo.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{PayoutID: p.ID, StoredStatus: p.Status}

	switch p.Status {
	case models.PayoutStatusProcessing, models.PayoutStatusCompleted, models.PayoutStatusFailed:
	default:
		res.Action = ActionSkipped
		return res, nil
	}

	if p.TransactionID != nil && *p.TransactionID == p.Reference && p.Status == models.PayoutStatusProcessing {
		if err := r.flag(ctx, p, res, "transaction id equals internal reference"); err != nil {
			return res, err
		}
	}

	var t *models.Transfer
	if p.HasTransfer() {
		t, err = r.adapter.TransferStatus(ctx, p.PayoutProvider, *p.TransactionID)
	} else {
		t, err = r.adapter.FindTransferByReference(ctx, p.PayoutProvider, p.Reference)
	}
	if err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("reconcile payout %s: %w", p.ID, err)
	}
	res.ProviderStatus = t.Status
	res.TransactionID = t.TransactionID

	if t.Status == models.TransferNotFound {
		return res, r.flag(ctx, p, res, "transfer not found at provider")
	}

	if !p.HasTransfer() && p.Status == models.PayoutStatusProcessing {
		if err := r.adopt(ctx, p, t); err != nil {
			res.Error = err.Error()
			return res, err
		}
		res.Adopted = true
	}

	switch p.Status {
	case models.PayoutStatusProcessing:
		return r.settle(ctx, p, t, res)
	case models.PayoutStatusCompleted:
		if t.Status != models.TransferSuccess {
			return res, r.flag(ctx, p, res, fmt.Sprintf("stored completed but provider reports %s", t.Status))
		}
	case models.PayoutStatusFailed:
		if t.Status != models.TransferFailed {
			return res, r.flag(ctx, p, res, fmt.Sprintf("stored failed but provider reports %s", t.Status))
		}
	}
	res.Action = ActionUnchanged
	return res, nil
}

// ReconcileReference reconciles the payout sent to the provider under reference. Transfer
// webhooks only name our reference, so they go through here.
func (r *Reconciler) ReconcileReference(ctx context.Context, reference string) (*ReconcileResult, error) {
	p, err := r.repo.GetPayoutByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return r.Reconcile(ctx, p.ID)
}

func (r *Reconciler) adopt(ctx context.Context, p *models.CampaignPayout, t *models.Transfer) error {
	if t.TransactionID == "" || t.TransactionID == p.Reference {
		return fmt.Errorf("%w: provider transfer for %s has no distinct id", models.ErrStatusConflict, p.Reference)
	}
	entry := models.AuditEntry{
		At:     r.payouts.nowFn(),
		From:   p.Status,
		To:     p.Status,
		Actor:  ActorReconciler,
		Reason: "adopted transfer " + t.TransactionID + " found by reference",
	}
	ok, err := r.repo.SetPayoutTransactionID(ctx, p.ID, t.TransactionID, entry)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: payout %s changed during reconciliation", models.ErrInvalidTransition, p.ID)
	}
	r.logger.Infow("adopted provider transfer", "payout_id", p.ID, "reference", p.Reference, "transaction_id", t.TransactionID)
	return nil
}

func (r *Reconciler) settle(ctx context.Context, p *models.CampaignPayout, t *models.Transfer, res *ReconcileResult) (*ReconcileResult, error) {
	var (
		status models.PayoutStatus
		reason string
	)
	switch t.Status {
	case models.TransferSuccess:
		status, reason, res.Action = models.PayoutStatusCompleted, "provider reported "+t.ProviderStatus, ActionCompleted
	case models.TransferFailed:
		status, reason, res.Action = models.PayoutStatusFailed, t.FailureReason, ActionFailed
		if reason == "" {
			reason = "provider reported " + t.ProviderStatus
		}
	default:
		// pending or awaiting OTP
		res.Action = ActionUnchanged
		return res, nil
	}

	if _, err := r.payouts.MarkTerminal(ctx, p.ID, status, ActorReconciler, reason); err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Reason = reason
	return res, nil
}

func (r *Reconciler) flag(ctx context.Context, p *models.CampaignPayout, res *ReconcileResult, reason string) error {
	res.Action = ActionFlagged
	res.Reason = reason
	return r.payouts.flag(ctx, p, ActorReconciler, reason)
}

// ReconcileAll reconciles one batch of processing payouts, least recently checked
// first. A failure on one payout is
// recorded and the batch continues.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	payouts, err := r.repo.ListPayoutsToReconcile(ctx, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing payouts: %w", err)
	}

	report := &ReconcileReport{Results: make([]ReconcileResult, 0, len(payouts))}
	for _, p := range payouts {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		res, err := r.Reconcile(ctx, p.ID)
		if merr := r.repo.MarkPayoutReconciled(ctx, p.ID, r.payouts.nowFn()); merr != nil {
			r.logger.Warnw("failed to stamp reconciliation", "payout_id", p.ID, "error", merr)
		}
		if res == nil {
			res = &ReconcileResult{PayoutID: p.ID, StoredStatus: p.Status}
		}
		if err != nil {
			report.Errors++
			res.Error = err.Error()
			r.logger.Warnw("payout reconciliation failed", "payout_id", p.ID, "error", err)
		} else {
			switch res.Action {
			case ActionCompleted:
				report.Completed++
			case ActionFailed:
				report.Failed++
			case ActionFlagged:
				report.Flagged++
			default:
				report.Unchanged++
			}
		}
		report.Results = append(report.Results, *res)
	}

	r.logger.Infow("payout reconciliation finished", "checked", report.Checked, "completed", report.Completed,
		"failed", report.Failed, "flagged", report.Flagged, "errors", report.Errors)
	return report, nil
}
