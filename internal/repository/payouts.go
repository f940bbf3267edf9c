package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainfund/settlement/internal/models"
)

// appendNote appends one audit line to the notes column inside the same UPDATE.
func appendNote(entry models.AuditEntry) clause.Expr {
	return gorm.Expr("COALESCE(notes, '') || ?", entry.Format())
}

func (db *PostgresDB) CreatePayout(ctx context.Context, payout *models.CampaignPayout) error {
	if err := db.Conn.WithContext(ctx).Create(payout).Error; err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetPayout(ctx context.Context, id string) (*models.CampaignPayout, error) {
	var payout models.CampaignPayout
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&payout).Error; err != nil {
		return nil, notFound(err, "payout", id)
	}
	return &payout, nil
}

func (db *PostgresDB) GetPayoutByReference(ctx context.Context, reference string) (*models.CampaignPayout, error) {
	var payout models.CampaignPayout
	if err := db.Conn.WithContext(ctx).Where("reference = ?", reference).First(&payout).Error; err != nil {
		return nil, notFound(err, "payout with reference", reference)
	}
	return &payout, nil
}

func (db *PostgresDB) ListPayouts(ctx context.Context, filter models.PayoutFilter) ([]*models.CampaignPayout, int64, error) {
	scope := func(q *gorm.DB) *gorm.DB {
		if filter.CampaignID != "" {
			q = q.Where("campaign_id = ?", filter.CampaignID)
		}
		if filter.OwnerID != "" {
			q = q.Where("owner_id = ?", filter.OwnerID)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.NeedsReview != nil {
			q = q.Where("needs_review = ?", *filter.NeedsReview)
		}
		return q
	}

	var total int64
	if err := db.Conn.WithContext(ctx).Model(&models.CampaignPayout{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payouts: %w", err)
	}
	var payouts []*models.CampaignPayout
	if err := db.Conn.WithContext(ctx).Model(&models.CampaignPayout{}).Scopes(scope).
		Order("created_at DESC").
		Limit(limitOrDefault(filter.Limit)).Offset(filter.Offset).
		Find(&payouts).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list payouts: %w", err)
	}
	return payouts, total, nil
}

// ListStuckPayouts returns processing payouts with no provider transfer id recorded.
func (db *PostgresDB) ListStuckPayouts(ctx context.Context, limit int) ([]*models.CampaignPayout, error) {
	var payouts []*models.CampaignPayout
	if err := db.Conn.WithContext(ctx).
		Where("status = ?", models.PayoutStatusProcessing).
		Where("transaction_id IS NULL OR transaction_id = '' OR transaction_id = reference").
		Order("updated_at ASC").
		Limit(limit).
		Find(&payouts).Error; err != nil {
		return nil, fmt.Errorf("failed to list stuck payouts: %w", err)
	}
	return payouts, nil
}

func (db *PostgresDB) ListPayoutsToReconcile(ctx context.Context, limit int) ([]*models.CampaignPayout, error) {
	var payouts []*models.CampaignPayout
	if err := db.Conn.WithContext(ctx).
		Where("status = ?", models.PayoutStatusProcessing).
		Order("reconciled_at IS NOT NULL, reconciled_at ASC, created_at ASC").
		Limit(limit).
		Find(&payouts).Error; err != nil {
		return nil, fmt.Errorf("failed to list payouts to reconcile: %w", err)
	}
	return payouts, nil
}

func (db *PostgresDB) MarkPayoutReconciled(ctx context.Context, id string, at time.Time) error {
	err := db.Conn.WithContext(ctx).Model(&models.CampaignPayout{}).
		Where("id = ?", id).
		UpdateColumn("reconciled_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to mark payout %s reconciled: %w", id, err)
	}
	return nil
}

func (db *PostgresDB) TransitionPayout(
	ctx context.Context,
	id string,
	from, to models.PayoutStatus,
	entry models.AuditEntry,
	update models.PayoutUpdate,
) (bool, error) {
	values := map[string]interface{}{
		"status":     to,
		"notes":      appendNote(entry),
		"updated_at": entry.At,
	}
	if update.FailureReason != nil {
		values["failure_reason"] = *update.FailureReason
	}
	if update.ProcessedAt != nil {
		values["processed_at"] = *update.ProcessedAt
	}
	if update.ApprovedBy != nil {
		values["approved_by"] = *update.ApprovedBy
	}
	if update.ApprovedAt != nil {
		values["approved_at"] = *update.ApprovedAt
	}

	res := db.Conn.WithContext(ctx).Model(&models.CampaignPayout{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition payout %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) SetPayoutTransactionID(ctx context.Context, id, transactionID string, entry models.AuditEntry) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.CampaignPayout{}).
		Where("id = ? AND status = ? AND reference <> ?", id, models.PayoutStatusProcessing, transactionID).
		Where("transaction_id IS NULL OR transaction_id = '' OR transaction_id = reference").
		Updates(map[string]interface{}{
			"transaction_id": transactionID,
			"notes":          appendNote(entry),
			"updated_at":     entry.At,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to set transaction id on payout %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) FlagPayoutForReview(ctx context.Context, id, reason string, entry models.AuditEntry) error {
	res := db.Conn.WithContext(ctx).Model(&models.CampaignPayout{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"needs_review":  true,
			"review_reason": reason,
			"notes":         appendNote(entry),
			"updated_at":    entry.At,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to flag payout %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payout %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (db *PostgresDB) SumCommittedPayouts(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	if err := db.Conn.WithContext(ctx).Model(&models.CampaignPayout{}).
		Where("campaign_id = ? AND status NOT IN ?", campaignID,
			[]models.PayoutStatus{models.PayoutStatusFailed, models.PayoutStatusRejected}).
		Pluck("requested_amount", &amounts).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum payouts for campaign %s: %w", campaignID, err)
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}
