package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainfund/settlement/internal/models"
)

func (db *PostgresDB) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	if err := db.Conn.WithContext(ctx).Create(campaign).Error; err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&campaign).Error; err != nil {
		return nil, notFound(err, "campaign", id)
	}
	return &campaign, nil
}

// RecomputeCampaignAmount rewrites current_amount from the donations table in one
// statement, so concurrent callers always leave the latest sum behind.
func (db *PostgresDB) RecomputeCampaignAmount(ctx context.Context, campaignID string) (*models.Campaign, error) {
	total := db.Conn.Model(&models.Donation{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("campaign_id = ? AND payment_status = ?", campaignID, models.PaymentStatusCompleted)

	res := db.Conn.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update("current_amount", total)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to recompute campaign %s: %w", campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, models.ErrNotFound)
	}
	return db.GetCampaign(ctx, campaignID)
}

func (db *PostgresDB) CloseCampaign(ctx context.Context, campaignID, reason string, at time.Time) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignStatusActive).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusClosed,
			"closed_at":    at,
			"close_reason": reason,
			"updated_at":   at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to close campaign %s: %w", campaignID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) BookCommission(ctx context.Context, commission *models.CommissionPayout) (bool, error) {
	res := db.Conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "donation_id"}},
			DoNothing: true,
		}).
		Create(commission)
	if res.Error != nil {
		return false, fmt.Errorf("failed to book commission for donation %s: %w", commission.DonationID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) GetCommissionByDonation(ctx context.Context, donationID string) (*models.CommissionPayout, error) {
	var commission models.CommissionPayout
	if err := db.Conn.WithContext(ctx).Where("donation_id = ?", donationID).First(&commission).Error; err != nil {
		return nil, notFound(err, "commission for donation", donationID)
	}
	return &commission, nil
}

func (db *PostgresDB) ListCommissions(ctx context.Context, filter models.CommissionFilter) ([]*models.CommissionPayout, int64, error) {
	scope := func(q *gorm.DB) *gorm.DB {
		if filter.ChainerID != "" {
			q = q.Where("chainer_id = ?", filter.ChainerID)
		}
		if filter.CampaignID != "" {
			q = q.Where("campaign_id = ?", filter.CampaignID)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		return q
	}

	var total int64
	if err := db.Conn.WithContext(ctx).Model(&models.CommissionPayout{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count commissions: %w", err)
	}
	var commissions []*models.CommissionPayout
	if err := db.Conn.WithContext(ctx).Model(&models.CommissionPayout{}).Scopes(scope).
		Order("created_at DESC").
		Limit(limitOrDefault(filter.Limit)).Offset(filter.Offset).
		Find(&commissions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list commissions: %w", err)
	}
	return commissions, total, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
