package settlement

import (
	"context"
	"time"

	"github.com/chainfund/settlement/internal/models"
)

// repoLifecycle closes campaigns with the repository's conditional update.
type repoLifecycle struct {
	repo models.Repository
	now  func() time.Time
}

func (l *repoLifecycle) CloseCampaign(ctx context.Context, campaignID, reason, _ string) (bool, error) {
	return l.repo.CloseCampaign(ctx, campaignID, reason, l.now())
}

// Recompute rebuilds the campaign total from its completed donations and closes the
// campaign the first time the total reaches the goal threshold.
func (s *Service) Recompute(ctx context.Context, campaignID string) (*models.Campaign, error) {
	campaign, err := s.repo.RecomputeCampaignAmount(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("campaign amount recomputed", "campaign_id", campaignID,
		"current_amount", campaign.CurrentAmount, "goal_amount", campaign.GoalAmount)

	if !campaign.GoalReached() {
		return campaign, nil
	}

	closed, err := s.lifecycle.CloseCampaign(ctx, campaign.ID, models.CloseReasonGoalReached, campaign.OwnerID)
	if err != nil {
		return campaign, err
	}
	if !closed {
		return campaign, nil
	}

	s.logger.Infow("campaign closed", "campaign_id", campaign.ID, "reason", models.CloseReasonGoalReached,
		"current_amount", campaign.CurrentAmount, "goal_amount", campaign.GoalAmount)
	campaign.Status = models.CampaignStatusClosed
	campaign.CloseReason = models.CloseReasonGoalReached
	s.notifier.SendNotification(&models.Notification{
		Kind:       models.NotificationCampaignClosed,
		CampaignID: campaign.ID,
		Amount:     campaign.CurrentAmount,
		Currency:   campaign.Currency,
		Reason:     models.CloseReasonGoalReached,
	})
	return campaign, nil
}
