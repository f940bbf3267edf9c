package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/testutil"
)

func TestTransitionDonationOnlyOneWinner(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, repo, "1000")
	donation := testutil.CreateDonation(t, repo, campaign.ID, "50")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			ok, err := repo.TransitionDonation(ctx, donation.ID, models.PaymentStatusPending, models.PaymentStatusCompleted,
				models.DonationUpdate{ProviderStatus: "succeeded", ProcessedAt: &now, At: now})
			if err != nil {
				t.Errorf("TransitionDonation: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}
	got, err := repo.GetDonation(ctx, donation.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if got.PaymentStatus != models.PaymentStatusCompleted || got.ProcessedAt == nil {
		t.Fatalf("unexpected donation state: status=%s processed_at=%v", got.PaymentStatus, got.ProcessedAt)
	}
	if got.ProviderStatus != "succeeded" {
		t.Fatalf("expected provider status to be stored, got %q", got.ProviderStatus)
	}
}

func TestRecomputeCampaignAmountSumsCompletedOnly(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, repo, "1000")
	testutil.CreateDonation(t, repo, campaign.ID, "100.50", testutil.WithStatus(models.PaymentStatusCompleted))
	testutil.CreateDonation(t, repo, campaign.ID, "200", testutil.WithStatus(models.PaymentStatusCompleted))
	testutil.CreateDonation(t, repo, campaign.ID, "400", testutil.WithStatus(models.PaymentStatusFailed))
	testutil.CreateDonation(t, repo, campaign.ID, "800")

	got, err := repo.RecomputeCampaignAmount(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("RecomputeCampaignAmount: %v", err)
	}
	if !got.CurrentAmount.Equal(decimal.RequireFromString("300.50")) {
		t.Fatalf("expected 300.50, got %s", got.CurrentAmount)
	}

	empty := testutil.CreateCampaign(t, repo, "10")
	got, err = repo.RecomputeCampaignAmount(ctx, empty.ID)
	if err != nil {
		t.Fatalf("RecomputeCampaignAmount on empty campaign: %v", err)
	}
	if !got.CurrentAmount.IsZero() {
		t.Fatalf("expected zero, got %s", got.CurrentAmount)
	}

	if _, err := repo.RecomputeCampaignAmount(ctx, uuid.NewString()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown campaign, got %v", err)
	}
}

func TestCloseCampaignIsConditional(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, repo, "100")

	now := time.Now().UTC()
	ok, err := repo.CloseCampaign(ctx, campaign.ID, models.CloseReasonGoalReached, now)
	if err != nil || !ok {
		t.Fatalf("first close: ok=%v err=%v", ok, err)
	}
	ok, err = repo.CloseCampaign(ctx, campaign.ID, models.CloseReasonGoalReached, now)
	if err != nil || ok {
		t.Fatalf("second close must be a no-op: ok=%v err=%v", ok, err)
	}

	got, err := repo.GetCampaign(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Status != models.CampaignStatusClosed || got.CloseReason != models.CloseReasonGoalReached || got.ClosedAt == nil {
		t.Fatalf("unexpected campaign: %+v", got)
	}
}

func TestBookCommissionOncePerDonation(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	donationID := uuid.NewString()

	book := func() (bool, error) {
		return repo.BookCommission(ctx, &models.CommissionPayout{
			ID:         uuid.NewString(),
			ChainerID:  uuid.NewString(),
			CampaignID: uuid.NewString(),
			DonationID: donationID,
			Amount:     decimal.RequireFromString("5"),
			Currency:   "USD",
			Rate:       decimal.RequireFromString("0.05"),
			Status:     models.CommissionStatusPending,
		})
	}

	if ok, err := book(); err != nil || !ok {
		t.Fatalf("first booking: ok=%v err=%v", ok, err)
	}
	if ok, err := book(); err != nil || ok {
		t.Fatalf("second booking must be skipped: ok=%v err=%v", ok, err)
	}

	_, total, err := repo.ListCommissions(ctx, models.CommissionFilter{})
	if err != nil {
		t.Fatalf("ListCommissions: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 commission, got %d", total)
	}
}

func TestTransitionPayoutAppendsAudit(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, repo, "100")
	payout := testutil.CreatePayout(t, repo, campaign, "50", models.PayoutStatusPending)

	at := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	actor := "ops@chainfund.io"
	ok, err := repo.TransitionPayout(ctx, payout.ID, models.PayoutStatusPending, models.PayoutStatusApproved,
		models.AuditEntry{At: at, From: models.PayoutStatusPending, To: models.PayoutStatusApproved, Actor: actor},
		models.PayoutUpdate{ApprovedBy: &actor, ApprovedAt: &at})
	if err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}

	// Stale from status loses and writes nothing.
	ok, err = repo.TransitionPayout(ctx, payout.ID, models.PayoutStatusPending, models.PayoutStatusRejected,
		models.AuditEntry{At: at, From: models.PayoutStatusPending, To: models.PayoutStatusRejected, Actor: actor},
		models.PayoutUpdate{})
	if err != nil || ok {
		t.Fatalf("stale transition must fail: ok=%v err=%v", ok, err)
	}

	got, err := repo.GetPayout(ctx, payout.ID)
	if err != nil {
		t.Fatalf("GetPayout: %v", err)
	}
	entries, err := got.AuditLog()
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 1 || entries[0].To != models.PayoutStatusApproved || entries[0].Actor != actor {
		t.Fatalf("unexpected audit log: %+v", entries)
	}
	if got.ApprovedBy == nil || *got.ApprovedBy != actor {
		t.Fatalf("approved_by not stored: %+v", got.ApprovedBy)
	}
}

func TestSetPayoutTransactionIDRejectsReferenceAndOverwrite(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, repo, "100")
	payout := testutil.CreatePayout(t, repo, campaign, "50", models.PayoutStatusProcessing)
	entry := models.AuditEntry{At: time.Now().UTC(), From: models.PayoutStatusProcessing, To: models.PayoutStatusProcessing, Actor: "system"}

	if ok, err := repo.SetPayoutTransactionID(ctx, payout.ID, payout.Reference, entry); err != nil || ok {
		t.Fatalf("reference must never be stored as transaction id: ok=%v err=%v", ok, err)
	}

	stuck, err := repo.ListStuckPayouts(ctx, 10)
	if err != nil {
		t.Fatalf("ListStuckPayouts: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != payout.ID {
		t.Fatalf("expected payout to be stuck, got %d", len(stuck))
	}

	if ok, err := repo.SetPayoutTransactionID(ctx, payout.ID, "TRF_1", entry); err != nil || !ok {
		t.Fatalf("set transaction id: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.SetPayoutTransactionID(ctx, payout.ID, "TRF_2", entry); err != nil || ok {
		t.Fatalf("existing transaction id must not be overwritten: ok=%v err=%v", ok, err)
	}

	stuck, err = repo.ListStuckPayouts(ctx, 10)
	if err != nil {
		t.Fatalf("ListStuckPayouts: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected no stuck payouts, got %d", len(stuck))
	}
}

func TestSumCommittedPayoutsIgnoresFailedAndRejected(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, repo, "1000")

	testutil.CreatePayout(t, repo, campaign, "100", models.PayoutStatusPending)
	testutil.CreatePayout(t, repo, campaign, "200", models.PayoutStatusCompleted)
	testutil.CreatePayout(t, repo, campaign, "300", models.PayoutStatusFailed)
	testutil.CreatePayout(t, repo, campaign, "400", models.PayoutStatusRejected)

	sum, err := repo.SumCommittedPayouts(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("SumCommittedPayouts: %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("expected 300, got %s", sum)
	}
}

func TestAcquireLockLease(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()

	if ok, err := repo.AcquireLock(ctx, "sweep", "a", time.Minute); err != nil || !ok {
		t.Fatalf("a acquires: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.AcquireLock(ctx, "sweep", "b", time.Minute); err != nil || ok {
		t.Fatalf("b must not acquire a live lease: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.AcquireLock(ctx, "sweep", "a", time.Minute); err != nil || !ok {
		t.Fatalf("a renews: ok=%v err=%v", ok, err)
	}
	if err := repo.ReleaseLock(ctx, "sweep", "a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if ok, err := repo.AcquireLock(ctx, "sweep", "b", time.Minute); err != nil || !ok {
		t.Fatalf("b acquires after release: ok=%v err=%v", ok, err)
	}
}

func TestDeleteDonationOnlyUninitialized(t *testing.T) {
	t.Parallel()
	repo := testutil.NewRepository(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, repo, "100")

	withRef := testutil.CreateDonation(t, repo, campaign.ID, "10")
	if err := repo.DeleteDonation(ctx, withRef.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	bare := &models.Donation{
		ID:            uuid.NewString(),
		CampaignID:    campaign.ID,
		Amount:        decimal.RequireFromString("10"),
		Currency:      "USD",
		PaymentMethod: models.PaymentMethodPaystack,
		PaymentStatus: models.PaymentStatusPending,
	}
	if err := repo.CreateDonation(ctx, bare); err != nil {
		t.Fatalf("CreateDonation: %v", err)
	}
	if err := repo.DeleteDonation(ctx, bare.ID); err != nil {
		t.Fatalf("DeleteDonation: %v", err)
	}
	if _, err := repo.GetDonation(ctx, bare.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
