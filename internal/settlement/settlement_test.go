package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/provider"
	"github.com/chainfund/settlement/internal/repository"
	"github.com/chainfund/settlement/internal/settlement"
	"github.com/chainfund/settlement/internal/testutil"
	"github.com/chainfund/settlement/pkg/logger"
)

type harness struct {
	repo     *repository.PostgresDB
	adapter  *testutil.FakeAdapter
	notifier *testutil.Notifier
	closes   *countingLifecycle
	svc      *settlement.Service
}

// countingLifecycle records every close attempt that actually closed a campaign.
type countingLifecycle struct {
	repo models.Repository

	mu     sync.Mutex
	closed int
}

func (l *countingLifecycle) CloseCampaign(ctx context.Context, campaignID, reason, _ string) (bool, error) {
	ok, err := l.repo.CloseCampaign(ctx, campaignID, reason, time.Now().UTC())
	if ok {
		l.mu.Lock()
		l.closed++
		l.mu.Unlock()
	}
	return ok, err
}

func (l *countingLifecycle) Closed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T, opts ...settlement.Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, settlement.Config{
		GracePeriod: 5 * time.Minute,
		BatchSize:   100,
		Delay:       time.Millisecond,
	}, opts...)
}

func newHarnessWithConfig(t *testing.T, cfg settlement.Config, opts ...settlement.Option) *harness {
	t.Helper()
	h := &harness{
		repo:     testutil.NewRepository(t),
		adapter:  testutil.NewFakeAdapter(),
		notifier: &testutil.Notifier{},
	}
	h.closes = &countingLifecycle{repo: h.repo}
	opts = append([]settlement.Option{
		settlement.WithLifecycle(h.closes),
		settlement.WithSleep(noSleep),
	}, opts...)
	h.svc = settlement.NewService(h.repo, h.adapter, h.notifier, logger.NewNop(), cfg, opts...)
	return h
}

func (h *harness) campaignAmount(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	c, err := h.repo.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	return c.CurrentAmount
}

func (h *harness) commissions(t *testing.T, campaignID string) int64 {
	t.Helper()
	_, total, err := h.repo.ListCommissions(context.Background(), models.CommissionFilter{CampaignID: campaignID})
	if err != nil {
		t.Fatalf("ListCommissions: %v", err)
	}
	return total
}

func TestVerifyIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000", testutil.WithCommissionRate("0.10"))
	d := testutil.CreateDonation(t, h.repo, campaign.ID, "50", testutil.WithChainer(uuid.NewString()))
	h.adapter.SetPayment(d.Reference(), models.OutcomeVerified, "succeeded")

	first, err := h.svc.Verify(ctx, d.ID)
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if !first.Transitioned || first.Status != models.PaymentStatusCompleted {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := h.svc.Verify(ctx, d.ID)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if second.Transitioned || second.Outcome != "" {
		t.Fatalf("second verify must short-circuit, got %+v", second)
	}
	if calls := h.adapter.VerifyCalls(d.Reference()); calls != 1 {
		t.Fatalf("expected one provider call, got %d", calls)
	}
	if n := h.notifier.Count(models.NotificationDonationCompleted); n != 1 {
		t.Fatalf("expected one completion notification, got %d", n)
	}
	if n := h.commissions(t, campaign.ID); n != 1 {
		t.Fatalf("expected one commission, got %d", n)
	}
	c, err := h.repo.GetCommissionByDonation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetCommissionByDonation: %v", err)
	}
	if !c.Amount.Equal(decimal.RequireFromString("5")) || c.Currency != "USD" {
		t.Fatalf("unexpected commission %s %s", c.Amount, c.Currency)
	}
}

func TestVerifyNotVerifiedFailsDonation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000")
	d := testutil.CreateDonation(t, h.repo, campaign.ID, "20")
	h.adapter.SetPayment(d.Reference(), models.OutcomeNotVerified, "requires_payment_method")

	res, err := h.svc.Verify(ctx, d.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Status != models.PaymentStatusFailed || !res.Transitioned {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := h.repo.GetDonation(ctx, d.ID)
	if got.ProviderStatus != "requires_payment_method" || got.ProcessedAt != nil {
		t.Fatalf("unexpected stored donation %+v", got)
	}
	if !h.campaignAmount(t, campaign.ID).IsZero() {
		t.Fatalf("failed donation must not count towards the campaign")
	}
	if n := h.notifier.Count(models.NotificationDonationCompleted); n != 0 {
		t.Fatalf("unexpected notification")
	}
}

func TestVerifyAdapterErrorLeavesPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000")
	d := testutil.CreateDonation(t, h.repo, campaign.ID, "20")
	h.adapter.FailPayment(d.Reference(), &provider.AdapterError{
		Provider: models.PaymentMethodStripe, Kind: provider.KindNetwork, Op: "verify_payment",
		Err: context.DeadlineExceeded,
	})

	_, err := h.svc.Verify(ctx, d.ID)
	if !provider.IsAdapterError(err) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	got, _ := h.repo.GetDonation(ctx, d.ID)
	if got.PaymentStatus != models.PaymentStatusPending {
		t.Fatalf("adapter error must leave donation pending, got %s", got.PaymentStatus)
	}
}

func TestVerifyInFlightLeavesPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000")
	d := testutil.CreateDonation(t, h.repo, campaign.ID, "20")
	h.adapter.SetPayment(d.Reference(), models.OutcomeInFlight, "processing")

	res, err := h.svc.Verify(ctx, d.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Status != models.PaymentStatusPending || res.Transitioned {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestScenarioWebhookRacesSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000")
	d := testutil.CreateDonation(t, h.repo, campaign.ID, "50")
	h.adapter.SetPayment(d.Reference(), models.OutcomeVerified, "succeeded")

	var (
		wg          sync.WaitGroup
		webhookRes  *settlement.VerifyResult
		webhookErr  error
		sweepReport *settlement.SweepReport
		sweepErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		webhookRes, webhookErr = h.svc.HandleProviderEvent(ctx, models.PaymentMethodStripe, d.Reference())
	}()
	go func() {
		defer wg.Done()
		sweepReport, sweepErr = h.svc.Sweep(ctx)
	}()
	wg.Wait()

	if webhookErr != nil || sweepErr != nil {
		t.Fatalf("webhook err=%v sweep err=%v", webhookErr, sweepErr)
	}
	transitions := sweepReport.Completed
	if webhookRes.Transitioned {
		transitions++
	}
	if transitions != 1 {
		t.Fatalf("expected exactly one completed transition, got %d", transitions)
	}
	if got := h.campaignAmount(t, campaign.ID); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected campaign total 50, got %s", got)
	}
	if n := h.notifier.Count(models.NotificationDonationCompleted); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestScenarioGoalClosureOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000")
	testutil.CreateDonation(t, h.repo, campaign.ID, "980", testutil.WithStatus(models.PaymentStatusCompleted))
	if _, err := h.svc.Recompute(ctx, campaign.ID); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	// 985 is below 99% of 1000.
	d1 := testutil.CreateDonation(t, h.repo, campaign.ID, "5")
	h.adapter.SetPayment(d1.Reference(), models.OutcomeVerified, "succeeded")
	if _, err := h.svc.Verify(ctx, d1.ID); err != nil {
		t.Fatalf("Verify d1: %v", err)
	}
	c, _ := h.repo.GetCampaign(ctx, campaign.ID)
	if !c.CurrentAmount.Equal(decimal.NewFromInt(985)) || c.Status != models.CampaignStatusActive {
		t.Fatalf("expected active campaign at 985, got %s %s", c.Status, c.CurrentAmount)
	}

	d2 := testutil.CreateDonation(t, h.repo, campaign.ID, "10")
	h.adapter.SetPayment(d2.Reference(), models.OutcomeVerified, "succeeded")
	if _, err := h.svc.Verify(ctx, d2.ID); err != nil {
		t.Fatalf("Verify d2: %v", err)
	}
	c, _ = h.repo.GetCampaign(ctx, campaign.ID)
	if !c.CurrentAmount.Equal(decimal.NewFromInt(995)) || c.Status != models.CampaignStatusClosed {
		t.Fatalf("expected closed campaign at 995, got %s %s", c.Status, c.CurrentAmount)
	}
	if c.CloseReason != models.CloseReasonGoalReached {
		t.Fatalf("unexpected close reason %q", c.CloseReason)
	}

	for i := 0; i < 5; i++ {
		if _, err := h.svc.Recompute(ctx, campaign.ID); err != nil {
			t.Fatalf("Recompute: %v", err)
		}
	}
	if n := h.closes.Closed(); n != 1 {
		t.Fatalf("expected one closure, got %d", n)
	}
	if n := h.notifier.Count(models.NotificationCampaignClosed); n != 1 {
		t.Fatalf("expected one closure notification, got %d", n)
	}
}

func TestRecomputeSelfHeals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "100000")
	testutil.CreateDonation(t, h.repo, campaign.ID, "10.25", testutil.WithStatus(models.PaymentStatusCompleted))
	testutil.CreateDonation(t, h.repo, campaign.ID, "4.75", testutil.WithStatus(models.PaymentStatusCompleted))

	// drift the cached total
	if err := h.repo.Conn.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Update("current_amount", decimal.NewFromInt(999)).Error; err != nil {
		t.Fatalf("drift: %v", err)
	}
	for i := 0; i < 3; i++ {
		c, err := h.svc.Recompute(ctx, campaign.ID)
		if err != nil {
			t.Fatalf("Recompute: %v", err)
		}
		if !c.CurrentAmount.Equal(decimal.NewFromInt(15)) {
			t.Fatalf("expected 15, got %s", c.CurrentAmount)
		}
	}
}

func TestDistributeExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000", testutil.WithCommissionRate("0.05"))
	d := testutil.CreateDonation(t, h.repo, campaign.ID, "33.33",
		testutil.WithStatus(models.PaymentStatusCompleted), testutil.WithChainer(uuid.NewString()))
	plain := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithStatus(models.PaymentStatusCompleted))
	pending := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithChainer(uuid.NewString()))

	var wg sync.WaitGroup
	booked := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := h.svc.Distribute(ctx, d.ID)
			if err != nil {
				t.Errorf("Distribute: %v", err)
			}
			booked <- ok
		}()
	}
	wg.Wait()
	close(booked)

	wins := 0
	for ok := range booked {
		if ok {
			wins++
		}
	}
	if wins != 1 || h.commissions(t, campaign.ID) != 1 {
		t.Fatalf("expected exactly one commission, wins=%d", wins)
	}
	c, _ := h.repo.GetCommissionByDonation(ctx, d.ID)
	if !c.Amount.Equal(decimal.RequireFromString("1.67")) {
		t.Fatalf("expected 1.67, got %s", c.Amount)
	}

	if c, ok, err := h.svc.Distribute(ctx, plain.ID); c != nil || ok || err != nil {
		t.Fatalf("donation without chainer must be a no-op: %v %v %v", c, ok, err)
	}
	if _, _, err := h.svc.Distribute(ctx, pending.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending donation, got %v", err)
	}
}

func TestSweepReport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, h.repo, "100000")

	ok := testutil.CreateDonation(t, h.repo, campaign.ID, "10")
	h.adapter.SetPayment(ok.Reference(), models.OutcomeVerified, "succeeded")
	declined := testutil.CreateDonation(t, h.repo, campaign.ID, "10")
	h.adapter.SetPayment(declined.Reference(), models.OutcomeNotVerified, "canceled")
	flaky := testutil.CreateDonation(t, h.repo, campaign.ID, "10")
	h.adapter.FailPayment(flaky.Reference(), &provider.AdapterError{
		Provider: models.PaymentMethodStripe, Kind: provider.KindNetwork, Op: "verify_payment", Err: errors.New("eof"),
	})
	waiting := testutil.CreateDonation(t, h.repo, campaign.ID, "10")
	h.adapter.SetPayment(waiting.Reference(), models.OutcomeInFlight, "processing")

	noRef := &models.Donation{
		ID:            uuid.NewString(),
		CampaignID:    campaign.ID,
		Amount:        decimal.NewFromInt(10),
		Currency:      "USD",
		PaymentMethod: models.PaymentMethodPaystack,
		PaymentStatus: models.PaymentStatusPending,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	if err := h.repo.CreateDonation(ctx, noRef); err != nil {
		t.Fatalf("CreateDonation: %v", err)
	}
	// inside the grace window
	fresh := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithCreatedAt(time.Now().UTC()))
	h.adapter.SetPayment(fresh.Reference(), models.OutcomeVerified, "succeeded")

	report, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Scanned != 5 || report.Completed != 1 || report.Failed != 1 || report.Errors != 1 ||
		report.Skipped != 1 || report.InFlight != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.ErrorDetails) != 1 || report.ErrorDetails[0].DonationID != flaky.ID {
		t.Fatalf("unexpected error details %+v", report.ErrorDetails)
	}
	if got, _ := h.repo.GetDonation(ctx, fresh.ID); got.PaymentStatus != models.PaymentStatusPending {
		t.Fatalf("donation inside the grace window must not be swept")
	}
	if got, _ := h.repo.GetDonation(ctx, flaky.ID); got.PaymentStatus != models.PaymentStatusPending {
		t.Fatalf("adapter error must leave donation pending")
	}
}

func TestSweepRotatesPastStuckDonations(t *testing.T) {
	t.Parallel()
	h := newHarnessWithConfig(t, settlement.Config{GracePeriod: 5 * time.Minute, BatchSize: 2})
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, h.repo, "100000")

	base := time.Now().UTC().Add(-3 * time.Hour)
	challenged := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithCreatedAt(base))
	h.adapter.SetPayment(challenged.Reference(), models.OutcomeInFlight, "requires_action")
	removed := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithCreatedAt(base.Add(time.Minute)))
	h.adapter.FailPayment(removed.Reference(), &provider.AdapterError{
		Provider: models.PaymentMethodStripe, Kind: provider.KindUnsupported, Op: "verify_payment", Err: errors.New("not configured"),
	})
	paid := testutil.CreateDonation(t, h.repo, campaign.ID, "25", testutil.WithCreatedAt(base.Add(2*time.Minute)))
	h.adapter.SetPayment(paid.Reference(), models.OutcomeVerified, "succeeded")

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Sweep(ctx); err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
	}

	got, err := h.repo.GetDonation(ctx, paid.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if got.PaymentStatus != models.PaymentStatusCompleted {
		t.Fatalf("donation behind stuck ones was never verified, status=%s calls=%d",
			got.PaymentStatus, h.adapter.VerifyCalls(paid.Reference()))
	}
	stuck, err := h.repo.GetDonation(ctx, challenged.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if stuck.PaymentStatus != models.PaymentStatusPending || stuck.LastStatusUpdate == nil {
		t.Fatalf("in-flight donation must stay pending with a visit stamp, got %+v", stuck)
	}
	if stuck.ProviderStatus != "requires_action" {
		t.Fatalf("expected provider status to be recorded, got %q", stuck.ProviderStatus)
	}
	if !h.campaignAmount(t, campaign.ID).Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected campaign amount %s", h.campaignAmount(t, campaign.ID))
	}
}

func TestSweepInterruptedLeavesRestPending(t *testing.T) {
	t.Parallel()
	interrupt := func(context.Context, time.Duration) error { return context.Canceled }
	h := newHarness(t, settlement.WithSleep(interrupt))
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, h.repo, "100000")

	var ids []string
	for i := 0; i < 3; i++ {
		d := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithCreatedAt(time.Now().UTC().Add(-time.Duration(60-i)*time.Minute)))
		h.adapter.SetPayment(d.Reference(), models.OutcomeVerified, "succeeded")
		ids = append(ids, d.ID)
	}

	report, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !report.Interrupted || report.Scanned != 1 || report.Completed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, id := range ids[1:] {
		if got, _ := h.repo.GetDonation(ctx, id); got.PaymentStatus != models.PaymentStatusPending {
			t.Fatalf("donation %s must stay pending", id)
		}
	}
}

func TestScenarioManualReverifyFixesFailedDonation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	campaign := testutil.CreateCampaign(t, h.repo, "1000", testutil.WithCommissionRate("0.10"))
	d := testutil.CreateDonation(t, h.repo, campaign.ID, "40",
		testutil.WithStatus(models.PaymentStatusFailed), testutil.WithChainer(uuid.NewString()))
	h.adapter.SetPayment(d.Reference(), models.OutcomeVerified, "succeeded")

	report, err := h.svc.Reverify(ctx, settlement.ReverifyRequest{IDs: []string{d.ID}, Actor: "ops"})
	if err != nil {
		t.Fatalf("Reverify: %v", err)
	}
	if report.Fixed != 1 || report.Results[0].Outcome != settlement.ReverifyFixed {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := h.campaignAmount(t, campaign.ID); !got.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected campaign total 40, got %s", got)
	}

	report, err = h.svc.Reverify(ctx, settlement.ReverifyRequest{IDs: []string{d.ID}, Actor: "ops"})
	if err != nil {
		t.Fatalf("second Reverify: %v", err)
	}
	if report.Results[0].Outcome != settlement.ReverifyAlreadyCompleted {
		t.Fatalf("expected already_completed, got %s", report.Results[0].Outcome)
	}
	if n := h.commissions(t, campaign.ID); n != 1 {
		t.Fatalf("expected one commission, got %d", n)
	}
	if n := h.notifier.Count(models.NotificationDonationCompleted); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestReverifyOutcomes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, h.repo, "100000")

	declined := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithStatus(models.PaymentStatusFailed))
	h.adapter.SetPayment(declined.Reference(), models.OutcomeNotVerified, "canceled")
	badKey := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithStatus(models.PaymentStatusFailed))
	h.adapter.FailPayment(badKey.Reference(), &provider.AdapterError{
		Provider: models.PaymentMethodStripe, Kind: provider.KindAuth, Op: "verify_payment", Err: errors.New("status 401"),
	})
	down := testutil.CreateDonation(t, h.repo, campaign.ID, "10", testutil.WithStatus(models.PaymentStatusFailed))
	h.adapter.FailPayment(down.Reference(), &provider.AdapterError{
		Provider: models.PaymentMethodStripe, Kind: provider.KindNetwork, Op: "verify_payment", Err: errors.New("eof"),
	})
	pending := testutil.CreateDonation(t, h.repo, campaign.ID, "10")

	report, err := h.svc.Reverify(ctx, settlement.ReverifyRequest{
		IDs: []string{declined.ID, badKey.ID, down.ID, pending.ID, uuid.NewString()},
	})
	if err != nil {
		t.Fatalf("Reverify: %v", err)
	}
	want := []settlement.ReverifyOutcome{
		settlement.ReverifyStillFailed,
		settlement.ReverifyAuthError,
		settlement.ReverifyError,
		settlement.ReverifySkipped,
		settlement.ReverifyNotFound,
	}
	for i, w := range want {
		if report.Results[i].Outcome != w {
			t.Errorf("result %d: expected %s, got %s", i, w, report.Results[i].Outcome)
		}
	}
	if report.StillFailed != 1 || report.Errors != 2 || report.Fixed != 0 {
		t.Fatalf("unexpected counts %+v", report)
	}
}

func TestReverifyByWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, h.repo, "100000")

	now := time.Now().UTC()
	inside := testutil.CreateDonation(t, h.repo, campaign.ID, "10",
		testutil.WithStatus(models.PaymentStatusFailed), testutil.WithCreatedAt(now.Add(-2*time.Hour)))
	h.adapter.SetPayment(inside.Reference(), models.OutcomeVerified, "succeeded")
	outside := testutil.CreateDonation(t, h.repo, campaign.ID, "10",
		testutil.WithStatus(models.PaymentStatusFailed), testutil.WithCreatedAt(now.Add(-48*time.Hour)))
	h.adapter.SetPayment(outside.Reference(), models.OutcomeVerified, "succeeded")

	report, err := h.svc.Reverify(ctx, settlement.ReverifyRequest{Since: now.Add(-24 * time.Hour), Until: now})
	if err != nil {
		t.Fatalf("Reverify: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].DonationID != inside.ID || report.Fixed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got, _ := h.repo.GetDonation(ctx, outside.ID); got.PaymentStatus != models.PaymentStatusFailed {
		t.Fatalf("donation outside the window must stay failed")
	}

	if _, err := h.svc.Reverify(ctx, settlement.ReverifyRequest{}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("unbounded re-verify must be rejected, got %v", err)
	}
}

type fixedRate struct{}

func (fixedRate) Convert(amount decimal.Decimal, _ string) (decimal.Decimal, string, bool) {
	return amount.Mul(decimal.NewFromInt(2)), "EUR", true
}

func TestInitiateDonation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, settlement.WithConverter(fixedRate{}))
	ctx := context.Background()
	campaign := testutil.CreateCampaign(t, h.repo, "1000")

	d, init, err := h.svc.InitiateDonation(ctx, settlement.DonationInput{
		CampaignID: campaign.ID,
		Amount:     decimal.RequireFromString("25"),
		Currency:   "usd",
		Method:     models.PaymentMethodStripe,
		DonorEmail: "ada@example.com",
	})
	if err != nil {
		t.Fatalf("InitiateDonation: %v", err)
	}
	stored, err := h.repo.GetDonation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDonation: %v", err)
	}
	if stored.Reference() != init.Reference || stored.PaymentStatus != models.PaymentStatusPending {
		t.Fatalf("unexpected stored donation %+v", stored)
	}
	if !stored.ConvertedAmount.Valid || !stored.ConvertedAmount.Decimal.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected converted amount 50, got %+v", stored.ConvertedAmount)
	}

	view, err := h.svc.DonationStatus(ctx, d.ID)
	if err != nil || view.Status != "processing" {
		t.Fatalf("pending donation must show as processing: %+v %v", view, err)
	}

	h.adapter.InitErr = &provider.AdapterError{
		Provider: models.PaymentMethodStripe, Kind: provider.KindNetwork, Op: "initialize_payment", Err: errors.New("eof"),
	}
	if _, _, err := h.svc.InitiateDonation(ctx, settlement.DonationInput{
		CampaignID: campaign.ID,
		Amount:     decimal.RequireFromString("25"),
		Currency:   "USD",
		Method:     models.PaymentMethodStripe,
	}); !provider.IsAdapterError(err) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	pending, err := h.repo.ListPendingDonations(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListPendingDonations: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("uninitialized donation must be deleted, found %d pending", len(pending))
	}

	if _, _, err := h.svc.InitiateDonation(ctx, settlement.DonationInput{
		CampaignID: campaign.ID,
		Amount:     decimal.RequireFromString("25"),
		Currency:   "NGN",
		Method:     models.PaymentMethodStripe,
	}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("currency mismatch must be rejected, got %v", err)
	}
}

func TestSchedulerRunOnceHonorsLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runs := 0
	job := settlement.Job{Name: "test-job", Interval: time.Minute, Run: func(context.Context) error {
		runs++
		return nil
	}}

	if ok, err := h.repo.AcquireLock(ctx, job.Name, "other", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLock: %v %v", ok, err)
	}
	s := settlement.NewScheduler(h.repo, "me", logger.NewNop(), job)
	s.RunOnce(ctx, job)
	if runs != 0 {
		t.Fatalf("job must not run while another instance holds the lease")
	}

	if err := h.repo.ReleaseLock(ctx, job.Name, "other"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	s.RunOnce(ctx, job)
	if runs != 1 {
		t.Fatalf("expected one run, got %d", runs)
	}
}
