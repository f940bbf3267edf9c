// Package chainfund assembles the settlement service from its parts.
package chainfund

import (
	"context"
	"fmt"

	"github.com/chainfund/settlement/internal/config"
	"github.com/chainfund/settlement/internal/fx"
	"github.com/chainfund/settlement/internal/http_api"
	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/internal/notificator"
	"github.com/chainfund/settlement/internal/payout"
	"github.com/chainfund/settlement/internal/provider"
	"github.com/chainfund/settlement/internal/repository"
	"github.com/chainfund/settlement/internal/settlement"
	"github.com/chainfund/settlement/pkg/logger"
)

// ReconcileJobName is the lease name of the periodic payout reconciliation.
const ReconcileJobName = "payout-reconcile"

// App is the main struct of the service. It owns every long-lived component.
type App struct {
	logger *logger.Logger
	config *config.Config

	repo        models.Repository
	registry    *provider.Registry
	notificator *notificator.Notificator
	telegram    *notificator.TelegramNotificator
	rates       *fx.RateService

	Settlement *settlement.Service
	Payouts    *payout.Service
	Reconciler *payout.Reconciler
}

// New connects to the database and the payment providers.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	app, err := NewWithRepository(cfg, db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

// NewWithRepository builds the app on an open repository.
func NewWithRepository(cfg *config.Config, repo models.Repository, log *logger.Logger) (*App, error) {
	registry, err := provider.NewRegistryFromConfig(provider.Config{
		Timeout:             cfg.ProviderTimeout,
		StripeSecretKey:     cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		PaystackSecretKey:   cfg.PaystackSecretKey,
		PaystackBaseURL:     cfg.PaystackBaseURL,
		OmisePublicKey:      cfg.OmisePublicKey,
		OmiseSecretKey:      cfg.OmiseSecretKey,
	}, log)
	if err != nil {
		return nil, err
	}

	a := &App{logger: log, config: cfg, repo: repo, registry: registry}

	var chat notificator.ChatSender
	if cfg.TelegramBotToken != "" {
		a.telegram, err = notificator.NewTelegramNotificator(log, cfg.TelegramBotToken)
		if err != nil {
			return nil, err
		}
		chat = a.telegram
	}
	var mail notificator.MailSender
	if cfg.SMTPHost != "" {
		mail = notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender)
	}
	a.notificator = notificator.NewNotificator(log, notificator.Config{
		QueueSize: cfg.NotifyQueueSize,
		OpsChatID: cfg.TelegramOpsChatID,
	}, chat, mail)

	opts := []settlement.Option{}
	if cfg.FXRatesURL != "" {
		a.rates = fx.NewRateService(log, cfg.FXRatesURL, cfg.BaseCurrency)
		opts = append(opts, settlement.WithConverter(a.rates))
	}

	a.Settlement = settlement.NewService(repo, registry, a.notificator, log, settlement.Config{
		GracePeriod: cfg.SweepGracePeriod,
		BatchSize:   cfg.SweepBatchSize,
		Delay:       cfg.SweepDelay,
	}, opts...)
	a.Payouts = payout.NewService(repo, registry, a.notificator, log, payout.Config{FeeRate: cfg.PlatformFeeRate})
	a.Reconciler = payout.NewReconciler(a.Payouts, cfg.SweepBatchSize, log)
	return a, nil
}

// Jobs are the periodic tasks run by Serve.
func (a *App) Jobs() []settlement.Job {
	return []settlement.Job{
		settlement.SweepJob(a.Settlement, a.config.SweepInterval),
		{
			Name:     ReconcileJobName,
			Interval: a.config.ReconcileInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Reconciler.ReconcileAll(ctx)
				return err
			},
		},
	}
}

// StartNotifications starts delivering queued notifications.
func (a *App) StartNotifications() {
	a.notificator.Start()
}

// StartBackground starts notification delivery and, if configured, rate refreshes.
func (a *App) StartBackground(ctx context.Context) {
	a.StartNotifications()
	if a.telegram != nil {
		a.telegram.Start(ctx)
	}
	if a.rates != nil {
		a.rates.StartPeriodicUpdate()
	}
}

// Serve runs the API and the scheduler until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	a.StartBackground(ctx)

	api := http_api.NewHTTPServer(http_api.Deps{
		Settlement: a.Settlement,
		Payouts:    a.Payouts,
		Reconciler: a.Reconciler,
		Webhooks:   a.registry,
		AdminToken: a.config.AdminAPIToken,
	}, a.config.APIPort, a.logger)
	go api.Start()

	scheduler := settlement.NewScheduler(a.repo, a.config.InstanceID, a.logger, a.Jobs()...)
	scheduler.Start(ctx)
	a.logger.Infow("chainfund settlement started", "instance_id", a.config.InstanceID,
		"providers", a.registry.Methods(), "port", a.config.APIPort)

	<-ctx.Done()
	a.logger.Info("Shutting down")
	if err := api.Shutdown(); err != nil {
		a.logger.Errorw("Failed to shut down API", "error", err)
	}
	scheduler.Wait()
	return nil
}

// Close flushes queued notifications and releases resources.
func (a *App) Close() error {
	if a.rates != nil {
		a.rates.Stop()
	}
	a.notificator.Stop()
	return a.repo.Close()
}
