package notificator

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/chainfund/settlement/internal/models"
	"github.com/chainfund/settlement/pkg/logger"
)

// ChatSender delivers a message to a chat.
type ChatSender interface {
	SendNotification(ctx context.Context, chatID, message string) error
}

// MailSender delivers a message to a mailbox.
type MailSender interface {
	SendNotification(to, subject, message string) error
}

type Config struct {
	// QueueSize bounds the number of notifications waiting for delivery.
	QueueSize int
	// OpsChatID is the telegram chat that receives operational alerts.
	OpsChatID   string
	SendTimeout time.Duration
}

// Notificator is a fire-and-forget models.NotificationService. Notifications are queued
// and delivered by a single worker; when the queue is full they are dropped.
type Notificator struct {
	logger *logger.Logger
	config Config

	telegram ChatSender
	email    MailSender

	mu     sync.RWMutex
	queue  chan *models.Notification
	closed bool
	wg     sync.WaitGroup
}

var _ models.NotificationService = (*Notificator)(nil)

// NewNotificator creates a notificator. A nil telegram or email sender disables that channel.
func NewNotificator(logger *logger.Logger, config Config, telegram ChatSender, email MailSender) *Notificator {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	return &Notificator{
		logger:   logger,
		config:   config,
		telegram: telegram,
		email:    email,
		queue:    make(chan *models.Notification, config.QueueSize),
	}
}

// Start launches the delivery worker.
func (n *Notificator) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for notification := range n.queue {
			notification := notification
			n.safeCall(func() { n.deliver(notification) }, string(notification.Kind))
		}
	}()
}

// Stop refuses new notifications and waits for queued ones to be delivered.
func (n *Notificator) Stop() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
	n.logger.Info("Notificator stopped")
}

// SendNotification queues the notification and returns immediately.
func (n *Notificator) SendNotification(notification *models.Notification) {
	if notification == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warnw("notificator stopped, dropping notification", "kind", notification.Kind)
		return
	}
	select {
	case n.queue <- notification:
	default:
		n.logger.Warnw("notification queue full, dropping notification",
			"kind", notification.Kind, "donation_id", notification.DonationID, "payout_id", notification.PayoutID)
	}
}

// safeCall runs a function with panic recovery
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorw("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (n *Notificator) deliver(notification *models.Notification) {
	message := notification.String()

	switch notification.Kind {
	case models.NotificationManualReview, models.NotificationCampaignClosed:
		n.alertOps(notification, message)
	case models.NotificationPayoutStatus:
		if notification.Status == string(models.PayoutStatusFailed) {
			n.alertOps(notification, message)
		}
		n.mail(notification, "Your payout is "+notification.Status, message)
	case models.NotificationDonationCompleted:
		n.mail(notification, "Thank you for your donation", message)
	default:
		n.logger.Debugw("no channel for notification", "kind", notification.Kind)
	}
}

func (n *Notificator) alertOps(notification *models.Notification, message string) {
	if n.telegram == nil || n.config.OpsChatID == "" {
		n.logger.Infow("ops alert", "kind", notification.Kind, "message", message)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.SendTimeout)
	defer cancel()
	if err := n.telegram.SendNotification(ctx, n.config.OpsChatID, message); err != nil {
		n.logger.Errorw("Failed to send telegram alert", "kind", notification.Kind, "error", err)
	}
}

func (n *Notificator) mail(notification *models.Notification, subject, message string) {
	if n.email == nil || notification.Email == "" {
		return
	}
	if err := n.email.SendNotification(notification.Email, subject, message); err != nil {
		n.logger.Errorw("Failed to send email", "kind", notification.Kind, "to", notification.Email, "error", err)
	}
}
