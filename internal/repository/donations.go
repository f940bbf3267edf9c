package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/chainfund/settlement/internal/models"
)

func (db *PostgresDB) CreateDonation(ctx context.Context, donation *models.Donation) error {
	if err := db.Conn.WithContext(ctx).Create(donation).Error; err != nil {
		return fmt.Errorf("failed to create donation: %w", err)
	}
	return nil
}

func (db *PostgresDB) DeleteDonation(ctx context.Context, id string) error {
	res := db.Conn.WithContext(ctx).
		Where("id = ? AND payment_status = ? AND payment_intent_id IS NULL", id, models.PaymentStatusPending).
		Delete(&models.Donation{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete donation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("donation %s is not an uninitialized pending donation: %w", id, models.ErrInvalidTransition)
	}
	return nil
}

func (db *PostgresDB) GetDonation(ctx context.Context, id string) (*models.Donation, error) {
	var donation models.Donation
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&donation).Error; err != nil {
		return nil, notFound(err, "donation", id)
	}
	return &donation, nil
}

func (db *PostgresDB) GetDonationByReference(ctx context.Context, method models.PaymentMethod, reference string) (*models.Donation, error) {
	var donation models.Donation
	if err := db.Conn.WithContext(ctx).
		Where("payment_method = ? AND payment_intent_id = ?", method, reference).
		First(&donation).Error; err != nil {
		return nil, notFound(err, "donation with reference", reference)
	}
	return &donation, nil
}

func (db *PostgresDB) SetDonationReference(ctx context.Context, id, reference string) error {
	res := db.Conn.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND payment_intent_id IS NULL", id).
		Update("payment_intent_id", reference)
	if res.Error != nil {
		return fmt.Errorf("failed to set donation reference: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("donation %s already has a reference: %w", id, models.ErrInvalidTransition)
	}
	return nil
}

func (db *PostgresDB) TransitionDonation(
	ctx context.Context,
	id string,
	from, to models.PaymentStatus,
	update models.DonationUpdate,
) (bool, error) {
	values := map[string]interface{}{
		"payment_status":     to,
		"provider_status":    update.ProviderStatus,
		"provider_error":     update.ProviderError,
		"last_status_update": update.At,
		"updated_at":         update.At,
	}
	if update.ProcessedAt != nil {
		values["processed_at"] = *update.ProcessedAt
	}
	res := db.Conn.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND payment_status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition donation %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) TouchPendingDonation(ctx context.Context, id, providerStatus string, at time.Time) error {
	values := map[string]interface{}{
		"last_status_update": at,
		"updated_at":         at,
	}
	if providerStatus != "" {
		values["provider_status"] = providerStatus
	}
	err := db.Conn.WithContext(ctx).Model(&models.Donation{}).
		Where("id = ? AND payment_status = ?", id, models.PaymentStatusPending).
		Updates(values).Error
	if err != nil {
		return fmt.Errorf("failed to touch donation %s: %w", id, err)
	}
	return nil
}

func (db *PostgresDB) ListPendingDonations(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Donation, error) {
	var donations []*models.Donation
	if err := db.Conn.WithContext(ctx).
		Where("payment_status = ? AND created_at < ?", models.PaymentStatusPending, createdBefore).
		Order("last_status_update IS NOT NULL, last_status_update ASC, created_at ASC").
		Limit(limit).
		Find(&donations).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending donations: %w", err)
	}
	return donations, nil
}

func (db *PostgresDB) ListFailedDonations(ctx context.Context, since, until time.Time, limit int) ([]*models.Donation, error) {
	query := db.Conn.WithContext(ctx).Where("payment_status = ?", models.PaymentStatusFailed)
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if !until.IsZero() {
		query = query.Where("created_at < ?", until)
	}
	var donations []*models.Donation
	if err := query.Order("created_at ASC").Limit(limit).Find(&donations).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed donations: %w", err)
	}
	return donations, nil
}
