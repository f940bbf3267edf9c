package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/chainfund/settlement/internal/models"
)

// AcquireLock takes or renews the named lease. It succeeds when the lease is free,
// expired or already held by instanceID.
func (db *PostgresDB) AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).Unix()

	res := db.Conn.WithContext(ctx).Model(&models.AppLock{}).
		Where("lock_name = ? AND (expires_at < ? OR instance_id = ?)", name, now.Unix(), instanceID).
		Updates(map[string]interface{}{
			"instance_id": instanceID,
			"acquired_at": now.Unix(),
			"expires_at":  expires,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", name, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	lock := models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  expires,
	}
	res = db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) ReleaseLock(ctx context.Context, name, instanceID string) error {
	if err := db.Conn.WithContext(ctx).
		Where("lock_name = ? AND instance_id = ?", name, instanceID).
		Delete(&models.AppLock{}).Error; err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
