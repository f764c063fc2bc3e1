package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/internal/observability"
	"github.com/huangang/swarmhub/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NameLock is a mutual exclusion per (human, name). It is re-entrant for
// the same owner and never waits: a conflicting acquire fails with Busy and
// the caller decides whether to retry.
type NameLock struct {
	db      *gorm.DB
	metrics *observability.Metrics
}

func NewNameLock(db *gorm.DB, metrics *observability.Metrics) *NameLock {
	return &NameLock{db: db, metrics: metrics}
}

func (l *NameLock) Acquire(ctx context.Context, humanID uint, name, owner string) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return acquireLock(tx, humanID, name, owner)
	})
	if errors.Is(err, apperrors.ErrBusy) {
		l.metrics.RecordLockConflict(ctx)
	}
	return err
}

// acquireLock runs inside the caller's transaction so that a job claim and
// the lock of its name commit together.
func acquireLock(tx *gorm.DB, humanID uint, name, owner string) error {
	if name == "" {
		return apperrors.Validation("name", "lock name is required")
	}
	if owner == "" {
		return apperrors.Validation("owner", "lock owner is required")
	}

	row := &models.Lock{HumanID: humanID, Name: name, Owner: owner}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}

	var held models.Lock
	if err := tx.Where("human_id = ? AND name = ?", humanID, name).Take(&held).Error; err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	if held.Owner != owner {
		return apperrors.Busy("lock", fmt.Sprintf("%q is locked by %s", name, held.Owner))
	}
	return nil
}

// Release deletes the lock only if owner holds it. An absent lock or one
// held by someone else is Busy.
func (l *NameLock) Release(ctx context.Context, humanID uint, name, owner string) error {
	result := l.db.WithContext(ctx).
		Where("human_id = ? AND name = ? AND owner = ?", humanID, name, owner).
		Delete(&models.Lock{})
	if result.Error != nil {
		return fmt.Errorf("failed to release lock: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.Busy("lock", fmt.Sprintf("%q is not held by %s", name, owner))
	}
	logger.Debug().Uint("human_id", humanID).Str("name", name).Str("owner", owner).Msg("[NameLock] Released")
	return nil
}

func (l *NameLock) IsLocked(ctx context.Context, humanID uint, name string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.Lock{}).
		Where("human_id = ? AND name = ?", humanID, name).
		Count(&count).Error
	return count > 0, err
}

// Holder returns the live lock of the name, or nil when it is free.
func (l *NameLock) Holder(ctx context.Context, humanID uint, name string) (*models.Lock, error) {
	var held models.Lock
	err := l.db.WithContext(ctx).Where("human_id = ? AND name = ?", humanID, name).Take(&held).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &held, nil
}

// OlderThan lists locks created before cutoff, oldest first.
func (l *NameLock) OlderThan(ctx context.Context, cutoff time.Time) ([]models.Lock, error) {
	var locks []models.Lock
	err := l.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at").
		Find(&locks).Error
	return locks, err
}
