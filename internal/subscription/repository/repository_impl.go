package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/smallbiznis/wayfare/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Where("user_id = ?", userID).Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

// FindByUserIDForUpdate locks the row until the surrounding transaction ends. The
// lock clause is dropped on sqlite, which serializes writers anyway.
func (r *repo) FindByUserIDForUpdate(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "status", "trial_ends_at", "subscription_ends_at", "updated_at"}),
	}).Create(subscription).Error
}

// InsertTrial appends the trial flag. A second insert for the same user fails with
// ErrTrialAlreadyUsed.
func (r *repo) InsertTrial(ctx context.Context, tx *gorm.DB, trial *subscriptiondomain.TrialUsage) error {
	err := tx.WithContext(ctx).Create(trial).Error
	if db.IsDuplicateKeyErr(err) {
		return subscriptiondomain.ErrTrialAlreadyUsed
	}
	return err
}

func (r *repo) HasTrial(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&subscriptiondomain.TrialUsage{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *subscriptiondomain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

// ConsumePayment marks a successful, unused payment for userID and tier as spent.
// Any other payment yields ErrPaymentFailed.
func (r *repo) ConsumePayment(ctx context.Context, db *gorm.DB, paymentID, userID, tier string, at time.Time) error {
	res := db.WithContext(ctx).Model(&subscriptiondomain.Payment{}).
		Where("id = ? AND user_id = ? AND tier = ? AND success = ? AND consumed_at IS NULL", paymentID, userID, tier, true).
		Update("consumed_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return subscriptiondomain.ErrPaymentFailed
	}
	return nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *subscriptiondomain.Event) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, userID string, before snowflake.ID, limit int) ([]subscriptiondomain.Event, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)
	if before != 0 {
		query = query.Where("id < ?", before)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var events []subscriptiondomain.Event
	if err := query.Order("id DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ListLapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	query := db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("(status = ? AND trial_ends_at < ?) OR (status = ? AND subscription_ends_at < ?)",
			subscriptiondomain.StatusTrial.String(), now,
			subscriptiondomain.StatusActive.String(), now,
		).
		Order("user_id")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var userIDs []string
	if err := query.Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	return userIDs, nil
}
