package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	FindByUserIDForUpdate(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	Upsert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	InsertTrial(ctx context.Context, db *gorm.DB, trial *TrialUsage) error
	HasTrial(ctx context.Context, db *gorm.DB, userID string) (bool, error)
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	ConsumePayment(ctx context.Context, db *gorm.DB, paymentID, userID, tier string, at time.Time) error
	InsertEvent(ctx context.Context, db *gorm.DB, event *Event) error
	// ListEvents returns events newest first, strictly older than before when it is set.
	ListEvents(ctx context.Context, db *gorm.DB, userID string, before snowflake.ID, limit int) ([]Event, error)
	// ListLapsed returns users whose trial or paid period ended before now but whose
	// row still says trial or active.
	ListLapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
}
