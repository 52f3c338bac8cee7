package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/wayfare/internal/catalog"
	"gorm.io/datatypes"
)

// Subscription is the server-side row backing a Record.
type Subscription struct {
	UserID             string     `gorm:"primaryKey;type:text"`
	Tier               string     `gorm:"type:text;not null"`
	Status             string     `gorm:"type:text;not null"`
	TrialEndsAt        *time.Time `gorm:""`
	SubscriptionEndsAt *time.Time `gorm:""`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// ToRecord converts the row, rejecting unknown tier or status values.
func (s Subscription) ToRecord() (Record, error) {
	tier, err := catalog.ParseTier(s.Tier)
	if err != nil {
		return Record{}, err
	}
	status, err := ParseStatus(s.Status)
	if err != nil {
		return Record{}, err
	}
	return Record{
		UserID:             s.UserID,
		Tier:               tier,
		Status:             status,
		TrialEndsAt:        cloneTime(s.TrialEndsAt),
		SubscriptionEndsAt: cloneTime(s.SubscriptionEndsAt),
	}, nil
}

// FromRecord copies a record into the row, leaving audit timestamps alone.
func (s *Subscription) FromRecord(r Record) {
	s.UserID = r.UserID
	s.Tier = r.Tier.String()
	s.Status = r.Status.String()
	s.TrialEndsAt = cloneTime(r.TrialEndsAt)
	s.SubscriptionEndsAt = cloneTime(r.SubscriptionEndsAt)
}

// TrialUsage is the append-only trial flag. One row per user, never updated or deleted.
type TrialUsage struct {
	UserID    string    `gorm:"primaryKey;type:text"`
	Tier      string    `gorm:"type:text;not null"`
	StartedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (TrialUsage) TableName() string { return "trial_history" }

// Payment records a charge outcome. A successful payment backs exactly one upgrade.
type Payment struct {
	ID            string     `gorm:"primaryKey;type:text"`
	UserID        string     `gorm:"type:text;not null;index"`
	Tier          string     `gorm:"type:text;not null"`
	Amount        int64      `gorm:"not null"`
	PaymentMethod string     `gorm:"type:text;not null"`
	Success       bool       `gorm:"not null"`
	ConsumedAt    *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// Event is an audit entry for one lifecycle transition.
type Event struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	UserID     string            `gorm:"type:text;not null;index"`
	Kind       string            `gorm:"type:text;not null"`
	FromStatus string            `gorm:"type:text;not null"`
	ToStatus   string            `gorm:"type:text;not null"`
	FromTier   string            `gorm:"type:text;not null"`
	ToTier     string            `gorm:"type:text;not null"`
	Metadata   datatypes.JSONMap `gorm:""`
	CreatedAt  time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "subscription_events" }
