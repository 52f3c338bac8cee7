package domain

import (
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/wayfare/internal/catalog"
)

// Counter accumulates consumption for one feature within one window.
type Counter struct {
	Count       uint32    `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Rollover resets the counter when the current window started after WindowStart.
// A gap of any number of windows resets once to zero; a clock that moved backwards
// never resets.
func (c Counter) Rollover(w Window, now time.Time, loc *time.Location) (Counter, bool) {
	current := w.Start(now, loc)
	if c.WindowStart.IsZero() || current.After(c.WindowStart) {
		return Counter{Count: 0, WindowStart: current}, true
	}
	return c, false
}

// Incremented returns c with one more unit, saturating at the counter width.
func (c Counter) Incremented() Counter {
	if c.Count < math.MaxUint32 {
		c.Count++
	}
	return c
}

// Decision is the answer to a quota check.
type Decision struct {
	Feature   catalog.Feature `json:"feature"`
	Allowed   bool            `json:"allowed"`
	Remaining uint32          `json:"remaining"`
	Limit     catalog.Limit   `json:"limit"`
	Count     uint32          `json:"count"`
	ResetsAt  *time.Time      `json:"resets_at,omitempty"`
}

// Decide applies limit to a count already adjusted for rollover.
func Decide(feature catalog.Feature, limit catalog.Limit, count uint32) Decision {
	if limit.IsUnlimited() {
		return Decision{Feature: feature, Allowed: true, Limit: limit, Count: count}
	}
	return Decision{
		Feature:   feature,
		Allowed:   limit.Allows(count),
		Remaining: limit.Remaining(count),
		Limit:     limit,
		Count:     count,
	}
}

// CounterRow is the server-side row for one (user, feature) counter.
type CounterRow struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_user_feature"`
	Feature     string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_user_feature"`
	Count       int64        `gorm:"not null;default:0"`
	WindowStart time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (CounterRow) TableName() string { return "usage_counters" }
