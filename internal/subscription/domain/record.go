package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
)

// Status is the lifecycle state of a subscription record. Exactly one holds at a time.
type Status uint8

const (
	StatusNone Status = iota
	StatusTrial
	StatusActive
	StatusExpired
	StatusCanceled

	statusCount = int(StatusCanceled) + 1
)

var statusNames = [statusCount]string{
	StatusNone:     "none",
	StatusTrial:    "trial",
	StatusActive:   "active",
	StatusExpired:  "expired",
	StatusCanceled: "canceled",
}

func (s Status) Valid() bool {
	return int(s) < statusCount
}

func (s Status) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return statusNames[s]
}

func ParseStatus(raw string) (Status, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for i, name := range statusNames {
		if name == value {
			return Status(i), nil
		}
	}
	return StatusNone, ErrInvalidStatus
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrInvalidStatus
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Record is the per-user subscription state.
type Record struct {
	UserID             string       `json:"user_id"`
	Tier               catalog.Tier `json:"tier"`
	Status             Status       `json:"status"`
	TrialEndsAt        *time.Time   `json:"trial_ends_at,omitempty"`
	SubscriptionEndsAt *time.Time   `json:"subscription_ends_at,omitempty"`
}

// NewRecord returns the record every account starts with.
func NewRecord(userID string) Record {
	return Record{UserID: userID, Tier: catalog.TierFree, Status: StatusNone}
}

// Validate checks the structural invariants of a record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrInvalidUserID
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("%w: tier %d", ErrInvalidRecord, r.Tier)
	}
	switch r.Status {
	case StatusTrial:
		if r.TrialEndsAt == nil || r.SubscriptionEndsAt != nil {
			return fmt.Errorf("%w: trial requires trial_ends_at only", ErrInvalidRecord)
		}
	case StatusActive:
		if r.SubscriptionEndsAt == nil || r.TrialEndsAt != nil {
			return fmt.Errorf("%w: active requires subscription_ends_at only", ErrInvalidRecord)
		}
	case StatusNone, StatusExpired, StatusCanceled:
	default:
		return fmt.Errorf("%w: status %d", ErrInvalidRecord, r.Status)
	}
	return nil
}

// Clone returns a copy that shares no timestamp pointers with r.
func (r Record) Clone() Record {
	out := r
	out.TrialEndsAt = cloneTime(r.TrialEndsAt)
	out.SubscriptionEndsAt = cloneTime(r.SubscriptionEndsAt)
	return out
}

// Equal compares records by value, including timestamp instants.
func (r Record) Equal(other Record) bool {
	return r.UserID == other.UserID &&
		r.Tier == other.Tier &&
		r.Status == other.Status &&
		sameInstant(r.TrialEndsAt, other.TrialEndsAt) &&
		sameInstant(r.SubscriptionEndsAt, other.SubscriptionEndsAt)
}

// EndsAt returns the expiry governing the current status, if any.
func (r Record) EndsAt() *time.Time {
	switch r.Status {
	case StatusTrial:
		return r.TrialEndsAt
	case StatusActive:
		return r.SubscriptionEndsAt
	default:
		return nil
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
