package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/wayfare/internal/catalog"
)

var (
	ErrTrialAlreadyUsed       = errors.New("trial_already_used")
	ErrTierNotTrialEligible   = errors.New("tier_not_trial_eligible")
	ErrPaymentFailed          = errors.New("payment_failed")
	ErrPersistenceUnavailable = errors.New("persistence_unavailable")
	ErrRemoteUnavailable      = errors.New("remote_unavailable")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrInvalidRecord          = errors.New("invalid_record")
	ErrInvalidStatus          = errors.New("invalid_status")
	ErrInvalidUserID          = errors.New("invalid_user_id")
	ErrInvalidTrialDays       = errors.New("invalid_trial_days")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
)

// IsRejection reports whether err is an authoritative refusal from the backend, as
// opposed to the backend being unreachable.
func IsRejection(err error) bool {
	return errors.Is(err, ErrTrialAlreadyUsed) ||
		errors.Is(err, ErrTierNotTrialEligible) ||
		errors.Is(err, ErrPaymentFailed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInvalidTrialDays) ||
		errors.Is(err, ErrInvalidAmount)
}

type StartTrialRequest struct {
	UserID    string       `json:"user_id"`
	Tier      catalog.Tier `json:"tier"`
	TrialDays int          `json:"trial_days"`
}

type UpgradeRequest struct {
	UserID    string       `json:"user_id"`
	Tier      catalog.Tier `json:"tier"`
	PaymentID string       `json:"payment_id,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PaymentRequest struct {
	UserID        string       `json:"user_id"`
	Tier          catalog.Tier `json:"tier"`
	Amount        int64        `json:"amount"`
	PaymentMethod string       `json:"payment_method"`
}

type PaymentResult struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id,omitempty"`
}

type TrialHistory struct {
	HasUsedTrial bool `json:"has_used_trial"`
}

// Remote is the authoritative subscription backend.
type Remote interface {
	GetSubscription(ctx context.Context, userID string) (Record, error)
	PutSubscription(ctx context.Context, record Record) (Record, error)
	StartTrial(ctx context.Context, req StartTrialRequest) (Record, error)
	Upgrade(ctx context.Context, req UpgradeRequest) (Record, error)
	Cancel(ctx context.Context, userID string, req CancelRequest) error
	TrialHistory(ctx context.Context, userID string) (TrialHistory, error)
}

// PaymentGateway confirms or declines a charge. Its internals are opaque.
type PaymentGateway interface {
	Charge(ctx context.Context, req PaymentRequest) (PaymentResult, error)
}

// LocalStore caches the last-known record and the durable trial flag on the device.
type LocalStore interface {
	LoadRecord(ctx context.Context, userID string) (Record, bool, error)
	SaveRecord(ctx context.Context, record Record) error
	TrialUsed(ctx context.Context, userID string) (bool, error)
	MarkTrialUsed(ctx context.Context, userID string) error
	// TrialPending reports a trial committed on the device that the backend has not seen.
	TrialPending(ctx context.Context, userID string) (bool, error)
	SetTrialPending(ctx context.Context, userID string, pending bool) error
}

// ChangeKind names the lifecycle operation that produced a record change.
type ChangeKind string

const (
	ChangeStartTrial ChangeKind = "start_trial"
	ChangeSubscribe  ChangeKind = "subscribe"
	ChangeCancel     ChangeKind = "cancel"
	ChangeTier       ChangeKind = "change_tier"
	ChangeReconcile  ChangeKind = "reconcile"
)

// Change is a pending record mutation. Record is the locally computed result.
type Change struct {
	Kind         ChangeKind
	Previous     Record
	Record       Record
	TrialDays    int
	PaymentID    string
	CancelReason string
}

// Gateway persists record changes remote-first with a local mirror.
type Gateway interface {
	Write(ctx context.Context, change Change) (Record, error)
	Read(ctx context.Context, userID string) (Record, error)
	HasUsedTrial(ctx context.Context, userID string) (bool, error)
}

// Lifecycle is the subscription state machine seen by callers.
type Lifecycle interface {
	Load(ctx context.Context, userID string) (Record, *Notice, error)
	CheckStatus(ctx context.Context, record Record) (Record, *Notice, error)
	StartTrial(ctx context.Context, userID string, tier catalog.Tier) (Record, error)
	Subscribe(ctx context.Context, userID string, tier catalog.Tier, paymentMethod string) (Record, error)
	Cancel(ctx context.Context, userID string, reason string) (Record, error)
	ChangeTier(ctx context.Context, userID string, tier catalog.Tier) (Record, error)
}
