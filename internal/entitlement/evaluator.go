// Package entitlement answers whether a subscription record currently grants a tier.
// Evaluation is pure: the same record, tier and instant always yield the same decision.
package entitlement

import (
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	"go.uber.org/fx"
)

// Reason explains a denial so callers can offer the matching remedy.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonTierTooLow           Reason = "tier_too_low"
	ReasonSubscriptionExpired  Reason = "subscription_expired"
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonSubscriptionCanceled Reason = "subscription_canceled"
	ReasonOverQuota            Reason = "over_quota"
)

// Decision is derived on every check and never stored.
type Decision struct {
	Allowed  bool         `json:"allowed"`
	Reason   Reason       `json:"reason,omitempty"`
	Required catalog.Tier `json:"required"`
}

type Evaluator struct {
	catalog catalog.Provider
}

func NewEvaluator(p catalog.Provider) *Evaluator {
	return &Evaluator{catalog: p}
}

// HasAccess reports whether record grants required or better at now.
func (e *Evaluator) HasAccess(record subscriptiondomain.Record, required catalog.Tier, now time.Time) bool {
	return e.Check(record, required, now).Allowed
}

// Check runs the rank test first, then the temporal test on the record status.
func (e *Evaluator) Check(record subscriptiondomain.Record, required catalog.Tier, now time.Time) Decision {
	if required == catalog.TierFree {
		return allow(required)
	}

	c := e.catalog.Current()
	if c.RankOf(record.Tier) < c.RankOf(required) {
		return deny(required, ReasonTierTooLow)
	}

	switch record.Status {
	case subscriptiondomain.StatusTrial:
		if notPassed(record.TrialEndsAt, now) {
			return allow(required)
		}
		return deny(required, ReasonSubscriptionExpired)
	case subscriptiondomain.StatusActive:
		if notPassed(record.SubscriptionEndsAt, now) {
			return allow(required)
		}
		return deny(required, ReasonSubscriptionExpired)
	case subscriptiondomain.StatusExpired:
		return deny(required, ReasonSubscriptionExpired)
	case subscriptiondomain.StatusCanceled:
		return deny(required, ReasonSubscriptionCanceled)
	default:
		return deny(required, ReasonNoSubscription)
	}
}

// EffectiveTier is the highest tier the record still grants at now. It drops to free as
// soon as the temporal check fails, even before reconciliation rewrites the record.
func (e *Evaluator) EffectiveTier(record subscriptiondomain.Record, now time.Time) catalog.Tier {
	if record.Tier == catalog.TierFree || !record.Tier.Valid() {
		return catalog.TierFree
	}
	if e.Check(record, record.Tier, now).Allowed {
		return record.Tier
	}
	return catalog.TierFree
}

// LimitsAt returns the quota row of the effective tier.
func (e *Evaluator) LimitsAt(record subscriptiondomain.Record, now time.Time) catalog.Limits {
	return e.catalog.Current().LimitsOf(e.EffectiveTier(record, now))
}

func notPassed(end *time.Time, now time.Time) bool {
	return end != nil && !end.Before(now)
}

func allow(required catalog.Tier) Decision {
	return Decision{Allowed: true, Required: required}
}

func deny(required catalog.Tier, reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason, Required: required}
}

var Module = fx.Module("entitlement",
	fx.Provide(NewEvaluator),
)
