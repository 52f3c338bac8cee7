package domain

import (
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
)

// Transition is an edge of the lifecycle state machine.
type Transition struct {
	From Status
	To   Status
}

var validTransitions = map[Transition]bool{
	{StatusNone, StatusTrial}:      true,
	{StatusExpired, StatusTrial}:   true,
	{StatusCanceled, StatusTrial}:  true,
	{StatusNone, StatusActive}:     true,
	{StatusTrial, StatusActive}:    true,
	{StatusActive, StatusActive}:   true, // renewal
	{StatusExpired, StatusActive}:  true,
	{StatusCanceled, StatusActive}: true,
	{StatusActive, StatusCanceled}: true,
	{StatusTrial, StatusTrial}:     true, // tier change
	{StatusTrial, StatusExpired}:   true,
	{StatusActive, StatusExpired}:  true,
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	return validTransitions[Transition{from, to}]
}

// CanStartTrial reports whether a trial may begin from status.
func CanStartTrial(status Status) bool {
	return CanTransition(status, StatusTrial) && status != StatusTrial
}

// CanChangeTier reports whether the tier may be changed in place from status.
func CanChangeTier(status Status) bool {
	return status == StatusTrial || status == StatusActive
}

// NoticeKind identifies an informational lifecycle event surfaced to the user.
type NoticeKind string

const (
	NoticeTrialEnded        NoticeKind = "trial_ended"
	NoticeSubscriptionEnded NoticeKind = "subscription_ended"
)

// Notice reports a reconciliation that moved a record to expired. It is not an error.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Tier    string     `json:"tier"`
	EndedAt time.Time  `json:"ended_at"`
}

// Reconcile recomputes status and tier from stored timestamps. The boolean reports
// whether the record changed.
func Reconcile(r Record, now time.Time) (Record, *Notice, bool) {
	end := r.EndsAt()
	if end == nil || !now.After(*end) {
		return r, nil, false
	}

	notice := &Notice{Tier: r.Tier.String(), EndedAt: *end}
	out := r.Clone()
	switch r.Status {
	case StatusTrial:
		notice.Kind = NoticeTrialEnded
		out.TrialEndsAt = nil
	case StatusActive:
		notice.Kind = NoticeSubscriptionEnded
		out.SubscriptionEndsAt = nil
	}
	out.Status = StatusExpired
	out.Tier = catalog.TierFree
	return out, notice, true
}
