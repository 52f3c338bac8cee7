// Package engine is the per-session entry point UI code talks to. It keeps the
// freshest subscription record of the signed-in user and answers every gate from it.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/entitlement"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	usageservice "github.com/smallbiznis/wayfare/internal/usage/service"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNotStarted = errors.New("session_not_started")

// FeatureDecision is a quota answer with the reason a denial can be remedied by.
type FeatureDecision struct {
	usagedomain.Decision
	Reason entitlement.Reason `json:"reason,omitempty"`
}

type Engine struct {
	lifecycle subscriptiondomain.Lifecycle
	evaluator *entitlement.Evaluator
	meter     *usageservice.Meter
	strict    *usageservice.StrictMeter
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.EngineMetrics

	mu     sync.RWMutex
	userID string
	record subscriptiondomain.Record
	notice *subscriptiondomain.Notice
}

type Param struct {
	fx.In

	Lifecycle subscriptiondomain.Lifecycle
	Evaluator *entitlement.Evaluator
	Meter     *usageservice.Meter
	Strict    *usageservice.StrictMeter `optional:"true"`
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.EngineMetrics `optional:"true"`
}

func New(p Param) *Engine {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		lifecycle: p.Lifecycle,
		evaluator: p.Evaluator,
		meter:     p.Meter,
		strict:    p.Strict,
		clock:     p.Clock,
		log:       log.Named("engine"),
		metrics:   p.Metrics,
	}
}

// Start loads and reconciles the record of userID. An expiry found on the way is
// kept as the pending notice.
func (e *Engine) Start(ctx context.Context, userID string) (subscriptiondomain.Record, error) {
	userID = strings.TrimSpace(userID)
	record, notice, err := e.lifecycle.Load(ctx, userID)
	if err != nil && (record.UserID == "" || !errors.Is(err, subscriptiondomain.ErrPersistenceUnavailable)) {
		return subscriptiondomain.Record{}, err
	}
	if err != nil {
		ctxlogger.WithContext(ctx, e.log).Warn("session started on an unpersisted record",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	e.mu.Lock()
	e.userID = userID
	e.record = record
	e.notice = notice
	e.mu.Unlock()
	return record.Clone(), nil
}

// Record returns the session's current record.
func (e *Engine) Record() subscriptiondomain.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Clone()
}

// Notice returns the pending reconciliation notice once, then clears it.
func (e *Engine) Notice() *subscriptiondomain.Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	notice := e.notice
	e.notice = nil
	return notice
}

// EffectiveTier is the tier the record grants right now.
func (e *Engine) EffectiveTier() catalog.Tier {
	return e.evaluator.EffectiveTier(e.Record(), e.clock.Now())
}

// Authorize answers a tier gate. Before Start every paid tier is denied.
func (e *Engine) Authorize(required catalog.Tier) entitlement.Decision {
	e.mu.RLock()
	record := e.record
	e.mu.RUnlock()

	decision := e.evaluator.Check(record, required, e.clock.Now())
	e.metrics.IncAccessDecision(required.String(), string(decision.Reason))
	return decision
}

// CheckFeature answers a quota gate against the limits of the effective tier.
func (e *Engine) CheckFeature(ctx context.Context, feature catalog.Feature) (FeatureDecision, error) {
	userID, record, err := e.session()
	if err != nil {
		return FeatureDecision{}, err
	}
	limits := e.evaluator.LimitsAt(record, e.clock.Now())
	decision, err := e.meter.CanUseFeature(ctx, userID, feature, limits)
	if err != nil {
		return FeatureDecision{}, err
	}
	return withReason(decision), nil
}

// CheckHold answers whether one more favorite fits when held are already saved.
func (e *Engine) CheckHold(held uint32) FeatureDecision {
	e.mu.RLock()
	record := e.record
	e.mu.RUnlock()
	return withReason(e.meter.CanHold(e.evaluator.LimitsAt(record, e.clock.Now()), held))
}

// Use runs fn only when the quota allows it and records one unit only when fn
// succeeds. A denial returns the decision with a nil error and fn is not called.
func (e *Engine) Use(ctx context.Context, feature catalog.Feature, fn func(context.Context) error) (FeatureDecision, error) {
	decision, err := e.CheckFeature(ctx, feature)
	if err != nil || !decision.Allowed {
		return decision, err
	}
	if err := fn(ctx); err != nil {
		return decision, err
	}

	userID, _, _ := e.session()
	counter, err := e.meter.RecordUsage(ctx, userID, feature)
	if err != nil && !errors.Is(err, usagedomain.ErrNotPersisted) {
		return decision, err
	}
	decision.Count = counter.Count
	if !decision.Limit.IsUnlimited() {
		decision.Remaining = decision.Limit.Remaining(counter.Count)
	}
	return decision, nil
}

// ConsumeStrict checks and increments on the backend in one step. It fails when the
// backend is unreachable.
func (e *Engine) ConsumeStrict(ctx context.Context, feature catalog.Feature) (FeatureDecision, error) {
	userID, _, err := e.session()
	if err != nil {
		return FeatureDecision{}, err
	}
	if e.strict == nil {
		return FeatureDecision{}, usagedomain.ErrRemoteUnavailable
	}
	decision, err := e.strict.Consume(ctx, userID, feature)
	if err != nil {
		return FeatureDecision{}, err
	}
	return withReason(decision), nil
}

// Usage summarizes every windowed quota for the session.
func (e *Engine) Usage(ctx context.Context) ([]FeatureDecision, error) {
	userID, record, err := e.session()
	if err != nil {
		return nil, err
	}
	summary, err := e.meter.Summary(ctx, userID, e.evaluator.LimitsAt(record, e.clock.Now()))
	if err != nil {
		return nil, err
	}
	out := make([]FeatureDecision, 0, len(summary))
	for _, d := range summary {
		out = append(out, withReason(d))
	}
	return out, nil
}

func (e *Engine) StartTrial(ctx context.Context, tier catalog.Tier) (subscriptiondomain.Record, error) {
	return e.mutate(ctx, func(userID string) (subscriptiondomain.Record, error) {
		return e.lifecycle.StartTrial(ctx, userID, tier)
	})
}

func (e *Engine) Subscribe(ctx context.Context, tier catalog.Tier, paymentMethod string) (subscriptiondomain.Record, error) {
	return e.mutate(ctx, func(userID string) (subscriptiondomain.Record, error) {
		return e.lifecycle.Subscribe(ctx, userID, tier, paymentMethod)
	})
}

func (e *Engine) Cancel(ctx context.Context, reason string) (subscriptiondomain.Record, error) {
	return e.mutate(ctx, func(userID string) (subscriptiondomain.Record, error) {
		return e.lifecycle.Cancel(ctx, userID, reason)
	})
}

func (e *Engine) ChangeTier(ctx context.Context, tier catalog.Tier) (subscriptiondomain.Record, error) {
	return e.mutate(ctx, func(userID string) (subscriptiondomain.Record, error) {
		return e.lifecycle.ChangeTier(ctx, userID, tier)
	})
}

// Refresh reconciles the cached record against the clock without a backend read.
func (e *Engine) Refresh(ctx context.Context) (subscriptiondomain.Record, error) {
	_, record, err := e.session()
	if err != nil {
		return subscriptiondomain.Record{}, err
	}
	next, notice, err := e.lifecycle.CheckStatus(ctx, record)
	if err != nil && !errors.Is(err, subscriptiondomain.ErrPersistenceUnavailable) {
		return record.Clone(), err
	}

	e.mu.Lock()
	e.record = next
	if notice != nil {
		e.notice = notice
	}
	e.mu.Unlock()
	return next.Clone(), nil
}

func (e *Engine) mutate(ctx context.Context, op func(userID string) (subscriptiondomain.Record, error)) (subscriptiondomain.Record, error) {
	userID, _, err := e.session()
	if err != nil {
		return subscriptiondomain.Record{}, err
	}
	record, err := op(userID)
	if err != nil {
		return subscriptiondomain.Record{}, err
	}

	e.mu.Lock()
	if e.userID == userID {
		e.record = record
	}
	e.mu.Unlock()
	return record.Clone(), nil
}

func (e *Engine) session() (string, subscriptiondomain.Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.userID == "" {
		return "", subscriptiondomain.Record{}, ErrNotStarted
	}
	return e.userID, e.record, nil
}

func withReason(d usagedomain.Decision) FeatureDecision {
	out := FeatureDecision{Decision: d}
	if !d.Allowed {
		out.Reason = entitlement.ReasonOverQuota
	}
	return out
}
