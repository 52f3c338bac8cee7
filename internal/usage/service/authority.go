package service

import (
	"context"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

// Authority is the backend's strict meter. The counter performs rollover, check and
// increment atomically; mirror, when set, receives every allowed result so plain
// usage reads see the same count.
type Authority struct {
	counter usagedomain.AtomicCounter
	mirror  usagedomain.Store
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.EngineMetrics
}

func NewAuthority(counter usagedomain.AtomicCounter, mirror usagedomain.Store, clk clock.Clock, log *zap.Logger, m *metrics.EngineMetrics) *Authority {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Authority{
		counter: counter,
		mirror:  mirror,
		clock:   clk,
		log:     log.Named("usage.authority"),
		metrics: m,
	}
}

// Consume takes one unit of feature for userID when limits allow it. Window
// boundaries follow loc.
func (a *Authority) Consume(ctx context.Context, userID string, feature catalog.Feature, limits catalog.Limits, loc *time.Location) (usagedomain.Decision, error) {
	limit, window, err := quotaOf(userID, feature, limits)
	if err != nil {
		return usagedomain.Decision{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	now := a.clock.Now()
	counter, allowed, err := a.counter.Consume(ctx, userID, feature, limit, window.Start(now, loc))
	if err != nil {
		a.metrics.IncStoreError("usage_consume", err)
		return usagedomain.Decision{}, err
	}

	log := ctxlogger.WithContext(ctx, a.log).With(zap.String("user_id", userID), zap.String("feature", feature.String()))
	if allowed && a.mirror != nil {
		if err := a.mirror.Put(ctx, userID, feature, counter); err != nil {
			log.Warn("failed to mirror consumed counter", zap.Error(err))
			a.metrics.IncStoreError("usage_mirror", err)
		}
	}

	resetsAt := window.Next(now, loc)
	decision := usagedomain.Decision{
		Feature:  feature,
		Allowed:  allowed,
		Limit:    limit,
		Count:    counter.Count,
		ResetsAt: &resetsAt,
	}
	if !limit.IsUnlimited() {
		decision.Remaining = limit.Remaining(counter.Count)
	}

	a.metrics.IncUsageDecision(feature.String(), allowed)
	if allowed {
		a.metrics.IncUsageRecorded(feature.String())
	} else {
		log.Debug("quota exhausted", zap.Uint32("count", counter.Count), zap.String("limit", limit.String()))
	}
	return decision, nil
}
