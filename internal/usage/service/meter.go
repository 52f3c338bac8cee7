package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	"github.com/smallbiznis/wayfare/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Meter counts metered actions per user and feature on calendar windows in the
// user's time zone.
type Meter struct {
	store   usagedomain.Store
	clock   clock.Clock
	loc     *time.Location
	log     *zap.Logger
	metrics *metrics.EngineMetrics
	tracer  trace.Tracer
}

type MeterParam struct {
	fx.In

	Config  config.Config `optional:"true"`
	Store   usagedomain.Store
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
}

func NewMeter(p MeterParam) *Meter {
	return New(p.Store, p.Clock, p.Config.Location(), p.Log, p.Metrics)
}

func New(store usagedomain.Store, clk clock.Clock, loc *time.Location, log *zap.Logger, m *metrics.EngineMetrics) *Meter {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Meter{
		store:   store,
		clock:   clk,
		loc:     loc,
		log:     log.Named("usage.meter"),
		metrics: m,
		tracer:  otel.Tracer("wayfare/usage"),
	}
}

// Location is the zone whose midnight bounds the meter's windows.
func (m *Meter) Location() *time.Location {
	return m.loc
}

// CanUseFeature checks the quota without consuming it. A counter whose window has
// passed is reset and written back before the check; within a window it is only read.
func (m *Meter) CanUseFeature(ctx context.Context, userID string, feature catalog.Feature, limits catalog.Limits) (usagedomain.Decision, error) {
	ctx, span := m.startSpan(ctx, "usage.CanUseFeature", attribute.String("feature", feature.String()))
	defer span.End()

	limit, window, err := quotaOf(userID, feature, limits)
	if err != nil {
		recordSpanError(span, err)
		return usagedomain.Decision{}, err
	}

	now := m.clock.Now()
	counter, err := m.current(ctx, userID, feature, window, now)
	if err != nil {
		recordSpanError(span, err)
		return usagedomain.Decision{}, err
	}

	decision := usagedomain.Decide(feature, limit, counter.Count)
	resetsAt := window.Next(now, m.loc)
	decision.ResetsAt = &resetsAt

	m.metrics.IncUsageDecision(feature.String(), decision.Allowed)
	span.SetAttributes(attribute.Bool("allowed", decision.Allowed))
	return decision, nil
}

// RecordUsage adds one unit after the gated action succeeded. It never refuses, even
// past the limit; callers enforce the quota with CanUseFeature first.
func (m *Meter) RecordUsage(ctx context.Context, userID string, feature catalog.Feature) (usagedomain.Counter, error) {
	ctx, span := m.startSpan(ctx, "usage.RecordUsage", attribute.String("feature", feature.String()))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return usagedomain.Counter{}, usagedomain.ErrInvalidUserID
	}
	window := usagedomain.WindowOf(feature)
	if window == usagedomain.WindowNone {
		return usagedomain.Counter{}, windowError(feature)
	}

	now := m.clock.Now()
	counter, _, err := m.store.Get(ctx, userID, feature)
	if err != nil {
		recordSpanError(span, err)
		return usagedomain.Counter{}, err
	}
	counter, _ = counter.Rollover(window, now, m.loc)
	counter = counter.Incremented()

	if err := m.store.Put(ctx, userID, feature, counter); err != nil {
		ctxlogger.WithContext(ctx, m.log).Warn("usage not persisted",
			zap.String("user_id", userID),
			zap.String("feature", feature.String()),
			zap.Error(err),
		)
		recordSpanError(span, err)
		return counter, err
	}
	m.metrics.IncUsageRecorded(feature.String())
	return counter, nil
}

// CanHold answers whether one more item fits under a holding cap such as favorites.
func (m *Meter) CanHold(limits catalog.Limits, held uint32) usagedomain.Decision {
	decision := usagedomain.Decide(catalog.FeatureFavorites, limits.FavoritesMax, held)
	m.metrics.IncUsageDecision(catalog.FeatureFavorites.String(), decision.Allowed)
	return decision
}

// Summary returns the current decision for every windowed feature.
func (m *Meter) Summary(ctx context.Context, userID string, limits catalog.Limits) ([]usagedomain.Decision, error) {
	out := make([]usagedomain.Decision, 0, len(catalog.Features()))
	for _, feature := range catalog.Features() {
		if usagedomain.WindowOf(feature) == usagedomain.WindowNone {
			continue
		}
		decision, err := m.CanUseFeature(ctx, userID, feature, limits)
		if err != nil {
			return nil, err
		}
		out = append(out, decision)
	}
	return out, nil
}

func (m *Meter) current(ctx context.Context, userID string, feature catalog.Feature, window usagedomain.Window, now time.Time) (usagedomain.Counter, error) {
	stored, found, err := m.store.Get(ctx, userID, feature)
	if err != nil {
		return usagedomain.Counter{}, err
	}
	counter, reset := stored.Rollover(window, now, m.loc)
	if !found || !reset {
		return counter, nil
	}

	if err := m.store.Put(ctx, userID, feature, counter); err != nil {
		// The reset is recomputed on the next access, so the decision stands.
		ctxlogger.WithContext(ctx, m.log).Warn("counter reset not persisted",
			zap.String("user_id", userID),
			zap.String("feature", feature.String()),
			zap.Error(err),
		)
	}
	return counter, nil
}

func quotaOf(userID string, feature catalog.Feature, limits catalog.Limits) (catalog.Limit, usagedomain.Window, error) {
	if strings.TrimSpace(userID) == "" {
		return catalog.Limit{}, usagedomain.WindowNone, usagedomain.ErrInvalidUserID
	}
	limit, ok := limits.Quota(feature)
	if !ok {
		return catalog.Limit{}, usagedomain.WindowNone, fmt.Errorf("%w: %q", usagedomain.ErrUnknownFeature, feature)
	}
	window := usagedomain.WindowOf(feature)
	if window == usagedomain.WindowNone {
		return catalog.Limit{}, usagedomain.WindowNone, windowError(feature)
	}
	return limit, window, nil
}

func windowError(feature catalog.Feature) error {
	return fmt.Errorf("%w: %s", usagedomain.ErrNotWindowed, feature)
}

func (m *Meter) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(tracing.SafeAttributes(attrs...)...))
}

func recordSpanError(span trace.Span, err error) {
	if errors.Is(err, usagedomain.ErrNotPersisted) {
		span.AddEvent("usage not persisted")
		return
	}
	if safeErr := tracing.SafeError(err); safeErr != nil {
		span.RecordError(safeErr)
	}
	span.SetStatus(codes.Error, "usage error")
}
