package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultStrictTimeout = 5 * time.Second

// StrictMeter delegates check-and-increment to the backend so concurrent sessions of
// one user cannot overshoot a quota. It has no offline fallback.
type StrictMeter struct {
	remote  usagedomain.StrictRemote
	clock   clock.Clock
	loc     *time.Location
	log     *zap.Logger
	metrics *metrics.EngineMetrics
	tracer  trace.Tracer
	timeout time.Duration
}

func NewStrictMeter(remote usagedomain.StrictRemote, clk clock.Clock, loc *time.Location, log *zap.Logger, m *metrics.EngineMetrics, timeout time.Duration) *StrictMeter {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = defaultStrictTimeout
	}
	return &StrictMeter{
		remote:  remote,
		clock:   clk,
		loc:     loc,
		log:     log.Named("usage.strict"),
		metrics: m,
		tracer:  otel.Tracer("wayfare/usage"),
		timeout: timeout,
	}
}

func (s *StrictMeter) Consume(ctx context.Context, userID string, feature catalog.Feature) (usagedomain.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "usage.ConsumeStrict", trace.WithAttributes(attribute.String("feature", feature.String())))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return usagedomain.Decision{}, usagedomain.ErrInvalidUserID
	}
	window := usagedomain.WindowOf(feature)
	if window == usagedomain.WindowNone {
		return usagedomain.Decision{}, windowError(feature)
	}
	if s.remote == nil {
		return usagedomain.Decision{}, usagedomain.ErrRemoteUnavailable
	}

	remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	decision, err := s.remote.Consume(remoteCtx, userID, feature)
	if err != nil {
		ctxlogger.WithContext(ctx, s.log).Warn("strict consume failed",
			zap.String("user_id", userID),
			zap.String("feature", feature.String()),
			zap.Error(err),
		)
		recordSpanError(span, err)
		return usagedomain.Decision{}, err
	}
	if decision.ResetsAt == nil {
		resetsAt := window.Next(s.clock.Now(), s.loc)
		decision.ResetsAt = &resetsAt
	}
	decision.Feature = feature

	s.metrics.IncUsageDecision(feature.String(), decision.Allowed)
	if decision.Allowed {
		s.metrics.IncUsageRecorded(feature.String())
	}
	return decision, nil
}
