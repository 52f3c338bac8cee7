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
	"github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultPaymentTimeout = 5 * time.Second

type Service struct {
	gateway  domain.Gateway
	payments domain.PaymentGateway
	catalog  catalog.Provider
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.EngineMetrics
	tracer   trace.Tracer
	timeout  time.Duration
}

type ServiceParam struct {
	fx.In

	Config   config.Config `optional:"true"`
	Gateway  domain.Gateway
	Payments domain.PaymentGateway
	Catalog  catalog.Provider
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.EngineMetrics `optional:"true"`
}

func NewService(p ServiceParam) domain.Lifecycle {
	return New(p)
}

// New returns the concrete lifecycle manager.
func New(p ServiceParam) *Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := p.Config.Backend.Timeout
	if timeout <= 0 {
		timeout = defaultPaymentTimeout
	}
	return &Service{
		gateway:  p.Gateway,
		payments: p.Payments,
		catalog:  p.Catalog,
		clock:    p.Clock,
		log:      log.Named("subscription.lifecycle"),
		metrics:  p.Metrics,
		tracer:   otel.Tracer("wayfare/subscription"),
		timeout:  timeout,
	}
}

// Load reads the freshest record and reconciles it against the clock.
func (s *Service) Load(ctx context.Context, userID string) (domain.Record, *domain.Notice, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Record{}, nil, domain.ErrInvalidUserID
	}
	ctx, span := s.startSpan(ctx, "subscription.Load")
	defer span.End()

	record, err := s.gateway.Read(ctx, userID)
	if err != nil {
		recordSpanError(span, err)
		return domain.Record{}, nil, err
	}
	return s.CheckStatus(ctx, record)
}

// CheckStatus expires a lapsed trial or subscription. The returned record is
// usable even when err reports that the expiry could not be persisted.
func (s *Service) CheckStatus(ctx context.Context, record domain.Record) (domain.Record, *domain.Notice, error) {
	next, notice, changed := domain.Reconcile(record, s.clock.Now())
	if !changed {
		return record, nil, nil
	}

	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("user_id", record.UserID))
	log.Info("subscription lapsed",
		zap.String("notice", string(notice.Kind)),
		zap.String("tier", notice.Tier),
		zap.Time("ended_at", notice.EndedAt),
	)
	s.metrics.IncReconciliation(string(notice.Kind))

	stored, err := s.persist(ctx, domain.Change{Kind: domain.ChangeReconcile, Previous: record, Record: next})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// the backend clock has not reached the end yet
		log.Warn("backend refused expiry", zap.Error(err))
		return next, notice, fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
	}
	if err != nil {
		return next, notice, err
	}
	return stored, notice, nil
}

func (s *Service) StartTrial(ctx context.Context, userID string, tier catalog.Tier) (domain.Record, error) {
	ctx, span := s.startSpan(ctx, "subscription.StartTrial", attribute.String("tier", tier.String()))
	defer span.End()

	record, err := s.startTrial(ctx, userID, tier)
	if err != nil {
		recordSpanError(span, err)
	}
	return record, err
}

func (s *Service) startTrial(ctx context.Context, userID string, tier catalog.Tier) (domain.Record, error) {
	if !tier.Valid() {
		return domain.Record{}, catalog.ErrInvalidTier
	}
	limits := s.catalog.Current().LimitsOf(tier)
	if !limits.TrialEligible {
		return domain.Record{}, domain.ErrTierNotTrialEligible
	}

	current, err := s.current(ctx, userID)
	if err != nil {
		return domain.Record{}, err
	}
	if !domain.CanStartTrial(current.Status) {
		return domain.Record{}, fmt.Errorf("%w: cannot start trial from %s", domain.ErrInvalidTransition, current.Status)
	}

	used, err := s.gateway.HasUsedTrial(ctx, current.UserID)
	if err != nil {
		return domain.Record{}, err
	}
	if used {
		return domain.Record{}, domain.ErrTrialAlreadyUsed
	}

	ends := s.clock.Now().AddDate(0, 0, limits.TrialLengthDays)
	next := domain.Record{
		UserID:      current.UserID,
		Tier:        tier,
		Status:      domain.StatusTrial,
		TrialEndsAt: &ends,
	}
	return s.persist(ctx, domain.Change{
		Kind:      domain.ChangeStartTrial,
		Previous:  current,
		Record:    next,
		TrialDays: limits.TrialLengthDays,
	})
}

// Subscribe charges the catalog price and activates tier for one calendar month,
// extending a still-running paid period.
func (s *Service) Subscribe(ctx context.Context, userID string, tier catalog.Tier, paymentMethod string) (domain.Record, error) {
	ctx, span := s.startSpan(ctx, "subscription.Subscribe", attribute.String("tier", tier.String()))
	defer span.End()

	record, err := s.subscribe(ctx, userID, tier, paymentMethod)
	if err != nil {
		recordSpanError(span, err)
	}
	return record, err
}

func (s *Service) subscribe(ctx context.Context, userID string, tier catalog.Tier, paymentMethod string) (domain.Record, error) {
	if !tier.Valid() {
		return domain.Record{}, catalog.ErrInvalidTier
	}
	if tier == catalog.TierFree {
		return domain.Record{}, fmt.Errorf("%w: free tier is not purchasable", domain.ErrInvalidTransition)
	}

	current, err := s.current(ctx, userID)
	if err != nil {
		return domain.Record{}, err
	}

	paymentID, err := s.charge(ctx, domain.PaymentRequest{
		UserID:        current.UserID,
		Tier:          tier,
		Amount:        s.catalog.Current().LimitsOf(tier).MonthlyPrice,
		PaymentMethod: strings.TrimSpace(paymentMethod),
	})
	if err != nil {
		return domain.Record{}, err
	}

	start := s.clock.Now()
	if current.Status == domain.StatusActive && current.SubscriptionEndsAt != nil && current.SubscriptionEndsAt.After(start) {
		start = *current.SubscriptionEndsAt
	}
	ends := start.AddDate(0, 1, 0)
	next := domain.Record{
		UserID:             current.UserID,
		Tier:               tier,
		Status:             domain.StatusActive,
		SubscriptionEndsAt: &ends,
	}
	return s.persist(ctx, domain.Change{
		Kind:      domain.ChangeSubscribe,
		Previous:  current,
		Record:    next,
		PaymentID: paymentID,
	})
}

func (s *Service) charge(ctx context.Context, req domain.PaymentRequest) (string, error) {
	if s.payments == nil {
		return "", fmt.Errorf("%w: no payment gateway", domain.ErrPaymentFailed)
	}
	chargeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	result, err := s.payments.Charge(chargeCtx, req)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrPaymentFailed, err)
	}
	if !result.Success {
		return "", domain.ErrPaymentFailed
	}
	return result.PaymentID, nil
}

// Cancel ends a paid subscription immediately and reverts the tier to free.
func (s *Service) Cancel(ctx context.Context, userID string, reason string) (domain.Record, error) {
	ctx, span := s.startSpan(ctx, "subscription.Cancel")
	defer span.End()

	current, err := s.current(ctx, userID)
	if err != nil {
		recordSpanError(span, err)
		return domain.Record{}, err
	}
	if !domain.CanTransition(current.Status, domain.StatusCanceled) {
		err := fmt.Errorf("%w: cannot cancel from %s", domain.ErrInvalidTransition, current.Status)
		recordSpanError(span, err)
		return domain.Record{}, err
	}

	next := domain.Record{UserID: current.UserID, Tier: catalog.TierFree, Status: domain.StatusCanceled}
	record, err := s.persist(ctx, domain.Change{
		Kind:         domain.ChangeCancel,
		Previous:     current,
		Record:       next,
		CancelReason: strings.TrimSpace(reason),
	})
	if err != nil {
		recordSpanError(span, err)
	}
	return record, err
}

// ChangeTier swaps the tier of a running trial or subscription in place.
// The end timestamp is kept as is.
func (s *Service) ChangeTier(ctx context.Context, userID string, tier catalog.Tier) (domain.Record, error) {
	ctx, span := s.startSpan(ctx, "subscription.ChangeTier", attribute.String("tier", tier.String()))
	defer span.End()

	record, err := s.changeTier(ctx, userID, tier)
	if err != nil {
		recordSpanError(span, err)
	}
	return record, err
}

func (s *Service) changeTier(ctx context.Context, userID string, tier catalog.Tier) (domain.Record, error) {
	if !tier.Valid() {
		return domain.Record{}, catalog.ErrInvalidTier
	}
	if tier == catalog.TierFree {
		return domain.Record{}, fmt.Errorf("%w: use cancel to return to free", domain.ErrInvalidTransition)
	}

	current, err := s.current(ctx, userID)
	if err != nil {
		return domain.Record{}, err
	}
	if !domain.CanChangeTier(current.Status) {
		return domain.Record{}, fmt.Errorf("%w: cannot change tier from %s", domain.ErrInvalidTransition, current.Status)
	}
	if current.Status == domain.StatusTrial && !s.catalog.Current().LimitsOf(tier).TrialEligible {
		return domain.Record{}, domain.ErrTierNotTrialEligible
	}
	if current.Tier == tier {
		return current, nil
	}

	next := current.Clone()
	next.Tier = tier
	return s.persist(ctx, domain.Change{Kind: domain.ChangeTier, Previous: current, Record: next})
}

// current loads and reconciles the record before a mutation. A reconciliation
// that could not be persisted does not block the mutation that follows.
func (s *Service) current(ctx context.Context, userID string) (domain.Record, error) {
	record, _, err := s.Load(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrPersistenceUnavailable) {
		return domain.Record{}, err
	}
	if record.UserID == "" {
		return domain.Record{}, err
	}
	return record, nil
}

func (s *Service) persist(ctx context.Context, change domain.Change) (domain.Record, error) {
	if change.Previous.UserID != "" && change.Kind != domain.ChangeTier &&
		!domain.CanTransition(change.Previous.Status, change.Record.Status) {
		return domain.Record{}, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, change.Previous.Status, change.Record.Status)
	}

	ctx = ctxlogger.ContextWithOperation(ctx, string(change.Kind))
	stored, err := s.gateway.Write(ctx, change)
	if err != nil {
		ctxlogger.WithContext(ctx, s.log).Warn("lifecycle change not persisted",
			zap.String("user_id", change.Record.UserID),
			zap.Error(err),
		)
		return domain.Record{}, err
	}
	s.metrics.IncLifecycleTransition(change.Previous.Status.String(), stored.Status.String())
	return stored, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(tracing.SafeAttributes(attrs...)...))
}

func recordSpanError(span trace.Span, err error) {
	if safeErr := tracing.SafeError(err); safeErr != nil {
		span.RecordError(safeErr)
	}
	span.SetStatus(codes.Error, "lifecycle error")
}

var _ domain.Lifecycle = (*Service)(nil)
