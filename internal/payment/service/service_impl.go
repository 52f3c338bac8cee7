package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/wayfare/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service routes charges to the processor registered for their payment method.
type Service interface {
	Process(ctx context.Context, charge paymentdomain.Charge) (paymentdomain.Outcome, error)
}

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Registry *adapters.Registry
}

type service struct {
	log      *zap.Logger
	registry *adapters.Registry
	cfg      paymentdomain.ProcessorConfig
}

func NewService(p Params) Service {
	return New(p.Registry, paymentdomain.ProcessorConfig{AutoApprove: p.Cfg.PaymentAutoApprove}, p.Log)
}

func New(registry *adapters.Registry, cfg paymentdomain.ProcessorConfig, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &service{log: log.Named("payment.service"), registry: registry, cfg: cfg}
}

func (s *service) Process(ctx context.Context, charge paymentdomain.Charge) (paymentdomain.Outcome, error) {
	ctx, span := otel.Tracer("wayfare/payment").Start(ctx, "payment.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.method", charge.PaymentMethod),
		attribute.String("payment.tier", charge.Tier),
	)

	method := strings.ToLower(strings.TrimSpace(charge.PaymentMethod))
	processor, err := s.registry.NewProcessor(method, s.cfg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return paymentdomain.Outcome{}, fmt.Errorf("%w: %s", err, method)
	}

	outcome, err := processor.Process(ctx, charge)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("payment processing failed",
			zap.String("user_id", charge.UserID),
			zap.String("payment_method", method),
			zap.Error(err),
		)
		return paymentdomain.Outcome{}, err
	}

	span.SetAttributes(attribute.Bool("payment.approved", outcome.Approved))
	if !outcome.Approved {
		s.log.Info("payment declined",
			zap.String("user_id", charge.UserID),
			zap.String("tier", charge.Tier),
			zap.String("reason", outcome.Reason),
		)
	}
	return outcome, nil
}
