package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes server-side instruments exported over OTLP.
type Metrics struct {
	consumeAllowed metric.Int64Counter
	consumeDenied  metric.Int64Counter
	payments       metric.Int64Counter
	trials         metric.Int64Counter
	rateLimited    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the server instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "wayfare"
	}
	meter := provider.Meter(name)

	consumeAllowed, err := meter.Int64Counter("wayfare_consume_allowed_total")
	if err != nil {
		return nil, err
	}
	consumeDenied, err := meter.Int64Counter("wayfare_consume_denied_total")
	if err != nil {
		return nil, err
	}
	payments, err := meter.Int64Counter("wayfare_payments_total")
	if err != nil {
		return nil, err
	}
	trials, err := meter.Int64Counter("wayfare_trials_started_total")
	if err != nil {
		return nil, err
	}
	rateLimited, err := meter.Int64Counter("wayfare_rate_limited_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		consumeAllowed: consumeAllowed,
		consumeDenied:  consumeDenied,
		payments:       payments,
		trials:         trials,
		rateLimited:    rateLimited,
	}, nil
}

// RecordConsume counts one strict consumption attempt.
func (m *Metrics) RecordConsume(ctx context.Context, feature string, allowed bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	if allowed {
		m.consumeAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.consumeDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPayment counts a charge attempt by tier and outcome.
func (m *Metrics) RecordPayment(ctx context.Context, tier string, success bool) {
	if m == nil {
		return
	}
	outcome := "declined"
	if success {
		outcome = "approved"
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("outcome", outcome),
	)
	m.payments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordTrialStarted(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tier", strings.TrimSpace(tier)))
	m.trials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimited counts requests refused by a limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// user_id is deliberately absent.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature":     {},
	"tier":        {},
	"outcome":     {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
