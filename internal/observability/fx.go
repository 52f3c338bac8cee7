package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/wayfare/internal/observability/logger"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	"github.com/smallbiznis/wayfare/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module carries logging, tracing and engine metrics for every binary.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		provideEngineMetrics,
	),
	fx.Invoke(ensureTracingProvider),
)

// ServerModule adds OTLP metric export and HTTP request metrics for the API.
var ServerModule = fx.Module("observability.server",
	fx.Provide(
		metrics.NewProvider,
		metrics.New,
		provideHTTPMetrics,
	),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

func provideEngineMetrics(cfg metrics.Config) *metrics.EngineMetrics {
	return metrics.EngineWithConfig(cfg)
}

func provideHTTPMetrics(cfg metrics.Config) *metrics.HTTPMetrics {
	return metrics.NewHTTPMetrics(prometheus.DefaultRegisterer, cfg)
}
