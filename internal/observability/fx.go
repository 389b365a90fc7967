package observability

import (
	"github.com/smallbiznis/partnerpay/internal/observability/logger"
	"github.com/smallbiznis/partnerpay/internal/observability/metrics"
	"github.com/smallbiznis/partnerpay/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the partnerpay telemetry stack. The commission scheduler
// reads its Prometheus instruments from a package-level singleton, so it is
// seeded here with the service labels.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		loggerConfig,
		logger.New,
		tracingConfig,
		tracing.NewProvider,
		metricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(announce),
)

func loggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		File:                cfg.LogFile,
		FileMaxSizeMB:       cfg.LogFileMaxMB,
		FileMaxBackups:      cfg.LogFileBackups,
		FileMaxAgeDays:      cfg.LogFileMaxDays,
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func tracingConfig(cfg Config) tracing.Config {
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

func metricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

// announce forces the tracer provider into the graph and seeds the scheduler
// instruments before logging the labels the process reports under.
func announce(cfg Config, mc metrics.Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	metrics.SchedulerWithConfig(mc)
	log.Info("observability ready",
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Environment),
		zap.String("version", cfg.Version),
		zap.String("instance_id", cfg.InstanceID),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.Float64("otel_sampling_ratio", cfg.OtelSamplingRatio),
	)
}
