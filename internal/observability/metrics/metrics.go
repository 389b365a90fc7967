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

// Metrics exposes commission engine instruments.
type Metrics struct {
	transactionsProcessed metric.Int64Counter
	recordsSkipped        metric.Int64Counter
	summariesUpserted     metric.Int64Counter
	groupFailures         metric.Int64Counter
	cyclesClosed          metric.Int64Counter
	settlementsMarked     metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "partnerpay"
	}
	meter := provider.Meter(name)

	transactionsProcessed, err := meter.Int64Counter("partnerpay_commission_transactions_total")
	if err != nil {
		return nil, err
	}
	recordsSkipped, err := meter.Int64Counter("partnerpay_commission_records_skipped_total")
	if err != nil {
		return nil, err
	}
	summariesUpserted, err := meter.Int64Counter("partnerpay_commission_summaries_upserted_total")
	if err != nil {
		return nil, err
	}
	groupFailures, err := meter.Int64Counter("partnerpay_commission_group_failures_total")
	if err != nil {
		return nil, err
	}
	cyclesClosed, err := meter.Int64Counter("partnerpay_commission_cycles_closed_total")
	if err != nil {
		return nil, err
	}
	settlementsMarked, err := meter.Int64Counter("partnerpay_commission_settlements_marked_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transactionsProcessed: transactionsProcessed,
		recordsSkipped:        recordsSkipped,
		summariesUpserted:     summariesUpserted,
		groupFailures:         groupFailures,
		cyclesClosed:          cyclesClosed,
		settlementsMarked:     settlementsMarked,
	}, nil
}

// RecordTransactions counts bet records turned into commission transactions.
func (m *Metrics) RecordTransactions(ctx context.Context, category string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("category", strings.TrimSpace(category)))
	m.transactionsProcessed.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordSkipped counts bet records the processor could not attribute.
func (m *Metrics) RecordSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.recordsSkipped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSummaries(ctx context.Context, category string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("category", strings.TrimSpace(category)))
	m.summariesUpserted.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordGroupFailure(ctx context.Context, category string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("category", strings.TrimSpace(category)))
	m.groupFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCycleClosed counts aggregated cycles per category.
func (m *Metrics) RecordCycleClosed(ctx context.Context, category string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("category", strings.TrimSpace(category)))
	m.cyclesClosed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlement counts mark-settled commands by settling tier.
func (m *Metrics) RecordSettlement(ctx context.Context, role string, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("role", strings.TrimSpace(role)))
	m.settlementsMarked.Add(ctx, int64(rows), metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"category":    {},
	"role":        {},
	"reason":      {},
	"route":       {},
	"method":      {},
	"status_code": {},
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
