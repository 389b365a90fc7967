package cloudmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/shopspring/decimal"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/config"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"github.com/smallbiznis/partnerpay/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

func TestNewPusherDisabled(t *testing.T) {
	cases := []config.MetricsPushConfig{
		{Enabled: false, Exporter: exporterPrometheusRemoteWrite, Endpoint: "http://collector/api/v1/write"},
		{Enabled: true, Exporter: "", Endpoint: "http://collector"},
		{Enabled: true, Exporter: exporterPrometheusRemoteWrite, Endpoint: ""},
		{Enabled: true, Exporter: exporterPrometheusRemoteWrite, Endpoint: "not a url"},
		{Enabled: true, Exporter: "statsd", Endpoint: "http://collector"},
	}
	for _, mc := range cases {
		if p := NewPusher(config.Config{Metrics: mc}, zap.NewNop()); p != nil {
			t.Fatalf("expected nil pusher for %+v, got %T", mc, p)
		}
	}
}

func TestNewPusherKinds(t *testing.T) {
	p := NewPusher(config.Config{Metrics: config.MetricsPushConfig{
		Enabled: true, Exporter: "PROMETHEUS_REMOTE_WRITE", Endpoint: "http://collector/api/v1/write",
	}}, zap.NewNop())
	assert.IsType(t, &RemoteWritePusher{}, p)

	p = NewPusher(config.Config{AppName: "partnerpay", Metrics: config.MetricsPushConfig{
		Enabled: true, Exporter: exporterPrometheusPushgateway, Endpoint: "http://gateway:9091",
	}}, zap.NewNop())
	assert.IsType(t, &PushgatewayPusher{}, p)

	p = NewPusher(config.Config{Metrics: config.MetricsPushConfig{
		Enabled: true, Exporter: exporterOTLP, Endpoint: "https://otel:4317",
	}}, zap.NewNop())
	require.IsType(t, &OTLPPusher{}, p)
	assert.Equal(t, "otel:4317", p.(*OTLPPusher).address)
	assert.True(t, p.(*OTLPPusher).secure)
}

func TestBuildRemoteWriteSeriesSkipsHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "ledger_gauge"}, []string{"category"})
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ledger_hist"})
	registry.MustRegister(gauge, hist)
	gauge.WithLabelValues("E-Games").Set(120)
	hist.Observe(1)

	families, err := registry.Gather()
	require.NoError(t, err)

	series := buildRemoteWriteSeries(families, 1000)
	require.Len(t, series, 1)
	assert.Equal(t, []prompb.Label{
		{Name: "__name__", Value: "ledger_gauge"},
		{Name: "category", Value: "E-Games"},
	}, series[0].Labels)
	assert.Equal(t, 120.0, series[0].Samples[0].Value)
	assert.Equal(t, int64(1000), series[0].Samples[0].Timestamp)
}

func TestRemoteWritePusherSendsSnappyProtobuf(t *testing.T) {
	var got prompb.WriteRequest
	var auth, encoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		encoding = r.Header.Get("Content-Encoding")
		body, _ := io.ReadAll(r.Body)
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := got.Unmarshal(decoded); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "partnerpay_ledger_watermark_seconds"})
	registry.MustRegister(gauge)
	gauge.Set(42)

	err := NewRemoteWritePusher(srv.URL, "secret").Push(context.Background(), registry)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "snappy", encoding)
	require.Len(t, got.Timeseries, 1)
	assert.Equal(t, 42.0, got.Timeseries[0].Samples[0].Value)
}

func TestRemoteWritePusherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "g"})
	registry.MustRegister(gauge)

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPushgatewayPusherUsesJobAndGrouping(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		method = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "g"})
	registry.MustRegister(gauge)

	p := NewPushgatewayPusher(srv.URL, "partnerpay", map[string]string{"environment": "test", "instance": ""})
	require.NoError(t, p.Push(context.Background(), registry))
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/metrics/job/partnerpay"), path)
	assert.Contains(t, path, "/environment/test")
	assert.NotContains(t, path, "/instance/")
}

func TestBuildOTLPMetrics(t *testing.T) {
	counterType := dto.MetricType_COUNTER
	gaugeType := dto.MetricType_GAUGE
	name := func(s string) *string { return &s }
	value := func(v float64) *float64 { return &v }

	families := []*dto.MetricFamily{
		{Name: name("c"), Type: &counterType, Metric: []*dto.Metric{{Counter: &dto.Counter{Value: value(3)}}}},
		{Name: name("g"), Type: &gaugeType, Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: value(7)}}}},
	}
	metrics := buildOTLPMetrics(families, 10)
	require.Len(t, metrics, 2)
	assert.True(t, metrics[0].GetSum().GetIsMonotonic())
	assert.Equal(t, 7.0, metrics[1].GetGauge().GetDataPoints()[0].GetAsDouble())
	_, err := proto.Marshal(metrics[0])
	require.NoError(t, err)
}

func TestLedgerCollect(t *testing.T) {
	db := dbtest.Open(t, &commissiondomain.CompletedCycleSummary{}, &commissiondomain.CycleAggregation{}, &watermark.ProcessMeta{})
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC)
	row := func(id, user int64, role hierarchydomain.Role, payout string, status string) commissiondomain.CompletedCycleSummary {
		return commissiondomain.CompletedCycleSummary{
			ID:                           snowflake.ID(id),
			UserID:                       snowflake.ID(user),
			Role:                         role,
			CategoryName:                 "E-Games",
			CycleStart:                   start,
			CycleEnd:                     end,
			NetCommissionAvailablePayout: decimal.RequireFromString(payout),
			SettledStatus:                status,
			CreatedAt:                    start,
			UpdatedAt:                    start,
		}
	}
	rows := []commissiondomain.CompletedCycleSummary{
		row(1, 30, hierarchydomain.RoleGolden, "120.00", commissiondomain.SettledStatusNo),
		row(2, 31, hierarchydomain.RoleGolden, "-10.00", commissiondomain.SettledStatusNo),
		row(3, 20, hierarchydomain.RolePlatinum, "60.00", commissiondomain.SettledStatusYes),
	}
	require.NoError(t, db.Create(&rows).Error)
	require.NoError(t, db.Create(&commissiondomain.CycleAggregation{
		CategoryName: "E-Games", CycleStart: start, CycleEnd: end, RowCount: 3, AggregatedAt: end,
	}).Error)

	tracker := watermark.NewTracker(db)
	require.NoError(t, tracker.Init(ctx))
	mark := time.Date(2024, 3, 16, 0, 30, 0, 0, time.UTC)
	require.NoError(t, tracker.Set(ctx, mark))

	ledger := NewLedger(prometheus.NewRegistry(), db, tracker, "test-1", "0.1.0")
	require.NoError(t, ledger.Collect(ctx))

	assert.Equal(t, 120.0, testutil.ToFloat64(ledger.unsettledPayout.WithLabelValues("E-Games", "golden")))
	assert.Equal(t, 60.0, testutil.ToFloat64(ledger.settledPayout.WithLabelValues("E-Games", "platinum")))
	assert.Equal(t, 2.0, testutil.ToFloat64(ledger.completedRows.WithLabelValues("E-Games", "N")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ledger.completedRows.WithLabelValues("E-Games", "Y")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ledger.cyclesClosed.WithLabelValues("E-Games")))
	assert.Equal(t, float64(end.Unix()), testutil.ToFloat64(ledger.lastCycleEnd.WithLabelValues("E-Games")))
	assert.Equal(t, float64(mark.Unix()), testutil.ToFloat64(ledger.watermarkAt))
}

type countingPusher struct {
	pushes int
}

func (p *countingPusher) Push(context.Context, *prometheus.Registry) error {
	p.pushes++
	return nil
}

func TestNewDisabledWithoutPusher(t *testing.T) {
	assert.Nil(t, New(Params{Log: zap.NewNop()}))

	var c *CloudMetrics
	assert.NoError(t, c.PushOnce(context.Background()))
}

func TestPushOnceCollectsThenPushes(t *testing.T) {
	db := dbtest.Open(t, &commissiondomain.CompletedCycleSummary{}, &commissiondomain.CycleAggregation{})
	pusher := &countingPusher{}
	c := New(Params{
		Cfg:    config.Config{InstanceID: "test-1"},
		DB:     db,
		Pusher: pusher,
		Log:    zap.NewNop(),
	})
	require.NotNil(t, c)
	assert.Equal(t, defaultPushInterval, c.interval)

	require.NoError(t, c.PushOnce(context.Background()))
	assert.Equal(t, 1, pusher.pushes)
}
