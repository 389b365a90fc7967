package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/partnerpay/internal/clock"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	obsmetrics "github.com/smallbiznis/partnerpay/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProcessor struct {
	mu     sync.Mutex
	calls  *[]string
	result commissiondomain.RunResult
	err    error
}

func (p *stubProcessor) Run(ctx context.Context) (commissiondomain.RunResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.calls = append(*p.calls, "process")
	return p.result, p.err
}

type stubAggregator struct {
	calls  *[]string
	result commissiondomain.CloseDueResult
	err    error
}

func (a *stubAggregator) CloseCycle(context.Context, string, cycle.Cycle) (commissiondomain.CloseResult, error) {
	return commissiondomain.CloseResult{}, nil
}

func (a *stubAggregator) CloseDue(context.Context) (commissiondomain.CloseDueResult, error) {
	*a.calls = append(*a.calls, "close")
	return a.result, a.err
}

func newTestScheduler(t *testing.T, proc *stubProcessor, agg *stubAggregator, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	s, err := New(Params{
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clock.NewFakeClock(time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC)),
		Processor:  proc,
		Aggregator: agg,
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "partnerpay",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", TriggerManual, 5*time.Millisecond, func(ctx context.Context, _ *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "partnerpay",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "partnerpay_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "partnerpay",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "partnerpay_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceProcessesBeforeClosing(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	var calls []string
	proc := &stubProcessor{calls: &calls, result: commissiondomain.RunResult{Inserted: 3, Groups: 2}}
	agg := &stubAggregator{calls: &calls, result: commissiondomain.CloseDueResult{
		Closed: []commissiondomain.CloseResult{{Category: "E-Games", Rows: 4}},
	}}
	s := newTestScheduler(t, proc, agg, DefaultConfig())

	report, err := s.RunOnce(context.Background(), TriggerDaily)
	require.NoError(t, err)
	assert.Equal(t, []string{"process", "close"}, calls)
	require.NotNil(t, report.Process)
	require.NotNil(t, report.Close)
	assert.Equal(t, 3, report.Process.Inserted)
	assert.Len(t, report.Close.Closed, 1)
	assert.Equal(t, TriggerDaily, report.Trigger)
}

func TestRunOnceContinuesAfterProcessorError(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	boom := errors.New("boom")
	var calls []string
	s := newTestScheduler(t,
		&stubProcessor{calls: &calls, err: boom},
		&stubAggregator{calls: &calls},
		DefaultConfig(),
	)

	_, err := s.RunOnce(context.Background(), TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), JobProcess)
	assert.Equal(t, []string{"process", "close"}, calls)
}

func TestRunOnceSkipsWhileLocked(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "partnerpay", Environment: "test"})

	var calls []string
	s := newTestScheduler(t, &stubProcessor{calls: &calls}, &stubAggregator{calls: &calls}, DefaultConfig())

	s.mu.Lock()
	_, err := s.RunOnce(context.Background(), TriggerDaily)
	s.mu.Unlock()

	assert.ErrorIs(t, err, ErrRunLocked)
	assert.Empty(t, calls)
	labels := map[string]string{
		"service": "partnerpay",
		"env":     "test",
		"job":     "run_once",
		"reason":  deferReasonLocked,
	}
	if got := getCounterValue(t, registry, "partnerpay_scheduler_batch_deferred_total", labels); got != 1 {
		t.Fatalf("expected deferred count 1, got %v", got)
	}

	_, err = s.RunOnce(context.Background(), TriggerDaily)
	require.NoError(t, err)
	assert.Equal(t, []string{"process", "close"}, calls)
}

func TestEnabledJobsFilter(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	var calls []string
	cfg := DefaultConfig()
	cfg.EnabledJobs = []string{"CLOSE_CYCLES"}
	s := newTestScheduler(t, &stubProcessor{calls: &calls}, &stubAggregator{calls: &calls}, cfg)

	report, err := s.RunOnce(context.Background(), TriggerDaily)
	require.NoError(t, err)
	assert.Nil(t, report.Process)
	assert.Equal(t, []string{"close"}, calls)
}

func TestManualTriggers(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	var calls []string
	proc := &stubProcessor{calls: &calls, result: commissiondomain.RunResult{Scanned: 7}}
	s := newTestScheduler(t, proc, &stubAggregator{calls: &calls}, DefaultConfig())

	res, err := s.TriggerProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.Scanned)

	_, err = s.TriggerClose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"process", "close"}, calls)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProvideConfigUsesCommissionSchedule(t *testing.T) {
	commission := config.DefaultCommissionConfig()
	commission.DailyRunAt = "02:15"
	commission.FirstRunDelay = 2 * time.Minute

	cfg := ProvideConfig(config.Config{
		Scheduler: config.SchedulerConfig{Enabled: true, JobTimeout: time.Minute},
	}, config.NewStaticCommissionConfigHolder(commission))

	assert.True(t, cfg.Enabled)
	assert.Equal(t, uint(2), cfg.DailyHour)
	assert.Equal(t, uint(15), cfg.DailyMinute)
	assert.Equal(t, 2*time.Minute, cfg.FirstRunDelay)
	assert.Equal(t, time.Minute, cfg.JobTimeout)
	assert.Equal(t, time.Minute, cfg.LockTTL)
	assert.Equal(t, defaultLockKey, cfg.LockKey)
}

func TestStartDisabledIsNoop(t *testing.T) {
	var calls []string
	s := newTestScheduler(t, &stubProcessor{calls: &calls}, &stubAggregator{calls: &calls}, Config{})
	s.cfg.Enabled = false

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	assert.Empty(t, calls)
}

func TestDailySlot(t *testing.T) {
	var calls []string
	cfg := DefaultConfig()
	cfg.DailyHour, cfg.DailyMinute = 2, 15
	s := newTestScheduler(t, &stubProcessor{calls: &calls}, &stubAggregator{calls: &calls}, cfg)

	after := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 2, 2, 15, 0, 0, time.UTC), s.dailySlot(after))

	before := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 2, 15, 0, 0, time.UTC), s.dailySlot(before))

	exact := time.Date(2024, 3, 2, 2, 15, 0, 0, time.UTC)
	assert.Equal(t, exact, s.dailySlot(exact))
}

func TestTickObservesLagFromScheduledTime(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "partnerpay", Environment: "test"})

	var calls []string
	cfg := DefaultConfig()
	cfg.DailyHour, cfg.DailyMinute = 0, 15
	s := newTestScheduler(t, &stubProcessor{calls: &calls}, &stubAggregator{calls: &calls}, cfg)

	// the fake clock sits at 00:30, fifteen minutes after the daily slot
	s.tick(context.Background(), TriggerDaily, s.dailySlot(s.clock.Now()))
	// a trigger that fires ahead of its slot records zero lag
	s.tick(context.Background(), TriggerFirstRun, s.clock.Now().Add(time.Minute))
	assert.Equal(t, []string{"process", "close", "process", "close"}, calls)

	families, err := registry.Gather()
	require.NoError(t, err)
	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "partnerpay_scheduler_runloop_lag_seconds" {
			require.Len(t, mf.Metric, 1)
			hist = mf.Metric[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.Equal(t, (15 * time.Minute).Seconds(), hist.GetSampleSum())
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
