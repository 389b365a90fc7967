package cloudmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"gorm.io/gorm"
)

// Ledger snapshots commission balances into a dedicated registry.
type Ledger struct {
	db      *gorm.DB
	tracker watermark.Tracker

	unsettledPayout *prometheus.GaugeVec
	settledPayout   *prometheus.GaugeVec
	completedRows   *prometheus.GaugeVec
	cyclesClosed    *prometheus.GaugeVec
	lastCycleEnd    *prometheus.GaugeVec
	watermarkAt     prometheus.Gauge
	memoryBytes     prometheus.Gauge
}

func NewLedger(registry *prometheus.Registry, db *gorm.DB, tracker watermark.Tracker, instanceID, version string) *Ledger {
	constLabels := prometheus.Labels{
		"instance_id": instanceID,
		"version":     version,
	}
	l := &Ledger{
		db:      db,
		tracker: tracker,
		unsettledPayout: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "partnerpay_ledger_unsettled_payout",
			Help:        "Completed-cycle payouts not yet settled by the immediate parent.",
			ConstLabels: constLabels,
		}, []string{"category", "role"}),
		settledPayout: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "partnerpay_ledger_settled_payout",
			Help:        "Completed-cycle payouts settled by the immediate parent.",
			ConstLabels: constLabels,
		}, []string{"category", "role"}),
		completedRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "partnerpay_ledger_completed_rows",
			Help:        "Completed-cycle summary rows by settled status.",
			ConstLabels: constLabels,
		}, []string{"category", "settled"}),
		cyclesClosed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "partnerpay_ledger_cycles_closed",
			Help:        "Aggregated cycles per category.",
			ConstLabels: constLabels,
		}, []string{"category"}),
		lastCycleEnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "partnerpay_ledger_last_cycle_end_seconds",
			Help:        "End of the latest aggregated cycle as a unix timestamp.",
			ConstLabels: constLabels,
		}, []string{"category"}),
		watermarkAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "partnerpay_ledger_watermark_seconds",
			Help:        "Processing watermark as a unix timestamp.",
			ConstLabels: constLabels,
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "partnerpay_process_memory_bytes",
			Help:        "Memory obtained from the OS by the process.",
			ConstLabels: constLabels,
		}),
	}
	registry.MustRegister(
		l.unsettledPayout,
		l.settledPayout,
		l.completedRows,
		l.cyclesClosed,
		l.lastCycleEnd,
		l.watermarkAt,
		l.memoryBytes,
	)
	return l
}

type payoutTotal struct {
	CategoryName  string
	Role          string
	SettledStatus string
	Amount        decimal.Decimal
	RowCount      int64
}

// Collect refreshes every gauge from the database.
func (l *Ledger) Collect(ctx context.Context) error {
	if l == nil {
		return nil
	}

	var totals []payoutTotal
	err := l.db.WithContext(ctx).
		Model(&commissiondomain.CompletedCycleSummary{}).
		Select(`category_name, role, settled_status,
			COALESCE(SUM(CASE WHEN net_commission_available_payout > 0 THEN net_commission_available_payout ELSE 0 END), 0) AS amount,
			COUNT(*) AS row_count`).
		Group("category_name, role, settled_status").
		Scan(&totals).Error
	if err != nil {
		return err
	}

	var aggregations []commissiondomain.CycleAggregation
	if err := l.db.WithContext(ctx).Find(&aggregations).Error; err != nil {
		return err
	}

	l.unsettledPayout.Reset()
	l.settledPayout.Reset()
	l.completedRows.Reset()
	for _, t := range totals {
		amount := t.Amount.InexactFloat64()
		settled := t.SettledStatus == commissiondomain.SettledStatusYes
		if settled {
			l.settledPayout.WithLabelValues(t.CategoryName, t.Role).Add(amount)
			l.completedRows.WithLabelValues(t.CategoryName, "Y").Add(float64(t.RowCount))
			continue
		}
		l.unsettledPayout.WithLabelValues(t.CategoryName, t.Role).Add(amount)
		l.completedRows.WithLabelValues(t.CategoryName, "N").Add(float64(t.RowCount))
	}

	l.cyclesClosed.Reset()
	l.lastCycleEnd.Reset()
	latest := map[string]time.Time{}
	for _, agg := range aggregations {
		l.cyclesClosed.WithLabelValues(agg.CategoryName).Inc()
		if agg.CycleEnd.After(latest[agg.CategoryName]) {
			latest[agg.CategoryName] = agg.CycleEnd
		}
	}
	for name, end := range latest {
		l.lastCycleEnd.WithLabelValues(name).Set(float64(end.Unix()))
	}

	if l.tracker != nil {
		at, ok, err := l.tracker.Get(ctx)
		if err != nil {
			return err
		}
		if ok {
			l.watermarkAt.Set(float64(at.Unix()))
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	l.memoryBytes.Set(float64(m.Sys))
	return nil
}
