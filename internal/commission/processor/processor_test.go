package processor

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	betdomain "github.com/smallbiznis/partnerpay/internal/betrecord/domain"
	betrepository "github.com/smallbiznis/partnerpay/internal/betrecord/repository"
	"github.com/smallbiznis/partnerpay/internal/category"
	"github.com/smallbiznis/partnerpay/internal/clock"
	"github.com/smallbiznis/partnerpay/internal/commission/commissiontest"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/commission/repository"
	"github.com/smallbiznis/partnerpay/internal/config"
	hierarchyrepository "github.com/smallbiznis/partnerpay/internal/hierarchy/repository"
	hierarchyservice "github.com/smallbiznis/partnerpay/internal/hierarchy/service"
	raterepository "github.com/smallbiznis/partnerpay/internal/rate/repository"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"github.com/smallbiznis/partnerpay/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	tracker   watermark.Tracker
	processor commissiondomain.Processor
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	db := dbtest.Open(t, commissiontest.Models()...)
	commissiontest.Seed(t, db)

	cfg := config.DefaultCommissionConfig()
	cfg.BatchSize = 2
	holder := config.NewStaticCommissionConfigHolder(cfg)
	registry, err := category.FromConfig(cfg)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &harness{
		db:      db,
		clock:   clock.NewFakeClock(now),
		tracker: watermark.NewTracker(db),
	}
	h.processor = New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     h.clock,
		Tracker:   h.tracker,
		Source:    betrepository.NewSource(db, betrepository.Provide()),
		Hierarchy: hierarchyservice.New(hierarchyservice.Params{DB: db, Log: zap.NewNop(), Repo: hierarchyrepository.Provide()}),
		Rates:     raterepository.Provide(),
		Repo:      repository.Provide(),
		Registry:  registry,
		Config:    holder,
	})
	return h
}

func (h *harness) insertBets(t *testing.T, bets ...betdomain.BetRecord) {
	t.Helper()
	require.NoError(t, h.db.Create(&bets).Error)
}

func (h *harness) summary(t *testing.T, userID snowflake.ID, categoryName string, day time.Time) commissiondomain.CommissionSummary {
	t.Helper()
	var row commissiondomain.CommissionSummary
	err := h.db.Where("user_id = ? AND category_name = ? AND summary_date = ?", userID, categoryName, day).First(&row).Error
	if err != nil {
		t.Fatalf("summary %d %s: %v", userID, categoryName, err)
	}
	return row
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("expected %s, got %s", want, got.String())
	}
}

func TestRunComputesTierCommissions(t *testing.T) {
	day := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, day.Add(36*time.Hour))
	h.insertBets(t, commissiontest.Bet(100, commissiontest.GoldenA1, "E-Games", "1000", "400", day.Add(10*time.Hour)))

	result, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Groups)
	assert.True(t, result.WatermarkMove)

	var tx commissiondomain.Transaction
	require.NoError(t, h.db.Where("bet_id = ?", "bet-100").First(&tx).Error)
	assertMoney(t, "600", tx.BaseAmount)
	assertMoney(t, "120", tx.GoldenCommission)
	assertMoney(t, "60", tx.PlatinumCommission)
	assertMoney(t, "30", tx.OperatorCommission)

	golden := h.summary(t, commissiontest.GoldenA1, "E-Games", day)
	assert.Equal(t, "golden", string(golden.Role))
	assertMoney(t, "1000", golden.TotalBetAmount)
	assertMoney(t, "600", golden.NetGGR)
	assertMoney(t, "120", golden.GrossCommission)
	assertMoney(t, "120", golden.NetCommissionAvailablePayout)
	assertMoney(t, "120", golden.PendingSettleCommission)
	assertMoney(t, "60", golden.ParentCommission)
	assert.Equal(t, commissiondomain.SettledStatusNo, golden.SettledStatus)

	platinum := h.summary(t, commissiontest.PlatinumA, "E-Games", day)
	assertMoney(t, "60", platinum.GrossCommission)
	assertMoney(t, "30", platinum.ParentCommission)

	operator := h.summary(t, commissiontest.Operator, "E-Games", day)
	assertMoney(t, "30", operator.GrossCommission)
	assertMoney(t, "0", operator.ParentCommission)
	require.NotNil(t, operator.ParentID)
	assert.Equal(t, commissiontest.Owner, *operator.ParentID)

	mark, ok, err := h.tracker.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mark.Equal(day.Add(36*time.Hour)))
}

func TestRunTurnoverBaseNetsRefunds(t *testing.T) {
	day := time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, day.Add(24*time.Hour))
	bet := commissiontest.Bet(100, commissiontest.GoldenA1, "sports betting", "1000", "0", day.Add(time.Hour))
	bet.RefundAmount = decimal.RequireFromString("100")
	h.insertBets(t, bet)

	_, err := h.processor.Run(context.Background())
	require.NoError(t, err)

	golden := h.summary(t, commissiontest.GoldenA1, "Sports-Betting", day)
	assertMoney(t, "900", golden.TotalBetAmount)
	assertMoney(t, "9", golden.GrossCommission)
	assertMoney(t, "4.5", golden.ParentCommission)
}

func TestRunIsIdempotentOverOverlappingWindows(t *testing.T) {
	day := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, day.Add(12*time.Hour))
	ctx := context.Background()
	h.insertBets(t,
		commissiontest.Bet(100, commissiontest.GoldenA1, "E-Games", "1000", "400", day.Add(1*time.Hour)),
		commissiontest.Bet(101, commissiontest.GoldenA2, "E-Games", "500", "100", day.Add(2*time.Hour)),
		commissiontest.Bet(102, commissiontest.GoldenB1, "E-Games", "200", "0", day.Add(3*time.Hour)),
	)

	_, err := h.processor.Run(ctx)
	require.NoError(t, err)
	before := h.summary(t, commissiontest.PlatinumA, "E-Games", day)

	// rewind so the second run covers the same bets plus a new one
	require.NoError(t, h.tracker.Set(ctx, day))
	h.insertBets(t, commissiontest.Bet(103, commissiontest.GoldenA1, "E-Games", "100", "0", day.Add(13*time.Hour)))
	h.clock.Advance(2 * time.Hour)

	result, err := h.processor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Scanned)
	assert.Equal(t, 1, result.Inserted)

	var count int64
	require.NoError(t, h.db.Model(&commissiondomain.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(4), count)

	after := h.summary(t, commissiontest.PlatinumA, "E-Games", day)
	// base grows by the new bet only: 600 + 400 + 100
	assertMoney(t, "100", before.GrossCommission)
	assertMoney(t, "110", after.GrossCommission)
	assert.Equal(t, before.ID, after.ID)

	var rows int64
	require.NoError(t, h.db.Model(&commissiondomain.CommissionSummary{}).Where("user_id = ?", commissiontest.PlatinumA).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestRunSkipsUnattributableBets(t *testing.T) {
	day := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, day.Add(24*time.Hour))

	unknownCategory := commissiontest.Bet(100, commissiontest.GoldenA1, "Lottery", "10", "0", day.Add(time.Hour))
	noAgent := commissiontest.Bet(101, commissiontest.GoldenA1, "E-Games", "10", "0", day.Add(time.Hour))
	noAgent.AgentID = nil
	unknownAgent := commissiontest.Bet(102, 999, "E-Games", "10", "0", day.Add(time.Hour))
	orphan := commissiontest.Bet(103, commissiontest.Orphan, "E-Games", "10", "0", day.Add(time.Hour))
	h.insertBets(t, unknownCategory, noAgent, unknownAgent, orphan)

	result, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Scanned)
	assert.Equal(t, 3, result.Skipped)
	assert.Equal(t, 1, result.Inserted)

	var tx commissiondomain.Transaction
	require.NoError(t, h.db.Where("bet_id = ?", "bet-103").First(&tx).Error)
	assert.Nil(t, tx.PlatinumID)
	assert.Nil(t, tx.OperatorID)
	assertMoney(t, "0", tx.PlatinumCommission)
}

func TestRunWithoutBetsLeavesWatermark(t *testing.T) {
	h := newHarness(t, time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC))

	result, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Noop)

	_, ok, err := h.tracker.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunIgnoresBetsBeforeCutoff(t *testing.T) {
	h := newHarness(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	h.insertBets(t, commissiontest.Bet(100, commissiontest.GoldenA1, "E-Games", "10", "0", time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)))

	result, err := h.processor.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Noop)
}

func TestRunCancelledKeepsWatermark(t *testing.T) {
	day := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, day.Add(24*time.Hour))
	h.insertBets(t, commissiontest.Bet(100, commissiontest.GoldenA1, "E-Games", "10", "0", day.Add(time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, ok, err := h.tracker.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSummarizeUsesDayTotalsForRounding(t *testing.T) {
	cfg := config.DefaultCommissionConfig()
	registry, err := category.FromConfig(cfg)
	require.NoError(t, err)
	cat, err := registry.Lookup("E-Games")
	require.NoError(t, err)

	day := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	txs := []commissiondomain.Transaction{
		{GoldenID: 30, BaseAmount: decimal.RequireFromString("0.03"), NetGGR: decimal.RequireFromString("0.03")},
		{GoldenID: 30, BaseAmount: decimal.RequireFromString("0.03"), NetGGR: decimal.RequireFromString("0.03")},
	}
	rates := newBook(30, cat.ID, "25")
	var next snowflake.ID
	rows := Summarize(cat, day, txs, nil, rates, day, func() snowflake.ID { next++; return next })
	require.Len(t, rows, 1)
	// 0.06 × 25% = 0.015 → 0.02; per bet it would be 0.01 + 0.01
	assertMoney(t, "0.02", rows[0].GrossCommission)
}
