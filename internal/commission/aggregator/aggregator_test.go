package aggregator

import (
	"context"
	"sync"
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
	"github.com/smallbiznis/partnerpay/internal/commission/processor"
	"github.com/smallbiznis/partnerpay/internal/commission/repository"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	"github.com/smallbiznis/partnerpay/internal/events"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
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

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

type harness struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	processor  commissiondomain.Processor
	aggregator commissiondomain.Aggregator
	publisher  *recordingPublisher
}

func newHarness(t *testing.T, now time.Time, mutate func(*config.CommissionConfig)) *harness {
	t.Helper()
	db := dbtest.Open(t, commissiontest.Models()...)
	commissiontest.Seed(t, db)

	cfg := config.DefaultCommissionConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	holder := config.NewStaticCommissionConfigHolder(cfg)
	registry, err := category.FromConfig(cfg)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(now)
	hierarchy := hierarchyservice.New(hierarchyservice.Params{DB: db, Log: zap.NewNop(), Repo: hierarchyrepository.Provide()})
	repo := repository.Provide()
	publisher := &recordingPublisher{}

	return &harness{
		db:        db,
		clock:     fake,
		publisher: publisher,
		processor: processor.New(processor.Params{
			DB:        db,
			Log:       zap.NewNop(),
			GenID:     node,
			Clock:     fake,
			Tracker:   watermark.NewTracker(db),
			Source:    betrepository.NewSource(db, betrepository.Provide()),
			Hierarchy: hierarchy,
			Rates:     raterepository.Provide(),
			Repo:      repo,
			Registry:  registry,
			Config:    holder,
		}),
		aggregator: New(Params{
			DB:        db,
			Log:       zap.NewNop(),
			GenID:     node,
			Clock:     fake,
			Resolver:  cycle.ProvideResolver(registry, holder),
			Hierarchy: hierarchy,
			Rates:     raterepository.Provide(),
			Repo:      repo,
			Config:    holder,
			Publisher: publisher,
		}),
	}
}

func (h *harness) completed(t *testing.T, userID snowflake.ID) commissiondomain.CompletedCycleSummary {
	t.Helper()
	var row commissiondomain.CompletedCycleSummary
	if err := h.db.Where("user_id = ? AND category_name = ?", userID, "E-Games").First(&row).Error; err != nil {
		t.Fatalf("completed row %d: %v", userID, err)
	}
	return row
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("expected %s, got %s", want, got.String())
	}
}

var firstHalfOfMarch = cycle.Cycle{
	Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 15, 23, 59, 59, int(999*time.Millisecond), time.UTC),
}

func seedMarchBets(t *testing.T, h *harness) {
	t.Helper()
	bets := []betdomain.BetRecord{
		commissiontest.Bet(100, commissiontest.GoldenA1, "E-Games", "1000", "400", time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)),
		commissiontest.Bet(101, commissiontest.GoldenA1, "E-Games", "100", "900", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
		commissiontest.Bet(102, commissiontest.GoldenA2, "E-Games", "500", "100", time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)),
		commissiontest.Bet(103, commissiontest.GoldenB1, "E-Games", "200", "0", time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)),
		// next cycle, must not be rolled in
		commissiontest.Bet(104, commissiontest.GoldenB1, "E-Games", "999", "0", time.Date(2024, 3, 16, 0, 30, 0, 0, time.UTC)),
	}
	require.NoError(t, h.db.Create(&bets).Error)
	_, err := h.processor.Run(context.Background())
	require.NoError(t, err)
}

func TestCloseCycleRollsUpTiers(t *testing.T) {
	h := newHarness(t, time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC), nil)
	seedMarchBets(t, h)

	result, err := h.aggregator.CloseCycle(context.Background(), "e-games", firstHalfOfMarch)
	require.NoError(t, err)
	assert.Equal(t, "E-Games", result.Category)
	assert.Equal(t, 6, result.Rows)

	a1 := h.completed(t, commissiontest.GoldenA1)
	assertMoney(t, "0", a1.NetGGR)
	assertMoney(t, "0", a1.NetCommissionAvailablePayout)
	assertMoney(t, "-40", a1.GrossCommission)
	assert.False(t, a1.SettledByPlatinum)
	assert.Equal(t, commissiondomain.SettledStatusNo, a1.SettledStatus)

	a2 := h.completed(t, commissiontest.GoldenA2)
	assertMoney(t, "80", a2.NetCommissionAvailablePayout)
	assertMoney(t, "40", a2.ParentCommission)

	b1 := h.completed(t, commissiontest.GoldenB1)
	assertMoney(t, "200", b1.NetGGR)
	assertMoney(t, "50", b1.NetCommissionAvailablePayout)

	platA := h.completed(t, commissiontest.PlatinumA)
	assert.Equal(t, hierarchydomain.RolePlatinum, platA.Role)
	assertMoney(t, "400", platA.NetGGR)
	assertMoney(t, "40", platA.NetCommissionAvailablePayout)
	assertMoney(t, "20", platA.ParentCommission)

	platB := h.completed(t, commissiontest.PlatinumB)
	assertMoney(t, "20", platB.NetCommissionAvailablePayout)

	op := h.completed(t, commissiontest.Operator)
	assert.Equal(t, hierarchydomain.RoleOperator, op.Role)
	assertMoney(t, "600", op.NetGGR)
	assertMoney(t, "30", op.NetCommissionAvailablePayout)
	assertMoney(t, "0", op.ParentCommission)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.TypeCycleClosed, h.publisher.events[0].Type)
}

func TestCloseCycleSubordinatePayoutMatchesChildren(t *testing.T) {
	h := newHarness(t, time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC), nil)
	seedMarchBets(t, h)
	_, err := h.aggregator.CloseCycle(context.Background(), "E-Games", firstHalfOfMarch)
	require.NoError(t, err)

	var rows []commissiondomain.CompletedCycleSummary
	require.NoError(t, h.db.Find(&rows).Error)

	payoutByParent := map[snowflake.ID]decimal.Decimal{}
	for _, row := range rows {
		if row.ParentID == nil || row.Role == hierarchydomain.RoleOperator {
			continue
		}
		payoutByParent[*row.ParentID] = payoutByParent[*row.ParentID].Add(row.NetCommissionAvailablePayout)
	}
	for _, row := range rows {
		if row.Role == hierarchydomain.RoleGolden {
			continue
		}
		want := payoutByParent[row.UserID]
		if !row.SubordinatePayout.Equal(want) {
			t.Fatalf("user %d: subordinate payout %s, children sum %s", row.UserID, row.SubordinatePayout, want)
		}
	}
}

func TestCloseCycleRejectsOpenCycle(t *testing.T) {
	h := newHarness(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), nil)

	_, err := h.aggregator.CloseCycle(context.Background(), "E-Games", firstHalfOfMarch)
	require.ErrorIs(t, err, commissiondomain.ErrCycleNotReadyToClose)

	var count int64
	require.NoError(t, h.db.Model(&commissiondomain.CycleAggregation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCloseCycleTestModeClosesOpenCycle(t *testing.T) {
	h := newHarness(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), func(cfg *config.CommissionConfig) {
		cfg.TestMode = true
	})

	_, err := h.aggregator.CloseCycle(context.Background(), "E-Games", firstHalfOfMarch)
	require.NoError(t, err)
}

func TestCloseCycleGuardsDuplicates(t *testing.T) {
	h := newHarness(t, time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC), nil)
	seedMarchBets(t, h)
	ctx := context.Background()

	_, err := h.aggregator.CloseCycle(ctx, "E-Games", firstHalfOfMarch)
	require.NoError(t, err)

	_, err = h.aggregator.CloseCycle(ctx, "E-Games", firstHalfOfMarch)
	require.ErrorIs(t, err, commissiondomain.ErrCycleAlreadyAggregated)

	var count int64
	require.NoError(t, h.db.Model(&commissiondomain.CompletedCycleSummary{}).Count(&count).Error)
	assert.Equal(t, int64(6), count)
	assert.Len(t, h.publisher.events, 1)
}

func TestCloseCycleRejectsMisalignedCycle(t *testing.T) {
	h := newHarness(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), nil)
	misaligned := cycle.Cycle{Start: firstHalfOfMarch.Start.AddDate(0, 0, 1), End: firstHalfOfMarch.End}

	_, err := h.aggregator.CloseCycle(context.Background(), "E-Games", misaligned)
	require.ErrorIs(t, err, commissiondomain.ErrInvalidCycle)

	_, err = h.aggregator.CloseCycle(context.Background(), "Poker", firstHalfOfMarch)
	require.ErrorIs(t, err, category.ErrUnknownCategory)
}

func TestCloseDueCatchesUpWithinBound(t *testing.T) {
	h := newHarness(t, time.Date(2024, 3, 20, 2, 0, 0, 0, time.UTC), func(cfg *config.CommissionConfig) {
		cfg.MaxCatchUpCycles = 3
	})
	ctx := context.Background()

	result, err := h.aggregator.CloseDue(ctx)
	require.NoError(t, err)
	// three cycles for each of the four default categories
	assert.Len(t, result.Closed, 12)
	assert.Zero(t, result.Failed)

	starts := map[string][]time.Time{}
	for _, closed := range result.Closed {
		starts[closed.Category] = append(starts[closed.Category], closed.Cycle.Start)
	}
	assert.Equal(t, []time.Time{
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 16, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}, starts["E-Games"])
	assert.Equal(t, []time.Time{
		time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}, starts["Sports-Betting"])

	again, err := h.aggregator.CloseDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Closed)

	// a week later only the newly finished weekly cycles close
	h.clock.Advance(7 * 24 * time.Hour)
	later, err := h.aggregator.CloseDue(ctx)
	require.NoError(t, err)
	assert.Len(t, later.Closed, 2)
}
