package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnerpay/internal/category"
	"github.com/smallbiznis/partnerpay/internal/clock"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	"github.com/smallbiznis/partnerpay/internal/events"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"github.com/smallbiznis/partnerpay/internal/observability/logger"
	"github.com/smallbiznis/partnerpay/internal/observability/metrics"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxCatchUpCycles = 12

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Resolver  *cycle.Resolver
	Hierarchy hierarchydomain.Service
	Rates     ratedomain.Repository
	Repo      commissiondomain.Repository
	Config    *config.CommissionConfigHolder
	Publisher events.Publisher `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
}

type Aggregator struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	resolver  *cycle.Resolver
	hierarchy hierarchydomain.Service
	rates     ratedomain.Repository
	repo      commissiondomain.Repository
	cfg       *config.CommissionConfigHolder
	publisher events.Publisher
	metrics   *metrics.Metrics
}

func New(p Params) commissiondomain.Aggregator {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Aggregator{
		db:        p.DB,
		log:       p.Log.Named("commission.aggregator"),
		genID:     p.GenID,
		clock:     p.Clock,
		resolver:  p.Resolver,
		hierarchy: p.Hierarchy,
		rates:     p.Rates,
		repo:      p.Repo,
		cfg:       p.Config,
		publisher: publisher,
		metrics:   p.Metrics,
	}
}

type cycleClosedPayload struct {
	Category   string    `json:"category"`
	CycleStart time.Time `json:"cycle_start"`
	CycleEnd   time.Time `json:"cycle_end"`
	Rows       int       `json:"rows"`
}

// CloseCycle snapshots one closed cycle of a category. The guard row and the
// completed rows commit together, so a cycle is aggregated at most once.
func (a *Aggregator) CloseCycle(ctx context.Context, name string, c cycle.Cycle) (commissiondomain.CloseResult, error) {
	cat, err := a.resolver.Category(name)
	if err != nil {
		return commissiondomain.CloseResult{}, err
	}
	if expected := a.resolver.Current(cat, c.Start); !expected.Start.Equal(c.Start) || !expected.End.Equal(c.End) {
		return commissiondomain.CloseResult{}, commissiondomain.ErrInvalidCycle
	}
	result := commissiondomain.CloseResult{Category: cat.Name, Cycle: c}

	now := a.clock.Now().UTC()
	if !c.Closed(now) && !a.resolver.TestMode() {
		return result, commissiondomain.ErrCycleNotReadyToClose
	}

	log := logger.WithCategory(logger.WithContext(ctx, a.log), cat.Name)

	tree, err := a.hierarchy.Tree(ctx)
	if err != nil {
		return result, err
	}
	rateRows, err := a.rates.ListAll(ctx, a.db)
	if err != nil {
		return result, err
	}
	book := ratedomain.NewRateBook(rateRows)

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		daily, err := a.repo.ListSummaries(ctx, tx, commissiondomain.SummaryFilter{
			CategoryName: cat.Name,
			Role:         hierarchydomain.RoleGolden,
			From:         c.Start,
			To:           c.End,
		})
		if err != nil {
			return err
		}
		rows := Rollup(cat, c, daily, tree, book, now, a.genID.Generate)

		inserted, err := a.repo.InsertAggregation(ctx, tx, &commissiondomain.CycleAggregation{
			CategoryName: cat.Name,
			CycleStart:   c.Start,
			CycleEnd:     c.End,
			RowCount:     len(rows),
			AggregatedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return commissiondomain.ErrCycleAlreadyAggregated
		}
		if _, err := a.repo.InsertCompleted(ctx, tx, rows); err != nil {
			return err
		}
		result.Rows = len(rows)
		return nil
	})
	if err != nil {
		return result, err
	}

	a.metrics.RecordCycleClosed(ctx, cat.Name)
	metrics.Scheduler().IncCycleClosed(cat.Name)
	log.Info("cycle closed", zap.String("cycle", c.String()), zap.Int("rows", result.Rows))

	events.PublishBestEffort(ctx, a.publisher, a.log, cat.Name, events.Event{
		Type:       events.TypeCycleClosed,
		OccurredAt: now,
		Payload: cycleClosedPayload{
			Category:   cat.Name,
			CycleStart: c.Start,
			CycleEnd:   c.End,
			Rows:       result.Rows,
		},
	})
	return result, nil
}

// CloseDue closes every finished cycle that has not been aggregated yet, per
// category, oldest first. The walk starts after the latest aggregated cycle
// and never reaches back further than max_catch_up_cycles or ignore_before.
func (a *Aggregator) CloseDue(ctx context.Context) (commissiondomain.CloseDueResult, error) {
	var result commissiondomain.CloseDueResult
	cfg := a.cfg.Get()
	now := a.clock.Now().UTC()
	maxCycles := cfg.MaxCatchUpCycles
	if maxCycles <= 0 {
		maxCycles = defaultMaxCatchUpCycles
	}

	var errs []error
	for _, cat := range a.resolver.Categories() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		target := a.resolver.PreviousCompletedFor(cat, now)
		start, err := a.firstPending(ctx, cat, target, cfg.IgnoreBeforeTime(), maxCycles)
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", cat.Name, err))
			continue
		}

		for c := start; !c.Start.After(target.Start); c = cycle.Next(cat.CycleType, c) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			closed, err := a.CloseCycle(ctx, cat.Name, c)
			switch {
			case err == nil:
				result.Closed = append(result.Closed, closed)
			case errors.Is(err, commissiondomain.ErrCycleAlreadyAggregated):
				result.Skipped++
			case errors.Is(err, commissiondomain.ErrCycleNotReadyToClose):
				result.Skipped++
			default:
				result.Failed++
				errs = append(errs, fmt.Errorf("%s %s: %w", cat.Name, c, err))
				a.log.Error("cycle close failed",
					zap.String("category", cat.Name),
					zap.String("cycle", c.String()),
					zap.Error(err),
				)
			}
		}
	}
	return result, errors.Join(errs...)
}

func (a *Aggregator) firstPending(ctx context.Context, cat category.Category, target cycle.Cycle, ignoreBefore time.Time, maxCycles int) (cycle.Cycle, error) {
	floor := target
	for i := 1; i < maxCycles; i++ {
		floor = cycle.Prev(cat.CycleType, floor)
	}
	if !ignoreBefore.IsZero() {
		if epoch := a.resolver.Current(cat, ignoreBefore); epoch.Start.After(floor.Start) {
			floor = epoch
		}
	}

	latest, err := a.repo.LatestAggregation(ctx, a.db, cat.Name)
	if err != nil {
		return cycle.Cycle{}, err
	}
	if latest == nil {
		return floor, nil
	}
	next := cycle.Next(cat.CycleType, cycle.Cycle{Start: latest.CycleStart.UTC(), End: latest.CycleEnd.UTC()})
	if next.Start.Before(floor.Start) {
		return floor, nil
	}
	return next, nil
}
