package processor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	betdomain "github.com/smallbiznis/partnerpay/internal/betrecord/domain"
	"github.com/smallbiznis/partnerpay/internal/category"
	"github.com/smallbiznis/partnerpay/internal/clock"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/config"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"github.com/smallbiznis/partnerpay/internal/observability/logger"
	"github.com/smallbiznis/partnerpay/internal/observability/metrics"
	ratedomain "github.com/smallbiznis/partnerpay/internal/rate/domain"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBatchSize = 500

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Tracker   watermark.Tracker
	Source    betdomain.Source
	Hierarchy hierarchydomain.Service
	Rates     ratedomain.Repository
	Repo      commissiondomain.Repository
	Registry  *category.Registry
	Config    *config.CommissionConfigHolder
	Metrics   *metrics.Metrics `optional:"true"`
}

type Processor struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	tracker   watermark.Tracker
	source    betdomain.Source
	hierarchy hierarchydomain.Service
	rates     ratedomain.Repository
	repo      commissiondomain.Repository
	registry  *category.Registry
	cfg       *config.CommissionConfigHolder
	metrics   *metrics.Metrics
}

func New(p Params) commissiondomain.Processor {
	return &Processor{
		db:        p.DB,
		log:       p.Log.Named("commission.processor"),
		genID:     p.GenID,
		clock:     p.Clock,
		tracker:   p.Tracker,
		source:    p.Source,
		hierarchy: p.Hierarchy,
		rates:     p.Rates,
		repo:      p.Repo,
		registry:  p.Registry,
		cfg:       p.Config,
		metrics:   p.Metrics,
	}
}

type groupKey struct {
	category string
	day      time.Time
}

// Run processes bets placed since the watermark and advances it to the run's
// start time. A cancelled or aborted run leaves the watermark in place so the
// next run retries the same window.
func (p *Processor) Run(ctx context.Context) (commissiondomain.RunResult, error) {
	log := logger.WithContext(ctx, p.log)
	cfg := p.cfg.Get()
	now := p.clock.Now().UTC()
	result := commissiondomain.RunResult{To: now}

	if err := p.tracker.Init(ctx); err != nil {
		return result, err
	}
	from, ok, err := p.tracker.Get(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		earliest, found, err := p.source.EarliestBetAt(ctx, cfg.IgnoreBeforeTime())
		if err != nil {
			return result, err
		}
		if !found {
			log.Info("no bets to process yet")
			result.Noop = true
			return result, nil
		}
		from = earliest
	}
	result.From = from
	if !from.Before(now) {
		result.Noop = true
		return result, nil
	}

	p.hierarchy.Invalidate()
	tree, err := p.hierarchy.Tree(ctx)
	if err != nil {
		return result, err
	}
	rateRows, err := p.rates.ListAll(ctx, p.db)
	if err != nil {
		return result, err
	}
	book := ratedomain.NewRateBook(rateRows)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	groups := map[groupKey]struct{}{}
	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		bets, err := p.source.ListBets(ctx, from, now, afterID, batchSize)
		if err != nil {
			return result, err
		}
		if len(bets) == 0 {
			break
		}

		txs := make([]commissiondomain.Transaction, 0, len(bets))
		for _, bet := range bets {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			afterID = bet.ID
			result.Scanned++

			tx, reason, ok := BuildTransaction(bet, p.registry, tree, book, p.genID.Generate(), now)
			if !ok {
				result.Skipped++
				p.metrics.RecordSkipped(ctx, reason)
				log.Warn("bet skipped",
					zap.String("bet_id", bet.BetID),
					zap.String("category", bet.Category),
					zap.String("reason", reason),
				)
				continue
			}
			txs = append(txs, tx)
		}

		written := p.insertTransactions(ctx, log, txs, &result)
		for _, tx := range written {
			groups[groupKey{category: tx.CategoryName, day: tx.SummaryDate}] = struct{}{}
		}

		if len(bets) < batchSize {
			break
		}
	}

	if err := p.recompute(ctx, log, groups, tree, book, now, &result); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if err := p.tracker.Set(ctx, now); err != nil {
		return result, err
	}
	result.WatermarkMove = true
	log.Info("commission run finished",
		zap.Time("from", result.From),
		zap.Time("to", result.To),
		zap.Int("scanned", result.Scanned),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("groups", result.Groups),
		zap.Int("failed_groups", result.FailedGroups),
	)
	return result, nil
}

// insertTransactions writes a page in one statement and falls back to row by
// row inserts so a single bad record does not drop the page. It returns the
// transactions whose groups need recomputing.
func (p *Processor) insertTransactions(ctx context.Context, log *zap.Logger, txs []commissiondomain.Transaction, result *commissiondomain.RunResult) []commissiondomain.Transaction {
	if len(txs) == 0 {
		return nil
	}
	inserted, err := p.repo.InsertTransactions(ctx, p.db, txs)
	if err == nil {
		result.Inserted += int(inserted)
		p.recordInserted(ctx, txs)
		return txs
	}
	log.Warn("batch insert failed, retrying per record", zap.Int("records", len(txs)), zap.Error(err))

	written := make([]commissiondomain.Transaction, 0, len(txs))
	for _, tx := range txs {
		n, err := p.repo.InsertTransactions(ctx, p.db, []commissiondomain.Transaction{tx})
		if err != nil {
			result.Failed++
			log.Error("transaction insert failed", zap.String("bet_id", tx.BetID), zap.Error(err))
			continue
		}
		result.Inserted += int(n)
		written = append(written, tx)
	}
	p.recordInserted(ctx, written)
	return written
}

func (p *Processor) recordInserted(ctx context.Context, txs []commissiondomain.Transaction) {
	counts := map[string]int{}
	for _, tx := range txs {
		counts[tx.CategoryName]++
	}
	for name, n := range counts {
		p.metrics.RecordTransactions(ctx, name, n)
	}
}

func (p *Processor) recompute(ctx context.Context, log *zap.Logger, groups map[groupKey]struct{}, tree *hierarchydomain.Tree, book *ratedomain.RateBook, now time.Time, result *commissiondomain.RunResult) error {
	if len(groups) == 0 {
		return nil
	}
	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].day.Equal(keys[j].day) {
			return keys[i].day.Before(keys[j].day)
		}
		return keys[i].category < keys[j].category
	})

	size := p.cfg.Get().WorkerPoolSize
	if size <= 0 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return err
	}
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	fail := func(key groupKey, err error) {
		mu.Lock()
		result.FailedGroups++
		mu.Unlock()
		p.metrics.RecordGroupFailure(ctx, key.category)
		log.Error("summary group failed",
			zap.String("category", key.category),
			zap.Time("summary_date", key.day),
			zap.Error(err),
		)
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		key := key
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			rows, err := p.recomputeGroup(ctx, key, tree, book, now)
			if err != nil {
				fail(key, err)
				return
			}
			mu.Lock()
			result.Groups++
			mu.Unlock()
			p.metrics.RecordSummaries(ctx, key.category, rows)
		})
		if submitErr != nil {
			wg.Done()
			fail(key, submitErr)
		}
	}
	wg.Wait()
	return nil
}

// recomputeGroup rebuilds one (category, day) from every stored transaction
// of that day and upserts the result in a single DB transaction.
func (p *Processor) recomputeGroup(ctx context.Context, key groupKey, tree *hierarchydomain.Tree, book *ratedomain.RateBook, now time.Time) (int, error) {
	cat, err := p.registry.Lookup(key.category)
	if err != nil {
		return 0, err
	}
	var written int
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txs, err := p.repo.ListTransactionsForDay(ctx, tx, cat.Name, key.day)
		if err != nil {
			return err
		}
		rows := Summarize(cat, key.day, txs, tree, book, now, p.genID.Generate)
		if err := p.repo.UpsertSummaries(ctx, tx, rows); err != nil {
			return err
		}
		written = len(rows)
		return nil
	})
	return written, err
}
