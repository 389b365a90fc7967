package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-co-op/gocron/v2"
	"github.com/smallbiznis/partnerpay/internal/clock"
	commissiondomain "github.com/smallbiznis/partnerpay/internal/commission/domain"
	"github.com/smallbiznis/partnerpay/internal/distlock"
	obsmetrics "github.com/smallbiznis/partnerpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

const (
	TriggerFirstRun = "first_run"
	TriggerDaily    = "daily"
	TriggerManual   = "manual"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Processor  commissiondomain.Processor
	Aggregator commissiondomain.Aggregator
	Locker     *distlock.Locker `optional:"true"`
	Config     Config           `optional:"true"`
}

// Report is the outcome of one scheduled pass.
type Report struct {
	Trigger string                          `json:"trigger"`
	Process *commissiondomain.RunResult      `json:"process,omitempty"`
	Close   *commissiondomain.CloseDueResult `json:"close,omitempty"`
}

type Scheduler struct {
	mu sync.Mutex

	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	processor  commissiondomain.Processor
	aggregator commissiondomain.Aggregator
	locker     *distlock.Locker

	cron   gocron.Scheduler
	cancel context.CancelFunc
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Processor == nil || p.Aggregator == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		processor:  p.Processor,
		aggregator: p.Aggregator,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	trigger string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, trigger)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx, run)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.AddErrors(1)
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		// work done so far is committed; the next trigger resumes from the watermark
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	s.logJobError(ctx, name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce processes new bets and then closes every due cycle under the run lock.
func (s *Scheduler) RunOnce(parent context.Context, trigger string) (Report, error) {
	report := Report{Trigger: trigger}
	release, err := s.acquire(parent, "run_once")
	if err != nil {
		return report, err
	}
	defer release()

	if s.isJobEnabled(JobProcess) {
		res, jobErr := s.process(parent, trigger)
		report.Process = res
		err = errors.Join(err, jobErr)
	}
	if s.isJobEnabled(JobCloseCycles) {
		res, jobErr := s.closeDue(parent, trigger)
		report.Close = res
		err = errors.Join(err, jobErr)
	}
	return report, err
}

// TriggerProcess runs the transaction processor alone under the run lock.
func (s *Scheduler) TriggerProcess(ctx context.Context) (commissiondomain.RunResult, error) {
	release, err := s.acquire(ctx, JobProcess)
	if err != nil {
		return commissiondomain.RunResult{}, err
	}
	defer release()

	res, err := s.process(ctx, TriggerManual)
	if res == nil {
		return commissiondomain.RunResult{}, err
	}
	return *res, err
}

// TriggerClose closes every due cycle under the run lock.
func (s *Scheduler) TriggerClose(ctx context.Context) (commissiondomain.CloseDueResult, error) {
	release, err := s.acquire(ctx, JobCloseCycles)
	if err != nil {
		return commissiondomain.CloseDueResult{}, err
	}
	defer release()

	res, err := s.closeDue(ctx, TriggerManual)
	if res == nil {
		return commissiondomain.CloseDueResult{}, err
	}
	return *res, err
}

func (s *Scheduler) process(parent context.Context, trigger string) (*commissiondomain.RunResult, error) {
	var result *commissiondomain.RunResult
	err := s.runJob(parent, JobProcess, trigger, s.cfg.JobTimeout, func(ctx context.Context, run *jobRun) error {
		res, err := s.processor.Run(ctx)
		result = &res
		run.AddProcessed(res.Inserted)
		run.AddErrors(res.Failed + res.FailedGroups)

		schedMetrics := obsmetrics.Scheduler()
		schedMetrics.AddBatchProcessed(JobProcess, "transactions", res.Inserted)
		schedMetrics.AddBatchProcessed(JobProcess, "summary_groups", res.Groups-res.FailedGroups)
		if !res.To.IsZero() {
			schedMetrics.SetWatermarkLag(s.clock.Now().Sub(res.To))
		}
		if err != nil {
			schedMetrics.IncStageError(obsmetrics.CycleStageProcess, err)
		}
		return err
	})
	return result, err
}

func (s *Scheduler) closeDue(parent context.Context, trigger string) (*commissiondomain.CloseDueResult, error) {
	var result *commissiondomain.CloseDueResult
	err := s.runJob(parent, JobCloseCycles, trigger, s.cfg.JobTimeout, func(ctx context.Context, run *jobRun) error {
		res, err := s.aggregator.CloseDue(ctx)
		result = &res
		run.AddProcessed(len(res.Closed))
		run.AddErrors(res.Failed)
		obsmetrics.Scheduler().AddBatchProcessed(JobCloseCycles, "cycles", len(res.Closed))
		if err != nil {
			obsmetrics.Scheduler().IncStageError(obsmetrics.CycleStageClose, err)
		}
		return err
	})
	return result, err
}

// Start registers the first-run and daily triggers with gocron.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	firstRunAt := s.clock.Now()
	firstRun := gocron.OneTimeJob(gocron.OneTimeJobStartImmediately())
	if s.cfg.FirstRunDelay > 0 {
		firstRunAt = firstRunAt.Add(s.cfg.FirstRunDelay)
		firstRun = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(firstRunAt))
	}
	daily := gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(s.cfg.DailyHour, s.cfg.DailyMinute, 0)))

	for _, def := range []struct {
		name    string
		trigger string
		job     gocron.JobDefinition
		due     func() time.Time
	}{
		{"commission_first_run", TriggerFirstRun, firstRun, func() time.Time { return firstRunAt }},
		{"commission_daily", TriggerDaily, daily, func() time.Time { return s.dailySlot(s.clock.Now()) }},
	} {
		trigger, due := def.trigger, def.due
		_, err := cron.NewJob(
			def.job,
			gocron.NewTask(func() { s.tick(ctx, trigger, due()) }),
			gocron.WithName(def.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = cron.Shutdown()
			return fmt.Errorf("register %s: %w", def.name, err)
		}
	}

	s.cron = cron
	s.cancel = cancel
	cron.Start()
	s.log.Info("scheduler started",
		zap.Duration("first_run_delay", s.cfg.FirstRunDelay),
		zap.String("daily_run_at", fmt.Sprintf("%02d:%02d", s.cfg.DailyHour, s.cfg.DailyMinute)),
	)
	return nil
}

func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron == nil {
		return nil
	}
	return s.cron.Shutdown()
}

// dailySlot is the most recent daily trigger time at or before now.
func (s *Scheduler) dailySlot(now time.Time) time.Time {
	now = now.UTC()
	slot := time.Date(now.Year(), now.Month(), now.Day(), int(s.cfg.DailyHour), int(s.cfg.DailyMinute), 0, 0, time.UTC)
	if slot.After(now) {
		slot = slot.AddDate(0, 0, -1)
	}
	return slot
}

func (s *Scheduler) tick(ctx context.Context, trigger string, scheduledAt time.Time) {
	obsmetrics.Scheduler().ObserveRunLoopLag(s.clock.Now().Sub(scheduledAt))
	if _, err := s.RunOnce(ctx, trigger); err != nil {
		if errors.Is(err, ErrRunLocked) {
			s.log.Info("scheduler run skipped, previous run still active", zap.String("trigger", trigger))
			return
		}
		s.log.Warn("scheduler run failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
