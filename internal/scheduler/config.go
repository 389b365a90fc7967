package scheduler

import (
	"time"

	"github.com/smallbiznis/partnerpay/internal/config"
)

const (
	JobProcess     = "process_transactions"
	JobCloseCycles = "close_cycles"

	defaultLockKey = "partnerpay:commission:run"
)

// Config controls triggers, timeouts and the run lock.
type Config struct {
	Enabled       bool
	EnabledJobs   []string
	JobTimeout    time.Duration
	FirstRunDelay time.Duration
	DailyHour     uint
	DailyMinute   uint
	LockKey       string
	LockTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		JobTimeout:    30 * time.Minute,
		FirstRunDelay: time.Minute,
		DailyHour:     0,
		DailyMinute:   30,
		LockKey:       defaultLockKey,
		LockTTL:       30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.FirstRunDelay < 0 {
		c.FirstRunDelay = 0
	}
	if c.DailyHour > 23 {
		c.DailyHour = defaults.DailyHour
	}
	if c.DailyMinute > 59 {
		c.DailyMinute = defaults.DailyMinute
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.JobTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config, holder *config.CommissionConfigHolder) Config {
	commission := holder.Get()
	hour, minute := commission.DailyRunTime()
	return Config{
		Enabled:       cfg.Scheduler.Enabled,
		EnabledJobs:   cfg.Scheduler.EnabledJobs,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		FirstRunDelay: commission.FirstRunDelay,
		DailyHour:     hour,
		DailyMinute:   minute,
		LockKey:       defaultLockKey,
		LockTTL:       cfg.Redis.LockTTL,
	}.withDefaults()
}
