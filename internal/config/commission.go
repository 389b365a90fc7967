package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	CycleTypeBiMonthly = "bimonthly"
	CycleTypeWeekly    = "weekly"

	BaseTypeGGR      = "ggr"
	BaseTypeTurnover = "turnover"
	BaseTypeBet      = "bet"
)

type CommissionConfig struct {
	Categories       []CategoryConfig `mapstructure:"categories"`
	IgnoreBefore     string           `mapstructure:"ignoreBefore"`
	DailyRunAt       string           `mapstructure:"dailyRunAt"`
	FirstRunDelay    time.Duration    `mapstructure:"firstRunDelay"`
	TestMode         bool             `mapstructure:"testMode"`
	MaxCatchUpCycles int              `mapstructure:"maxCatchUpCycles"`
	WorkerPoolSize   int              `mapstructure:"workerPoolSize"`
	BatchSize        int              `mapstructure:"batchSize"`
}

type CategoryConfig struct {
	ID        int64  `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	CycleType string `mapstructure:"cycleType"`
	BaseType  string `mapstructure:"baseType"`
}

func DefaultCommissionConfig() CommissionConfig {
	return CommissionConfig{
		Categories: []CategoryConfig{
			{ID: 1, Name: "E-Games", CycleType: CycleTypeBiMonthly, BaseType: BaseTypeGGR},
			{ID: 2, Name: "Speciality-RNG", CycleType: CycleTypeBiMonthly, BaseType: BaseTypeGGR},
			{ID: 3, Name: "Sports-Betting", CycleType: CycleTypeWeekly, BaseType: BaseTypeTurnover},
			{ID: 4, Name: "Speciality-Tote", CycleType: CycleTypeWeekly, BaseType: BaseTypeTurnover},
		},
		IgnoreBefore:     "2024-01-01T00:00:00Z",
		DailyRunAt:       "00:30",
		FirstRunDelay:    time.Minute,
		MaxCatchUpCycles: 12,
		WorkerPoolSize:   1,
		BatchSize:        500,
	}
}

// IgnoreBeforeTime is the epoch cutoff; bets placed earlier are never processed.
func (c CommissionConfig) IgnoreBeforeTime() time.Time {
	t, err := parseCutoff(c.IgnoreBefore)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DailyRunTime returns the UTC hour and minute of the daily trigger.
func (c CommissionConfig) DailyRunTime() (uint, uint) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.DailyRunAt))
	if err != nil {
		return 0, 30
	}
	return uint(t.Hour()), uint(t.Minute())
}

type CommissionConfigHolder struct {
	current atomic.Value // holds CommissionConfig
}

// NewStaticCommissionConfigHolder returns a holder without file watching.
func NewStaticCommissionConfigHolder(cfg CommissionConfig) *CommissionConfigHolder {
	holder := &CommissionConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewCommissionConfigHolder() (*CommissionConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("commission")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/partnerpay/config")
	v.AddConfigPath("/etc/partnerpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PARTNERPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultCommissionConfig()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}
	if fileFound {
		if err := v.UnmarshalKey("commission", &cfg); err != nil {
			return nil, err
		}
	}
	if err := validateCommissionConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCommissionConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultCommissionConfig()
		if err := v.UnmarshalKey("commission", &updated); err != nil {
			log.Printf("[commission-config] reload failed: %v", err)
			return
		}
		if err := validateCommissionConfig(updated); err != nil {
			log.Printf("[commission-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[commission-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *CommissionConfigHolder) Get() CommissionConfig {
	if h == nil {
		return DefaultCommissionConfig()
	}
	cfg, ok := h.current.Load().(CommissionConfig)
	if !ok {
		return DefaultCommissionConfig()
	}
	return cfg
}

func validateCommissionConfig(cfg CommissionConfig) error {
	if len(cfg.Categories) == 0 {
		return errors.New("commission.categories cannot be empty")
	}
	seenIDs := map[int64]struct{}{}
	for _, category := range cfg.Categories {
		if category.ID <= 0 {
			return fmt.Errorf("commission.categories: invalid id for %q", category.Name)
		}
		if _, ok := seenIDs[category.ID]; ok {
			return fmt.Errorf("commission.categories: duplicate id %d", category.ID)
		}
		seenIDs[category.ID] = struct{}{}
		if strings.TrimSpace(category.Name) == "" {
			return fmt.Errorf("commission.categories: empty name for id %d", category.ID)
		}
		switch strings.ToLower(category.CycleType) {
		case CycleTypeBiMonthly, CycleTypeWeekly:
		default:
			return fmt.Errorf("commission.categories: unknown cycle type %q", category.CycleType)
		}
		switch strings.ToLower(category.BaseType) {
		case BaseTypeGGR, BaseTypeTurnover, BaseTypeBet:
		default:
			return fmt.Errorf("commission.categories: unknown base type %q", category.BaseType)
		}
	}
	if _, err := parseCutoff(cfg.IgnoreBefore); err != nil {
		return fmt.Errorf("commission.ignoreBefore: %w", err)
	}
	if _, err := time.Parse("15:04", strings.TrimSpace(cfg.DailyRunAt)); err != nil {
		return fmt.Errorf("commission.dailyRunAt: %w", err)
	}
	if cfg.FirstRunDelay < 0 {
		return errors.New("commission.firstRunDelay cannot be negative")
	}
	return nil
}

func parseCutoff(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
