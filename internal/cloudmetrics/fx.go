package cloudmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPushInterval = 5 * time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(NewPusher),
	fx.Provide(New),
	fx.Invoke(register),
)

// CloudMetrics periodically snapshots the ledger and pushes it.
type CloudMetrics struct {
	registry *prometheus.Registry
	ledger   *Ledger
	pusher   Pusher
	log      *zap.Logger
	interval time.Duration
}

type Params struct {
	fx.In

	Cfg     config.Config
	DB      *gorm.DB
	Tracker watermark.Tracker
	Pusher  Pusher `optional:"true"`
	Log     *zap.Logger
}

// New returns nil when pushing is disabled or misconfigured.
func New(p Params) *CloudMetrics {
	if p.Pusher == nil {
		return nil
	}
	registry := prometheus.NewRegistry()
	interval := p.Cfg.Metrics.Interval
	if interval <= 0 {
		interval = defaultPushInterval
	}
	return &CloudMetrics{
		registry: registry,
		ledger:   NewLedger(registry, p.DB, p.Tracker, p.Cfg.InstanceID, p.Cfg.AppVersion),
		pusher:   p.Pusher,
		log:      p.Log.Named("cloudmetrics"),
		interval: interval,
	}
}

// PushOnce collects the ledger and sends it.
func (c *CloudMetrics) PushOnce(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.ledger.Collect(ctx); err != nil {
		return err
	}
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	return c.pusher.Push(pushCtx, c.registry)
}

func (c *CloudMetrics) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if err := c.PushOnce(ctx); err != nil {
		c.log.Error("initial metrics push failed", zap.Error(err))
	}
	for {
		select {
		case <-ticker.C:
			if err := c.PushOnce(ctx); err != nil {
				c.log.Error("periodic metrics push failed", zap.Error(err))
			}
		case <-ctx.Done():
			c.log.Info("stopping metrics push worker")
			return
		}
	}
}

func register(lc fx.Lifecycle, c *CloudMetrics) {
	if c == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.log.Info("starting metrics push worker", zap.Duration("interval", c.interval))
			go func() {
				defer close(done)
				c.run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			if closer, ok := c.pusher.(interface{ Close() error }); ok {
				return closer.Close()
			}
			return nil
		},
	})
}
