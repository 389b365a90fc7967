package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	"github.com/smallbiznis/partnerpay/internal/betrecord"
	"github.com/smallbiznis/partnerpay/internal/category"
	"github.com/smallbiznis/partnerpay/internal/clock"
	"github.com/smallbiznis/partnerpay/internal/commission"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	"github.com/smallbiznis/partnerpay/internal/distlock"
	"github.com/smallbiznis/partnerpay/internal/events"
	"github.com/smallbiznis/partnerpay/internal/hierarchy"
	"github.com/smallbiznis/partnerpay/internal/observability"
	"github.com/smallbiznis/partnerpay/internal/rate"
	"github.com/smallbiznis/partnerpay/internal/scheduler"
	"github.com/smallbiznis/partnerpay/internal/server"
	"github.com/smallbiznis/partnerpay/internal/settlement"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"github.com/smallbiznis/partnerpay/pkg/db"
	"go.uber.org/fx"
)

// API-only deployment. Runs are still triggerable over HTTP and share the
// distributed lock with apps/scheduler, but no cron jobs are registered here.
func main() {
	app := fx.New(
		config.Module,
		fx.Decorate(disableCron),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		distlock.Module,
		events.Module,

		category.Module,
		cycle.Module,
		hierarchy.Module,
		rate.Module,
		betrecord.Module,
		watermark.Module,
		commission.Module,
		settlement.Module,
		authorization.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func disableCron(cfg config.Config) config.Config {
	cfg.Scheduler.Enabled = false
	return cfg
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
