package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	"github.com/smallbiznis/partnerpay/internal/betrecord"
	"github.com/smallbiznis/partnerpay/internal/category"
	"github.com/smallbiznis/partnerpay/internal/clock"
	"github.com/smallbiznis/partnerpay/internal/cloudmetrics"
	"github.com/smallbiznis/partnerpay/internal/commission"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/cycle"
	"github.com/smallbiznis/partnerpay/internal/distlock"
	"github.com/smallbiznis/partnerpay/internal/events"
	"github.com/smallbiznis/partnerpay/internal/hierarchy"
	"github.com/smallbiznis/partnerpay/internal/migration"
	"github.com/smallbiznis/partnerpay/internal/observability"
	"github.com/smallbiznis/partnerpay/internal/rate"
	"github.com/smallbiznis/partnerpay/internal/scheduler"
	"github.com/smallbiznis/partnerpay/internal/server"
	"github.com/smallbiznis/partnerpay/internal/settlement"
	"github.com/smallbiznis/partnerpay/internal/watermark"
	"github.com/smallbiznis/partnerpay/pkg/db"
	"go.uber.org/fx"
)

// Monolith: serves the API and runs the daily commission jobs.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		distlock.Module,
		events.Module,

		// Commission domain
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
		cloudmetrics.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
