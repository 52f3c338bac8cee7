package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/entitlement"
	"github.com/smallbiznis/wayfare/internal/migration"
	"github.com/smallbiznis/wayfare/internal/observability"
	"github.com/smallbiznis/wayfare/internal/payment"
	"github.com/smallbiznis/wayfare/internal/ratelimit"
	"github.com/smallbiznis/wayfare/internal/scheduler"
	"github.com/smallbiznis/wayfare/internal/server"
	"github.com/smallbiznis/wayfare/internal/subscription"
	"github.com/smallbiznis/wayfare/internal/usage"
	"github.com/smallbiznis/wayfare/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		observability.ServerModule,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		entitlement.Module,
		payment.Module,
		subscription.ServerModule,
		usage.ServerModule,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
