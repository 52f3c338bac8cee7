package main

import (
	"context"

	"github.com/smallbiznis/wayfare/internal/backend"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/engine"
	"github.com/smallbiznis/wayfare/internal/entitlement"
	"github.com/smallbiznis/wayfare/internal/localstate"
	"github.com/smallbiznis/wayfare/internal/observability"
	"github.com/smallbiznis/wayfare/internal/subscription"
	"github.com/smallbiznis/wayfare/internal/usage"
	"go.uber.org/fx"
)

// runEngine builds the device-side graph, starts a session for userID and runs fn.
func runEngine(ctx context.Context, userID string, fn func(context.Context, Session) (any, error)) (any, error) {
	var eng *engine.Engine
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		clock.Module,
		localstate.Module,
		backend.Module,
		entitlement.Module,
		subscription.Module,
		usage.Module,
		engine.Module,
		fx.Populate(&eng),
	)
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = app.Stop(context.Background()) }()

	if _, err := eng.Start(ctx, userID); err != nil {
		return nil, err
	}
	return fn(ctx, eng)
}
