package subscription

import (
	"github.com/smallbiznis/wayfare/internal/cache"
	"github.com/smallbiznis/wayfare/internal/subscription/gateway"
	"github.com/smallbiznis/wayfare/internal/subscription/registry"
	"github.com/smallbiznis/wayfare/internal/subscription/repository"
	"github.com/smallbiznis/wayfare/internal/subscription/service"
	"go.uber.org/fx"
)

// Module wires the client-side lifecycle manager over the persistence gateway.
var Module = fx.Module("subscription.service",
	fx.Provide(gateway.Provide),
	fx.Provide(service.NewService),
)

// ServerModule wires the backend's authoritative registry over the gorm repository.
var ServerModule = fx.Module("subscription.registry",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewRecordCache),
	fx.Provide(registry.New),
)
