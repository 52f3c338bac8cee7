package usage

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/smallbiznis/wayfare/internal/usage/repository"
	"github.com/smallbiznis/wayfare/internal/usage/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the device-side meter over the backend and the local state file.
var Module = fx.Module("usage.meter",
	fx.Provide(provideCachedStore),
	fx.Provide(service.NewMeter),
	fx.Provide(provideStrictMeter),
)

// ServerModule wires the backend's counter table and strict meter.
var ServerModule = fx.Module("usage.server",
	fx.Provide(repository.NewGormStore),
	fx.Provide(provideAuthority),
)

type cachedStoreParam struct {
	fx.In

	Config  config.Config
	Remote  usagedomain.Remote
	Local   usagedomain.LocalCounters
	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
}

func provideCachedStore(p cachedStoreParam) usagedomain.Store {
	return repository.NewCachedStore(p.Remote, p.Local, p.Log, p.Metrics, p.Config.Backend.Timeout)
}

type strictMeterParam struct {
	fx.In

	Config  config.Config
	Remote  usagedomain.StrictRemote
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
}

func provideStrictMeter(p strictMeterParam) *service.StrictMeter {
	return service.NewStrictMeter(p.Remote, p.Clock, p.Config.Location(), p.Log, p.Metrics, p.Config.Backend.Timeout)
}

type authorityParam struct {
	fx.In

	Store   *repository.GormStore
	Redis   *redis.Client `optional:"true"`
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
}

// provideAuthority counts in redis when it is configured and mirrors into the table;
// otherwise the table's transactional consume is the counter.
func provideAuthority(p authorityParam) *service.Authority {
	if p.Redis != nil {
		return service.NewAuthority(repository.NewRedisCounter(p.Redis), p.Store, p.Clock, p.Log, p.Metrics)
	}
	return service.NewAuthority(p.Store, nil, p.Clock, p.Log, p.Metrics)
}
