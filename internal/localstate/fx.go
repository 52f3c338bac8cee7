package localstate

import (
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/config"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("localstate",
	fx.Provide(provideFileStore),
	fx.Provide(
		func(s *FileStore) subscriptiondomain.LocalStore { return s },
		func(s *FileStore) usagedomain.LocalCounters { return s },
	),
)

func provideFileStore(cfg config.Config, clk clock.Clock) (*FileStore, error) {
	return NewFileStore(cfg.LocalStateDir, clk)
}
