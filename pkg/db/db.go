package db

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/wayfare/internal/config"
	obslogger "github.com/smallbiznis/wayfare/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("database",
	fx.Provide(FromConfig),
	fx.Provide(NewDB),
)

// Open connects, applies pool limits and installs the tracing and metrics plugins.
// Statements are logged through log, or the global logger when it is nil.
func Open(cfg Config, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(gormLoggerConfig(log)),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "wayfare"
	}
	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(name))); err != nil {
		return nil, err
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          name,
		RefreshInterval: 15,
		StartServer:     false,
	})); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewDB opens the database for the fx graph and closes it on stop.
func NewDB(lc fx.Lifecycle, cfg Config, appCfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	conn, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				return sqlDB.Close()
			},
		})
	}
	log.Info("database connected",
		zap.String("type", cfg.Type),
		zap.String("name", cfg.Name),
		zap.String("env", appCfg.Environment),
	)
	return conn, nil
}

func gormLoggerConfig(log *zap.Logger) obslogger.GormLoggerConfig {
	cfg := obslogger.DefaultGormLoggerConfig()
	if log != nil {
		cfg.Base = log.Named("db")
	}
	return cfg
}
