package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/entitlement"
	"github.com/smallbiznis/wayfare/internal/observability"
	obsmiddleware "github.com/smallbiznis/wayfare/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/wayfare/internal/observability/metrics"
	obstracing "github.com/smallbiznis/wayfare/internal/observability/tracing"
	"github.com/smallbiznis/wayfare/internal/ratelimit"
	"github.com/smallbiznis/wayfare/internal/subscription/registry"
	usagerepository "github.com/smallbiznis/wayfare/internal/usage/repository"
	usageservice "github.com/smallbiznis/wayfare/internal/usage/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	registry   *registry.Registry
	counters   *usagerepository.GormStore
	authority  *usageservice.Authority
	evaluator  *entitlement.Evaluator
	clock      clock.Clock
	guard      *ratelimit.Guard
	obsMetrics *obsmetrics.Metrics
	log        *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Registry   *registry.Registry
	Counters   *usagerepository.GormStore
	Authority  *usageservice.Authority
	Evaluator  *entitlement.Evaluator
	Clock      clock.Clock
	Guard      *ratelimit.Guard    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Log        *zap.Logger
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		registry:   p.Registry,
		counters:   p.Counters,
		authority:  p.Authority,
		evaluator:  p.Evaluator,
		clock:      p.Clock,
		guard:      p.Guard,
		obsMetrics: p.ObsMetrics,
		log:        log.Named("http.server"),
	}

	svc.registerSubscriptionRoutes()
	svc.registerUsageRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerSubscriptionRoutes() {
	subscriptions := s.engine.Group("/subscriptions", s.TokenRequired())

	// Fixed segments register before the :userId wildcard routes below.
	subscriptions.POST("/trial", s.StartTrial)
	subscriptions.POST("/payment", s.PaymentRateLimit(), s.Charge)
	subscriptions.POST("/upgrade", s.Upgrade)

	subscriptions.GET("/:userId", s.GetSubscription)
	subscriptions.PUT("/:userId", s.PutSubscription)
	subscriptions.POST("/:userId/cancel", s.CancelSubscription)
	subscriptions.GET("/:userId/events", s.ListSubscriptionEvents)

	s.engine.GET("/users/:userId/trial-history", s.TokenRequired(), s.GetTrialHistory)
}

func (s *Server) registerUsageRoutes() {
	usage := s.engine.Group("/subscriptions/:userId/usage", s.TokenRequired())

	usage.GET("", s.GetUsage)
	usage.PUT("/:feature", s.PutUsage)
	usage.POST("/:feature/consume", s.ConsumeRateLimit(), s.ConsumeUsage)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
