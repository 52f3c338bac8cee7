package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/smallbiznis/wayfare/internal/subscription/registry"
	usagerepository "github.com/smallbiznis/wayfare/internal/usage/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobExpireLapsed = "expire_lapsed"
	JobPruneUsage   = "prune_usage"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Registry *registry.Registry
	Repo     subscriptiondomain.Repository
	Counters *usagerepository.GormStore
	GenID    *snowflake.Node
	Clock    clock.Clock
	Metrics  *metrics.EngineMetrics `optional:"true"`
	Config   Config                 `optional:"true"`
}

// Scheduler runs the server's periodic sweeps: it persists expiries nobody has read
// yet and drops counter rows whose window is long gone.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	registry *registry.Registry
	repo     subscriptiondomain.Repository
	counters *usagerepository.GormStore
	genID    *snowflake.Node
	clock    clock.Clock
	metrics  *metrics.EngineMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Registry == nil || p.Repo == nil || p.Counters == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		registry: p.Registry,
		repo:     p.Repo,
		counters: p.Counters,
		genID:    p.GenID,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
	}

	err := fn(ctx)
	s.metrics.ObserveJob(name, run.processedCount, s.clock.Now().Sub(start), err)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobExpireLapsed, s.ExpireLapsedJob},
		{JobPruneUsage, s.PruneUsageJob},
	}

	var err error
	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireLapsedJob reconciles rows whose period ended while no client was looking, so
// the stored status and the audit trail catch up with the clock.
func (s *Scheduler) ExpireLapsedJob(ctx context.Context) error {
	ctx, run, _ := s.ensureJobRun(ctx, JobExpireLapsed, s.cfg.BatchSize)

	userIDs, err := s.repo.ListLapsed(ctx, s.db.WithContext(ctx), s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.registry.Get(ctx, userID); err != nil {
			s.logJobError(ctx, run, "failed to expire subscription", err, zap.String("user_id", userID))
			continue
		}
		run.AddProcessed(1)
	}
	return nil
}

func (s *Scheduler) PruneUsageJob(ctx context.Context) error {
	ctx, run, _ := s.ensureJobRun(ctx, JobPruneUsage, s.cfg.BatchSize)

	cutoff := s.clock.Now().Add(-s.cfg.UsageRetention)
	deleted, err := s.counters.Prune(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	run.AddProcessed(int(deleted))
	return nil
}
