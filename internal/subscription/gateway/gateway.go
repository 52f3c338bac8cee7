// Package gateway persists subscription changes to the backend first and mirrors
// them into the on-device cache. The backend wins on the next successful read.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	"github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

type Gateway struct {
	remote  domain.Remote
	local   domain.LocalStore
	log     *zap.Logger
	metrics *metrics.EngineMetrics
	timeout time.Duration
	clock   clock.Clock
}

type Param struct {
	fx.In

	Config  config.Config
	Remote  domain.Remote
	Local   domain.LocalStore
	Clock   clock.Clock `optional:"true"`
	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
}

func Provide(p Param) domain.Gateway {
	return New(p.Remote, p.Local, p.Log, p.Metrics, p.Config.Backend.Timeout).WithClock(p.Clock)
}

func New(remote domain.Remote, local domain.LocalStore, log *zap.Logger, m *metrics.EngineMetrics, timeout time.Duration) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gateway{
		remote:  remote,
		local:   local,
		log:     log.Named("subscription.gateway"),
		metrics: m,
		timeout: timeout,
		clock:   clock.NewSystemClock(),
	}
}

// WithClock sets the clock used to size replayed offline trials.
func (g *Gateway) WithClock(clk clock.Clock) *Gateway {
	if clk != nil {
		g.clock = clk
	}
	return g
}

// Write sends change to the backend, then caches the result locally.
// An unreachable backend degrades to a local-only commit; an authoritative
// refusal is returned untouched and nothing is cached.
func (g *Gateway) Write(ctx context.Context, change domain.Change) (domain.Record, error) {
	if err := change.Record.Validate(); err != nil {
		return domain.Record{}, err
	}
	userID := change.Record.UserID
	log := ctxlogger.WithContext(ctx, g.log).With(
		zap.String("user_id", userID),
		zap.String("change", string(change.Kind)),
	)

	stored, err := g.writeRemote(ctx, change)
	switch {
	case err == nil:
		if change.Kind == domain.ChangeStartTrial {
			if markErr := g.local.MarkTrialUsed(ctx, userID); markErr != nil {
				log.Warn("failed to mark trial locally", zap.Error(markErr))
			}
		}
		if saveErr := g.local.SaveRecord(ctx, stored); saveErr != nil {
			log.Warn("failed to cache remote record", zap.Error(saveErr))
		}
		return stored, nil

	case domain.IsRejection(err):
		if errors.Is(err, domain.ErrTrialAlreadyUsed) {
			if markErr := g.local.MarkTrialUsed(ctx, userID); markErr != nil {
				log.Warn("failed to mark trial locally", zap.Error(markErr))
			}
		}
		return domain.Record{}, err
	}

	log.Warn("remote write failed, committing locally", zap.Error(err))
	g.metrics.IncPersistenceFallback(string(change.Kind))

	if change.Kind == domain.ChangeStartTrial {
		if markErr := g.local.MarkTrialUsed(ctx, userID); markErr != nil {
			return domain.Record{}, fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, markErr)
		}
		if markErr := g.local.SetTrialPending(ctx, userID, true); markErr != nil {
			log.Warn("failed to mark trial pending", zap.Error(markErr))
		}
	}
	if saveErr := g.local.SaveRecord(ctx, change.Record); saveErr != nil {
		return domain.Record{}, fmt.Errorf("%w: remote: %v, local: %v", domain.ErrPersistenceUnavailable, err, saveErr)
	}
	return change.Record.Clone(), nil
}

func (g *Gateway) writeRemote(ctx context.Context, change domain.Change) (domain.Record, error) {
	if g.remote == nil {
		return domain.Record{}, domain.ErrRemoteUnavailable
	}
	ctx, cancel := g.remoteContext(ctx)
	defer cancel()

	record := change.Record
	switch change.Kind {
	case domain.ChangeStartTrial:
		return g.remote.StartTrial(ctx, domain.StartTrialRequest{
			UserID:    record.UserID,
			Tier:      record.Tier,
			TrialDays: change.TrialDays,
		})
	case domain.ChangeSubscribe:
		return g.remote.Upgrade(ctx, domain.UpgradeRequest{
			UserID:    record.UserID,
			Tier:      record.Tier,
			PaymentID: change.PaymentID,
		})
	case domain.ChangeCancel:
		if err := g.remote.Cancel(ctx, record.UserID, domain.CancelRequest{Reason: change.CancelReason}); err != nil {
			return domain.Record{}, err
		}
		return record.Clone(), nil
	default:
		return g.remote.PutSubscription(ctx, record)
	}
}

// Read returns the backend record and refreshes the cache with it. When the backend
// is unreachable the cached record is served; a user seen nowhere gets a fresh record.
func (g *Gateway) Read(ctx context.Context, userID string) (domain.Record, error) {
	if userID == "" {
		return domain.Record{}, domain.ErrInvalidUserID
	}
	log := ctxlogger.WithContext(ctx, g.log).With(zap.String("user_id", userID))

	remote, err := g.readRemote(ctx, userID)
	if err == nil {
		record, authoritative := g.replayPendingTrial(ctx, log, remote)
		if !authoritative {
			return record, nil
		}
		if saveErr := g.local.SaveRecord(ctx, record); saveErr != nil {
			log.Warn("failed to cache remote record", zap.Error(saveErr))
		}
		return record, nil
	}
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		log.Warn("remote read failed, serving cached record", zap.Error(err))
		g.metrics.IncPersistenceFallback("read")
	}

	cached, found, localErr := g.local.LoadRecord(ctx, userID)
	if localErr != nil {
		log.Warn("failed to read cached record", zap.Error(localErr))
	}
	if found {
		return cached, nil
	}
	return domain.NewRecord(userID), nil
}

// replayPendingTrial sends a trial started offline to the backend once it answers
// again, for the days the trial has left. The boolean is false when the backend could
// not be reached and the returned record is the local one.
func (g *Gateway) replayPendingTrial(ctx context.Context, log *zap.Logger, remote domain.Record) (domain.Record, bool) {
	userID := remote.UserID
	pending, err := g.local.TrialPending(ctx, userID)
	if err != nil {
		log.Warn("failed to read pending trial", zap.Error(err))
		return remote, true
	}
	if !pending {
		return remote, true
	}

	local, found, err := g.local.LoadRecord(ctx, userID)
	days := 0
	if err == nil && found && local.Status == domain.StatusTrial && local.TrialEndsAt != nil {
		days = remainingDays(*local.TrialEndsAt, g.clock.Now())
	}
	if days == 0 || !domain.CanStartTrial(remote.Status) {
		g.clearPendingTrial(ctx, log, userID)
		return remote, true
	}

	remoteCtx, cancel := g.remoteContext(ctx)
	defer cancel()
	stored, err := g.remote.StartTrial(remoteCtx, domain.StartTrialRequest{UserID: userID, Tier: local.Tier, TrialDays: days})
	switch {
	case err == nil:
		log.Info("offline trial synced", zap.String("tier", local.Tier.String()), zap.Int("trial_days", days))
		g.clearPendingTrial(ctx, log, userID)
		return stored, true
	case domain.IsRejection(err):
		log.Info("offline trial refused by backend", zap.Error(err))
		g.clearPendingTrial(ctx, log, userID)
		return remote, true
	}
	log.Warn("offline trial sync failed, keeping local trial", zap.Error(err))
	g.metrics.IncPersistenceFallback("trial_sync")
	return local, false
}

func (g *Gateway) clearPendingTrial(ctx context.Context, log *zap.Logger, userID string) {
	if err := g.local.SetTrialPending(ctx, userID, false); err != nil {
		log.Warn("failed to clear pending trial", zap.Error(err))
	}
}

// remainingDays rounds the time left until end up to whole days.
func remainingDays(end, now time.Time) int {
	left := end.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + 24*time.Hour - 1) / (24 * time.Hour))
}

func (g *Gateway) readRemote(ctx context.Context, userID string) (domain.Record, error) {
	if g.remote == nil {
		return domain.Record{}, domain.ErrRemoteUnavailable
	}
	ctx, cancel := g.remoteContext(ctx)
	defer cancel()

	record, err := g.remote.GetSubscription(ctx, userID)
	if err != nil {
		return domain.Record{}, err
	}
	if err := record.Validate(); err != nil {
		return domain.Record{}, fmt.Errorf("remote record: %w", err)
	}
	return record, nil
}

// HasUsedTrial consults the local flag first. Once true anywhere it stays true locally.
func (g *Gateway) HasUsedTrial(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, domain.ErrInvalidUserID
	}
	log := ctxlogger.WithContext(ctx, g.log).With(zap.String("user_id", userID))

	used, err := g.local.TrialUsed(ctx, userID)
	if err != nil {
		log.Warn("failed to read local trial flag", zap.Error(err))
	}
	if used {
		return true, nil
	}
	if g.remote == nil {
		return false, nil
	}

	remoteCtx, cancel := g.remoteContext(ctx)
	defer cancel()
	history, err := g.remote.TrialHistory(remoteCtx, userID)
	if err != nil {
		log.Warn("remote trial history unavailable", zap.Error(err))
		g.metrics.IncPersistenceFallback("trial_history")
		return false, nil
	}
	if history.HasUsedTrial {
		if markErr := g.local.MarkTrialUsed(ctx, userID); markErr != nil {
			log.Warn("failed to mark trial locally", zap.Error(markErr))
		}
	}
	return history.HasUsedTrial, nil
}

// Remote calls outlive the caller's cancellation and are bounded only by the timeout.
func (g *Gateway) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
}

var _ domain.Gateway = (*Gateway)(nil)
