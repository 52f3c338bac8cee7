// Package registry is the backend's authoritative subscription store. Every
// mutation runs in one transaction with its audit event.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/wayfare/internal/cache"
	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/wayfare/internal/payment/domain"
	paymentservice "github.com/smallbiznis/wayfare/internal/payment/service"
	"github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/smallbiznis/wayfare/pkg/db/pagination"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Registry struct {
	db       *gorm.DB
	repo     domain.Repository
	payments paymentservice.Service
	catalog  catalog.Provider
	clock    clock.Clock
	genID    *snowflake.Node
	records  cache.RecordCache
	log      *zap.Logger
	metrics  *metrics.EngineMetrics
}

type Param struct {
	fx.In

	DB       *gorm.DB
	Repo     domain.Repository
	Payments paymentservice.Service
	Catalog  catalog.Provider
	Clock    clock.Clock
	GenID    *snowflake.Node
	Records  cache.RecordCache `optional:"true"`
	Log      *zap.Logger
	Metrics  *metrics.EngineMetrics `optional:"true"`
}

func New(p Param) *Registry {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	records := p.Records
	if records == nil {
		records = cache.NewRecordCache()
	}
	return &Registry{
		db:       p.DB,
		repo:     p.Repo,
		payments: p.Payments,
		catalog:  p.Catalog,
		clock:    p.Clock,
		genID:    p.GenID,
		records:  records,
		log:      log.Named("subscription.registry"),
		metrics:  p.Metrics,
	}
}

// Get returns the record for userID, creating the free record on first sight and
// expiring a lapsed trial or subscription.
func (r *Registry) Get(ctx context.Context, userID string) (domain.Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Record{}, domain.ErrInvalidUserID
	}
	if record, ok := r.records.GetRecord(userID); ok {
		if _, _, changed := domain.Reconcile(record, r.clock.Now()); !changed {
			return record, nil
		}
	}

	var out domain.Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, exists, err := r.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !exists {
			return r.apply(ctx, tx, "create", current, current, nil, &out)
		}
		next, notice, changed := domain.Reconcile(current, r.clock.Now())
		if !changed {
			out = current
			return nil
		}
		r.metrics.IncReconciliation(string(notice.Kind))
		return r.apply(ctx, tx, string(domain.ChangeReconcile), current, next, datatypes.JSONMap{"notice": string(notice.Kind)}, &out)
	})
	if err != nil {
		return domain.Record{}, err
	}
	r.records.SetRecord(out)
	return out, nil
}

// Put stores a record computed by the client. Only two shapes are accepted: a tier
// change that keeps the status and both end dates, and an expiry the server clock
// agrees with. Trials, purchases and cancellations go through their own calls.
func (r *Registry) Put(ctx context.Context, record domain.Record) (domain.Record, error) {
	record.UserID = strings.TrimSpace(record.UserID)
	if err := record.Validate(); err != nil {
		return domain.Record{}, err
	}

	var out domain.Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, _, err := r.load(ctx, tx, record.UserID)
		if err != nil {
			return err
		}
		current, notice, lapsed := domain.Reconcile(stored, r.clock.Now())

		switch {
		case record.Status == domain.StatusExpired:
			if !record.Equal(current) || current.Status != domain.StatusExpired {
				return fmt.Errorf("%w: %s has not ended", domain.ErrInvalidTransition, stored.Status)
			}
			if !lapsed {
				out = current
				return nil
			}
			r.metrics.IncReconciliation(string(notice.Kind))
			return r.apply(ctx, tx, string(domain.ChangeReconcile), stored, current, datatypes.JSONMap{"notice": string(notice.Kind)}, &out)

		case record.Equal(current):
			out = current
			return nil

		case !sameTerms(current, record):
			return fmt.Errorf("%w: %s to %s; use trial, upgrade or cancel", domain.ErrInvalidTransition, current.Status, record.Status)

		case !domain.CanChangeTier(current.Status) || record.Tier == catalog.TierFree:
			return fmt.Errorf("%w: tier change from %s", domain.ErrInvalidTransition, current.Status)

		case current.Status == domain.StatusTrial && !r.catalog.Current().LimitsOf(record.Tier).TrialEligible:
			return domain.ErrTierNotTrialEligible
		}
		return r.apply(ctx, tx, string(domain.ChangeTier), current, record, nil, &out)
	})
	r.records.Invalidate(record.UserID)
	if err != nil {
		ctxlogger.WithContext(ctx, r.log).Info("subscription put refused",
			zap.String("user_id", record.UserID),
			zap.Error(err),
		)
		return domain.Record{}, err
	}
	return out, nil
}

// sameTerms reports whether a and b differ at most in tier.
func sameTerms(a, b domain.Record) bool {
	return a.Status == b.Status &&
		sameInstant(a.TrialEndsAt, b.TrialEndsAt) &&
		sameInstant(a.SubscriptionEndsAt, b.SubscriptionEndsAt)
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// StartTrial opens a trial. The trial history insert fails for a user who already
// had one, whatever the current record says.
func (r *Registry) StartTrial(ctx context.Context, req domain.StartTrialRequest) (domain.Record, error) {
	if !req.Tier.Valid() {
		return domain.Record{}, catalog.ErrInvalidTier
	}
	limits := r.catalog.Current().LimitsOf(req.Tier)
	if !limits.TrialEligible {
		return domain.Record{}, domain.ErrTierNotTrialEligible
	}
	days := req.TrialDays
	if days == 0 {
		days = limits.TrialLengthDays
	}
	if days < 0 || days > limits.TrialLengthDays {
		return domain.Record{}, fmt.Errorf("%w: %d", domain.ErrInvalidTrialDays, req.TrialDays)
	}

	var out domain.Record
	err := r.mutate(ctx, req.UserID, func(tx *gorm.DB, current domain.Record) error {
		if !domain.CanStartTrial(current.Status) {
			return fmt.Errorf("%w: cannot start trial from %s", domain.ErrInvalidTransition, current.Status)
		}
		now := r.clock.Now()
		if err := r.repo.InsertTrial(ctx, tx, &domain.TrialUsage{
			UserID:    current.UserID,
			Tier:      req.Tier.String(),
			StartedAt: now,
		}); err != nil {
			return err
		}
		ends := now.AddDate(0, 0, days)
		next := domain.Record{UserID: current.UserID, Tier: req.Tier, Status: domain.StatusTrial, TrialEndsAt: &ends}
		return r.apply(ctx, tx, string(domain.ChangeStartTrial), current, next, datatypes.JSONMap{"trial_days": days}, &out)
	})
	return out, err
}

// Charge settles the catalog price of a tier and stores the outcome. A declined
// charge is reported in the result, not as an error.
func (r *Registry) Charge(ctx context.Context, req domain.PaymentRequest) (domain.PaymentResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return domain.PaymentResult{}, domain.ErrInvalidUserID
	}
	if !req.Tier.Valid() || req.Tier == catalog.TierFree {
		return domain.PaymentResult{}, catalog.ErrInvalidTier
	}
	price := r.catalog.Current().LimitsOf(req.Tier).MonthlyPrice
	if req.Amount != price {
		return domain.PaymentResult{}, fmt.Errorf("%w: %d for %s, want %d", domain.ErrInvalidAmount, req.Amount, req.Tier, price)
	}

	outcome, err := r.payments.Process(ctx, paymentdomain.Charge{
		UserID:        req.UserID,
		Tier:          req.Tier.String(),
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrProcessorNotFound) || errors.Is(err, paymentdomain.ErrInvalidCharge) {
			return domain.PaymentResult{}, fmt.Errorf("%w: %v", domain.ErrPaymentFailed, err)
		}
		return domain.PaymentResult{}, err
	}

	payment := &domain.Payment{
		ID:            "pay_" + strings.ToLower(ulid.Make().String()),
		UserID:        req.UserID,
		Tier:          req.Tier.String(),
		Amount:        req.Amount,
		PaymentMethod: strings.ToLower(strings.TrimSpace(req.PaymentMethod)),
		Success:       outcome.Approved,
		CreatedAt:     r.clock.Now(),
	}
	if err := r.repo.InsertPayment(ctx, r.db.WithContext(ctx), payment); err != nil {
		return domain.PaymentResult{}, err
	}
	ctxlogger.WithContext(ctx, r.log).Info("payment recorded",
		zap.String("user_id", payment.UserID),
		zap.String("payment_id", payment.ID),
		zap.Bool("success", payment.Success),
	)
	return domain.PaymentResult{Success: payment.Success, PaymentID: payment.ID}, nil
}

// Upgrade activates a tier for one calendar month against an unused successful
// payment. A still running paid period is extended rather than replaced.
func (r *Registry) Upgrade(ctx context.Context, req domain.UpgradeRequest) (domain.Record, error) {
	if !req.Tier.Valid() {
		return domain.Record{}, catalog.ErrInvalidTier
	}
	if req.Tier == catalog.TierFree {
		return domain.Record{}, fmt.Errorf("%w: free tier is not purchasable", domain.ErrInvalidTransition)
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return domain.Record{}, domain.ErrPaymentFailed
	}

	var out domain.Record
	err := r.mutate(ctx, req.UserID, func(tx *gorm.DB, current domain.Record) error {
		if !domain.CanTransition(current.Status, domain.StatusActive) {
			return fmt.Errorf("%w: cannot upgrade from %s", domain.ErrInvalidTransition, current.Status)
		}
		now := r.clock.Now()
		if err := r.repo.ConsumePayment(ctx, tx, paymentID, current.UserID, req.Tier.String(), now); err != nil {
			return err
		}
		ends := PeriodEnd(current, now)
		next := domain.Record{UserID: current.UserID, Tier: req.Tier, Status: domain.StatusActive, SubscriptionEndsAt: &ends}
		return r.apply(ctx, tx, string(domain.ChangeSubscribe), current, next, datatypes.JSONMap{"payment_id": paymentID}, &out)
	})
	return out, err
}

// PeriodEnd is one calendar month after the later of now and the end of a running paid period.
func PeriodEnd(current domain.Record, now time.Time) time.Time {
	start := now
	if current.Status == domain.StatusActive && current.SubscriptionEndsAt != nil && current.SubscriptionEndsAt.After(now) {
		start = *current.SubscriptionEndsAt
	}
	return start.AddDate(0, 1, 0)
}

// Cancel ends a paid subscription immediately and reverts to free.
func (r *Registry) Cancel(ctx context.Context, userID string, req domain.CancelRequest) (domain.Record, error) {
	var out domain.Record
	err := r.mutate(ctx, userID, func(tx *gorm.DB, current domain.Record) error {
		if !domain.CanTransition(current.Status, domain.StatusCanceled) {
			return fmt.Errorf("%w: cannot cancel from %s", domain.ErrInvalidTransition, current.Status)
		}
		next := domain.Record{UserID: current.UserID, Tier: catalog.TierFree, Status: domain.StatusCanceled}
		var meta datatypes.JSONMap
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			meta = datatypes.JSONMap{"reason": reason}
		}
		return r.apply(ctx, tx, string(domain.ChangeCancel), current, next, meta, &out)
	})
	return out, err
}

func (r *Registry) TrialHistory(ctx context.Context, userID string) (domain.TrialHistory, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.TrialHistory{}, domain.ErrInvalidUserID
	}
	used, err := r.repo.HasTrial(ctx, r.db.WithContext(ctx), userID)
	if err != nil {
		return domain.TrialHistory{}, err
	}
	return domain.TrialHistory{HasUsedTrial: used}, nil
}

// ListEvents pages through the audit trail of userID, newest first.
func (r *Registry) ListEvents(ctx context.Context, userID string, page pagination.Pagination) ([]domain.Event, pagination.PageInfo, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pagination.PageInfo{}, domain.ErrInvalidUserID
	}
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	var before snowflake.ID
	if cursor.ID != "" {
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.PageInfo{}, pagination.ErrInvalidPageToken
		}
		before = parsed
	}

	limit := page.Limit()
	rows, err := r.repo.ListEvents(ctx, r.db.WithContext(ctx), userID, before, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	return pagination.BuildCursorPage(rows, limit, func(e domain.Event) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
}

// mutate runs fn against the locked, reconciled record of userID.
func (r *Registry) mutate(ctx context.Context, userID string, fn func(tx *gorm.DB, current domain.Record) error) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ErrInvalidUserID
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, _, err := r.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		if reconciled, notice, changed := domain.Reconcile(current, r.clock.Now()); changed {
			r.metrics.IncReconciliation(string(notice.Kind))
			current = reconciled
		}
		return fn(tx, current)
	})
	r.records.Invalidate(userID)
	if err != nil {
		ctxlogger.WithContext(ctx, r.log).Info("subscription change refused",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	return err
}

func (r *Registry) load(ctx context.Context, tx *gorm.DB, userID string) (domain.Record, bool, error) {
	row, err := r.repo.FindByUserIDForUpdate(ctx, tx, userID)
	if err != nil {
		return domain.Record{}, false, err
	}
	if row == nil {
		return domain.NewRecord(userID), false, nil
	}
	record, err := row.ToRecord()
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("%w: %v", domain.ErrInvalidRecord, err)
	}
	return record, true, nil
}

// apply upserts next and appends the audit event in tx.
func (r *Registry) apply(ctx context.Context, tx *gorm.DB, kind string, previous, next domain.Record, meta datatypes.JSONMap, out *domain.Record) error {
	now := r.clock.Now()
	row := &domain.Subscription{CreatedAt: now, UpdatedAt: now}
	row.FromRecord(next)
	if err := r.repo.Upsert(ctx, tx, row); err != nil {
		return err
	}
	if err := r.repo.InsertEvent(ctx, tx, &domain.Event{
		ID:         r.genID.Generate(),
		UserID:     next.UserID,
		Kind:       kind,
		FromStatus: previous.Status.String(),
		ToStatus:   next.Status.String(),
		FromTier:   previous.Tier.String(),
		ToTier:     next.Tier.String(),
		Metadata:   meta,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if previous.Status != next.Status {
		r.metrics.IncLifecycleTransition(previous.Status.String(), next.Status.String())
	}
	*out = next.Clone()
	return nil
}
