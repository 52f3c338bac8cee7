package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/wayfare/internal/catalog"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the backend's durable counter table.
type GormStore struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewGormStore(db *gorm.DB, genID *snowflake.Node) *GormStore {
	return &GormStore{db: db, genID: genID}
}

func (s *GormStore) Get(ctx context.Context, userID string, feature catalog.Feature) (usagedomain.Counter, bool, error) {
	var row usagedomain.CounterRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND feature = ?", userID, string(feature)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return usagedomain.Counter{}, false, nil
	}
	if err != nil {
		return usagedomain.Counter{}, false, err
	}
	return rowCounter(row), true, nil
}

// List returns every counter held for userID.
func (s *GormStore) List(ctx context.Context, userID string) (usagedomain.Counters, error) {
	var rows []usagedomain.CounterRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(usagedomain.Counters, len(rows))
	for _, row := range rows {
		feature, err := catalog.ParseFeature(row.Feature)
		if err != nil {
			continue
		}
		out[feature] = rowCounter(row)
	}
	return out, nil
}

// Put mirrors a counter kept elsewhere. Within the stored window the count only
// grows; a newer window replaces the row and an older one is ignored, so a stale
// mirror never rolls back what Consume handed out.
func (s *GormStore) Put(ctx context.Context, userID string, feature catalog.Feature, counter usagedomain.Counter) error {
	windowStart := counter.WindowStart.UTC()
	count := int64(counter.Count)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := usagedomain.CounterRow{
			ID:          s.genID.Generate(),
			UserID:      userID,
			Feature:     string(feature),
			Count:       count,
			WindowStart: windowStart,
			UpdatedAt:   now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil || res.RowsAffected == 1 {
			return res.Error
		}

		scope := tx.Model(&usagedomain.CounterRow{}).Where("user_id = ? AND feature = ?", userID, string(feature))
		if err := scope.Session(&gorm.Session{}).
			Where("window_start < ?", windowStart).
			Updates(map[string]any{"count": count, "window_start": windowStart, "updated_at": now}).Error; err != nil {
			return err
		}
		return scope.Session(&gorm.Session{}).
			Where("window_start = ? AND count < ?", windowStart, count).
			Updates(map[string]any{"count": count, "updated_at": now}).Error
	})
}

// Prune deletes counters whose window started before cutoff. Such rows would read as
// zero after rollover anyway.
func (s *GormStore) Prune(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := s.db.WithContext(ctx).Model(&usagedomain.CounterRow{}).
		Where("window_start < ?", cutoff.UTC()).
		Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var ids []snowflake.ID
	if err := query.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&usagedomain.CounterRow{})
	return res.RowsAffected, res.Error
}

// Consume rolls the counter over to windowStart when it belongs to an earlier window,
// then increments it only while it is under limit. All three steps share one transaction
// and the increment is a conditional UPDATE, so concurrent callers cannot overshoot.
func (s *GormStore) Consume(ctx context.Context, userID string, feature catalog.Feature, limit catalog.Limit, windowStart time.Time) (usagedomain.Counter, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return usagedomain.Counter{}, false, usagedomain.ErrInvalidUserID
	}
	windowStart = windowStart.UTC()
	var (
		out     usagedomain.Counter
		allowed bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		seed := usagedomain.CounterRow{
			ID:          s.genID.Generate(),
			UserID:      userID,
			Feature:     string(feature),
			WindowStart: windowStart,
			UpdatedAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		scope := tx.Model(&usagedomain.CounterRow{}).Where("user_id = ? AND feature = ?", userID, string(feature))
		if err := scope.Session(&gorm.Session{}).
			Where("window_start < ?", windowStart).
			Updates(map[string]any{"count": 0, "window_start": windowStart, "updated_at": now}).Error; err != nil {
			return err
		}

		inc := scope.Session(&gorm.Session{})
		if !limit.IsUnlimited() {
			inc = inc.Where("count < ?", int64(limit.Value()))
		}
		res := inc.Updates(map[string]any{"count": gorm.Expr("count + 1"), "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		allowed = res.RowsAffected == 1

		var row usagedomain.CounterRow
		if err := tx.Where("user_id = ? AND feature = ?", userID, string(feature)).Take(&row).Error; err != nil {
			return err
		}
		out = rowCounter(row)
		return nil
	})
	if err != nil {
		return usagedomain.Counter{}, false, err
	}
	return out, allowed, nil
}

func rowCounter(row usagedomain.CounterRow) usagedomain.Counter {
	count := row.Count
	if count < 0 {
		count = 0
	}
	return usagedomain.Counter{Count: uint32(count), WindowStart: row.WindowStart.UTC()}
}

var (
	_ usagedomain.Store         = (*GormStore)(nil)
	_ usagedomain.AtomicCounter = (*GormStore)(nil)
)
