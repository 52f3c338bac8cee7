package cache

import (
	"strings"
	"time"

	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
)

const defaultRecordTTL = 45 * time.Second

// RecordCache keeps recently served subscription records hot for the consume path.
type RecordCache interface {
	GetRecord(userID string) (subscriptiondomain.Record, bool)
	SetRecord(record subscriptiondomain.Record)
	Invalidate(userID string)
}

type recordCache struct {
	records Cache[string, subscriptiondomain.Record]
	ttl     time.Duration
}

// NewRecordCache returns an in-memory record cache.
func NewRecordCache() RecordCache {
	return &recordCache{
		records: NewTTLCache[string, subscriptiondomain.Record](),
		ttl:     defaultRecordTTL,
	}
}

func (c *recordCache) GetRecord(userID string) (subscriptiondomain.Record, bool) {
	record, ok := c.records.Get(cacheKey(userID))
	if !ok {
		return subscriptiondomain.Record{}, false
	}
	return record.Clone(), true
}

func (c *recordCache) SetRecord(record subscriptiondomain.Record) {
	key := cacheKey(record.UserID)
	if key == "" {
		return
	}
	c.records.Set(key, record.Clone(), c.ttl)
}

func (c *recordCache) Invalidate(userID string) {
	c.records.Delete(cacheKey(userID))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, "|")
}
