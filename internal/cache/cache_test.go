package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpires(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	v, ok = c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("b")
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestRecordCacheCopies(t *testing.T) {
	c := NewRecordCache()
	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	record := subscriptiondomain.Record{UserID: "u1", Tier: catalog.TierPro, Status: subscriptiondomain.StatusActive, SubscriptionEndsAt: &end}

	c.SetRecord(record)
	*record.SubscriptionEndsAt = end.AddDate(1, 0, 0)

	got, ok := c.GetRecord(" u1 ")
	require.True(t, ok)
	assert.True(t, got.SubscriptionEndsAt.Equal(end))

	c.Invalidate("u1")
	_, ok = c.GetRecord("u1")
	assert.False(t, ok)

	c.SetRecord(subscriptiondomain.Record{})
	_, ok = c.GetRecord("")
	assert.False(t, ok)
}
