package repository

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/wayfare/internal/catalog"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/smallbiznis/wayfare/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewGormStore(dbtest.Open(t, &usagedomain.CounterRow{}), node)
}

func TestGormStoreConsumeStopsAtLimit(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	want := []struct {
		allowed bool
		count   uint32
	}{{true, 1}, {true, 2}, {true, 3}, {false, 3}, {false, 3}}

	for i, w := range want {
		counter, allowed, err := store.Consume(ctx, "u1", catalog.FeatureDeals, catalog.Cap(3), day)
		require.NoError(t, err)
		assert.Equal(t, w.allowed, allowed, "call %d", i+1)
		assert.Equal(t, w.count, counter.Count, "call %d", i+1)
		assert.True(t, counter.WindowStart.Equal(day))
	}
}

func TestGormStoreConsumeRollsOver(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	for i := 0; i < 2; i++ {
		_, allowed, err := store.Consume(ctx, "u1", catalog.FeaturePosts, catalog.Cap(2), day)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	_, allowed, err := store.Consume(ctx, "u1", catalog.FeaturePosts, catalog.Cap(2), day)
	require.NoError(t, err)
	require.False(t, allowed)

	later := day.AddDate(0, 0, 10)
	counter, allowed, err := store.Consume(ctx, "u1", catalog.FeaturePosts, catalog.Cap(2), later)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, uint32(1), counter.Count)
	assert.True(t, counter.WindowStart.Equal(later))

	// An older window start never rewinds the row.
	counter, allowed, err = store.Consume(ctx, "u1", catalog.FeaturePosts, catalog.Cap(2), day)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, uint32(2), counter.Count)
	assert.True(t, counter.WindowStart.Equal(later))
}

func TestGormStoreConsumeUnlimited(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	var counter usagedomain.Counter
	for i := 0; i < 25; i++ {
		var (
			allowed bool
			err     error
		)
		counter, allowed, err = store.Consume(ctx, "u1", catalog.FeatureAIQueries, catalog.Unlimited(), day)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	assert.Equal(t, uint32(25), counter.Count)
}

func TestGormStoreConsumeIsPerUser(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	_, allowed, err := store.Consume(ctx, "u1", catalog.FeaturePlaces, catalog.Cap(1), day)
	require.NoError(t, err)
	require.True(t, allowed)

	_, allowed, err = store.Consume(ctx, "u2", catalog.FeaturePlaces, catalog.Cap(1), day)
	require.NoError(t, err)
	assert.True(t, allowed)

	_, _, err = store.Consume(ctx, "", catalog.FeaturePlaces, catalog.Cap(1), day)
	require.ErrorIs(t, err, usagedomain.ErrInvalidUserID)
}

func TestGormStorePutGetList(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	_, found, err := store.Get(ctx, "u1", catalog.FeaturePlaces)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, "u1", catalog.FeaturePlaces, usagedomain.Counter{Count: 5, WindowStart: day}))
	require.NoError(t, store.Put(ctx, "u1", catalog.FeaturePlaces, usagedomain.Counter{Count: 6, WindowStart: day}))
	require.NoError(t, store.Put(ctx, "u1", catalog.FeatureAIQueries, usagedomain.Counter{Count: 1, WindowStart: day}))

	counter, found, err := store.Get(ctx, "u1", catalog.FeaturePlaces)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(6), counter.Count)

	all, err := store.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, uint32(1), all[catalog.FeatureAIQueries].Count)

	none, err := store.List(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGormStorePutNeverRewindsConsume(t *testing.T) {
	ctx := context.Background()
	store := newGormStore(t)

	for i := 0; i < 3; i++ {
		_, allowed, err := store.Consume(ctx, "u1", catalog.FeatureDeals, catalog.Cap(3), day)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	// a slower session mirrors what it counted locally
	require.NoError(t, store.Put(ctx, "u1", catalog.FeatureDeals, usagedomain.Counter{Count: 1, WindowStart: day}))
	counter, allowed, err := store.Consume(ctx, "u1", catalog.FeatureDeals, catalog.Cap(3), day)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, uint32(3), counter.Count)

	require.NoError(t, store.Put(ctx, "u1", catalog.FeatureDeals, usagedomain.Counter{Count: 9, WindowStart: day.AddDate(0, 0, -1)}))
	counter, _, err = store.Get(ctx, "u1", catalog.FeatureDeals)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), counter.Count)
	assert.True(t, counter.WindowStart.Equal(day))

	next := day.AddDate(0, 0, 1)
	require.NoError(t, store.Put(ctx, "u1", catalog.FeatureDeals, usagedomain.Counter{Count: 1, WindowStart: next}))
	counter, _, err = store.Get(ctx, "u1", catalog.FeatureDeals)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), counter.Count)
	assert.True(t, counter.WindowStart.Equal(next))
}
