package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	counters map[string]usagedomain.Counter
	puts     int
	putErr   error
}

func newMemStore() *memStore {
	return &memStore{counters: map[string]usagedomain.Counter{}}
}

func (s *memStore) key(userID string, feature catalog.Feature) string {
	return fmt.Sprintf("%s/%s", userID, feature)
}

func (s *memStore) Get(_ context.Context, userID string, feature catalog.Feature) (usagedomain.Counter, bool, error) {
	c, ok := s.counters[s.key(userID, feature)]
	return c, ok, nil
}

func (s *memStore) Put(_ context.Context, userID string, feature catalog.Feature, counter usagedomain.Counter) error {
	s.puts++
	s.counters[s.key(userID, feature)] = counter
	return s.putErr
}

var (
	testStart = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	basic     = catalog.Default().LimitsOf(catalog.TierBasic)
)

func newTestMeter(store usagedomain.Store, clk clock.Clock) *Meter {
	return New(store, clk, time.UTC, zap.NewNop(), nil)
}

func TestCanUseFeatureIsIdempotentWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	clk := clock.NewFakeClock(testStart)
	meter := newTestMeter(store, clk)

	_, err := meter.RecordUsage(ctx, "u1", catalog.FeaturePlaces)
	require.NoError(t, err)
	puts := store.puts

	for i := 0; i < 5; i++ {
		clk.Advance(time.Hour)
		d, err := meter.CanUseFeature(ctx, "u1", catalog.FeaturePlaces, basic)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), d.Count)
		assert.Equal(t, uint32(29), d.Remaining)
	}
	assert.Equal(t, puts, store.puts)
}

func TestCanUseFeatureOnFreshCounterWritesNothing(t *testing.T) {
	store := newMemStore()
	meter := newTestMeter(store, clock.NewFakeClock(testStart))

	d, err := meter.CanUseFeature(context.Background(), "u1", catalog.FeatureDeals, basic)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, uint32(10), d.Remaining)
	require.NotNil(t, d.ResetsAt)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), *d.ResetsAt)
	assert.Zero(t, store.puts)
}

func TestCanUseFeatureResetsOnceAcrossGap(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.counters[store.key("u1", catalog.FeaturePlaces)] = usagedomain.Counter{
		Count:       30,
		WindowStart: time.Date(2024, 5, 22, 0, 0, 0, 0, time.UTC),
	}
	meter := newTestMeter(store, clock.NewFakeClock(testStart))

	d, err := meter.CanUseFeature(ctx, "u1", catalog.FeaturePlaces, basic)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, uint32(0), d.Count)
	assert.Equal(t, 1, store.puts)

	stored := store.counters[store.key("u1", catalog.FeaturePlaces)]
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), stored.WindowStart)

	_, err = meter.CanUseFeature(ctx, "u1", catalog.FeaturePlaces, basic)
	require.NoError(t, err)
	assert.Equal(t, 1, store.puts)
}

func TestBasicPlacesQuotaExhaustsAfterThirty(t *testing.T) {
	ctx := context.Background()
	meter := newTestMeter(newMemStore(), clock.NewFakeClock(testStart))

	for i := 0; i < 30; i++ {
		d, err := meter.CanUseFeature(ctx, "u1", catalog.FeaturePlaces, basic)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i+1)
		_, err = meter.RecordUsage(ctx, "u1", catalog.FeaturePlaces)
		require.NoError(t, err)
	}

	d, err := meter.CanUseFeature(ctx, "u1", catalog.FeaturePlaces, basic)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, uint32(0), d.Remaining)
	assert.Equal(t, catalog.Cap(30), d.Limit)
}

func TestRecordUsageNeverRefuses(t *testing.T) {
	ctx := context.Background()
	meter := newTestMeter(newMemStore(), clock.NewFakeClock(testStart))
	free := catalog.Default().LimitsOf(catalog.TierFree)

	var counter usagedomain.Counter
	for i := 0; i < 4; i++ {
		var err error
		counter, err = meter.RecordUsage(ctx, "u1", catalog.FeatureDeals)
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(4), counter.Count)

	d, err := meter.CanUseFeature(ctx, "u1", catalog.FeatureDeals, free)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, uint32(0), d.Remaining)
}

func TestRecordUsageRollsOverFirst(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(testStart)
	meter := newTestMeter(newMemStore(), clk)

	for i := 0; i < 3; i++ {
		_, err := meter.RecordUsage(ctx, "u1", catalog.FeaturePosts)
		require.NoError(t, err)
	}
	clk.Advance(24 * time.Hour)

	counter, err := meter.RecordUsage(ctx, "u1", catalog.FeaturePosts)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), counter.Count)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), counter.WindowStart)
}

func TestMonthlyWindowFollowsUserZone(t *testing.T) {
	ctx := context.Background()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 2024-06-30 14:30 UTC is 23:30 in Tokyo; 15:30 UTC is already July 1st there.
	clk := clock.NewFakeClock(time.Date(2024, 6, 30, 14, 30, 0, 0, time.UTC))
	meter := New(newMemStore(), clk, tokyo, nil, nil)

	_, err = meter.RecordUsage(ctx, "u1", catalog.FeatureAIQueries)
	require.NoError(t, err)

	d, err := meter.CanUseFeature(ctx, "u1", catalog.FeatureAIQueries, basic)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d.Count)

	clk.Advance(time.Hour)
	d, err = meter.CanUseFeature(ctx, "u1", catalog.FeatureAIQueries, basic)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), d.Count)
	assert.Equal(t, uint32(50), d.Remaining)
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, tokyo), *d.ResetsAt)
}

func TestUnlimitedFeature(t *testing.T) {
	ctx := context.Background()
	meter := newTestMeter(newMemStore(), clock.NewFakeClock(testStart))
	pro := catalog.Default().LimitsOf(catalog.TierPro)

	for i := 0; i < 200; i++ {
		_, err := meter.RecordUsage(ctx, "u1", catalog.FeaturePlaces)
		require.NoError(t, err)
	}
	d, err := meter.CanUseFeature(ctx, "u1", catalog.FeaturePlaces, pro)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Limit.IsUnlimited())
}

func TestFavoritesUseHoldingCap(t *testing.T) {
	ctx := context.Background()
	meter := newTestMeter(newMemStore(), clock.NewFakeClock(testStart))
	free := catalog.Default().LimitsOf(catalog.TierFree)

	_, err := meter.CanUseFeature(ctx, "u1", catalog.FeatureFavorites, free)
	require.ErrorIs(t, err, usagedomain.ErrNotWindowed)
	_, err = meter.RecordUsage(ctx, "u1", catalog.FeatureFavorites)
	require.ErrorIs(t, err, usagedomain.ErrNotWindowed)

	assert.True(t, meter.CanHold(free, 19).Allowed)
	held := meter.CanHold(free, 20)
	assert.False(t, held.Allowed)
	assert.Equal(t, catalog.FeatureFavorites, held.Feature)
}

func TestMeterRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	meter := newTestMeter(newMemStore(), clock.NewFakeClock(testStart))

	_, err := meter.CanUseFeature(ctx, " ", catalog.FeaturePlaces, basic)
	require.ErrorIs(t, err, usagedomain.ErrInvalidUserID)
	_, err = meter.CanUseFeature(ctx, "u1", catalog.Feature("chat"), basic)
	require.ErrorIs(t, err, usagedomain.ErrUnknownFeature)
	_, err = meter.RecordUsage(ctx, "", catalog.FeaturePlaces)
	require.ErrorIs(t, err, usagedomain.ErrInvalidUserID)
}

func TestRecordUsageReportsUnpersistedCount(t *testing.T) {
	store := newMemStore()
	store.putErr = fmt.Errorf("%w: disk full", usagedomain.ErrNotPersisted)
	meter := newTestMeter(store, clock.NewFakeClock(testStart))

	counter, err := meter.RecordUsage(context.Background(), "u1", catalog.FeaturePlaces)
	require.Error(t, err)
	assert.True(t, errors.Is(err, usagedomain.ErrNotPersisted))
	assert.Equal(t, uint32(1), counter.Count)
}

func TestSummaryCoversWindowedFeatures(t *testing.T) {
	meter := newTestMeter(newMemStore(), clock.NewFakeClock(testStart))

	summary, err := meter.Summary(context.Background(), "u1", basic)
	require.NoError(t, err)
	require.Len(t, summary, 4)
	for _, d := range summary {
		assert.NotEqual(t, catalog.FeatureFavorites, d.Feature)
		assert.True(t, d.Allowed)
	}
}
