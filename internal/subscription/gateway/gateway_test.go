package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	"github.com/smallbiznis/wayfare/internal/localstate"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	"github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) GetSubscription(ctx context.Context, userID string) (domain.Record, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.Record), args.Error(1)
}

func (m *mockRemote) PutSubscription(ctx context.Context, record domain.Record) (domain.Record, error) {
	args := m.Called(ctx, record)
	return args.Get(0).(domain.Record), args.Error(1)
}

func (m *mockRemote) StartTrial(ctx context.Context, req domain.StartTrialRequest) (domain.Record, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Record), args.Error(1)
}

func (m *mockRemote) Upgrade(ctx context.Context, req domain.UpgradeRequest) (domain.Record, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Record), args.Error(1)
}

func (m *mockRemote) Cancel(ctx context.Context, userID string, req domain.CancelRequest) error {
	args := m.Called(ctx, userID, req)
	return args.Error(0)
}

func (m *mockRemote) TrialHistory(ctx context.Context, userID string) (domain.TrialHistory, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.TrialHistory), args.Error(1)
}

type brokenStore struct {
	domain.LocalStore
}

func (brokenStore) SaveRecord(context.Context, domain.Record) error { return errors.New("disk full") }
func (brokenStore) MarkTrialUsed(context.Context, string) error     { return nil }

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *localstate.FileStore {
	t.Helper()
	store, err := localstate.NewFileStore(t.TempDir(), clock.NewFakeClock(now))
	require.NoError(t, err)
	return store
}

func trialRecord(userID string) domain.Record {
	ends := now.AddDate(0, 0, 7)
	return domain.Record{UserID: userID, Tier: catalog.TierPremium, Status: domain.StatusTrial, TrialEndsAt: &ends}
}

func TestWriteRemoteSuccessCachesRemoteRecord(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second)

	local := trialRecord("u-1")
	authoritative := local.Clone()
	later := now.AddDate(0, 0, 7).Add(time.Hour)
	authoritative.TrialEndsAt = &later

	remote.On("StartTrial", mock.Anything, domain.StartTrialRequest{UserID: "u-1", Tier: catalog.TierPremium, TrialDays: 7}).
		Return(authoritative, nil).Once()

	got, err := g.Write(ctx, domain.Change{Kind: domain.ChangeStartTrial, Record: local, TrialDays: 7})
	require.NoError(t, err)
	assert.True(t, got.Equal(authoritative))

	cached, found, err := store.LoadRecord(ctx, "u-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cached.Equal(authoritative))

	used, err := store.TrialUsed(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, used)
	remote.AssertExpectations(t)
}

func TestWriteRemoteDownCommitsLocally(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg, metrics.Config{})
	g := New(remote, store, zap.NewNop(), m, time.Second)

	remote.On("StartTrial", mock.Anything, mock.Anything).
		Return(domain.Record{}, domain.ErrRemoteUnavailable).Once()

	record := trialRecord("u-2")
	got, err := g.Write(ctx, domain.Change{Kind: domain.ChangeStartTrial, Record: record, TrialDays: 7})
	require.NoError(t, err)
	assert.True(t, got.Equal(record))

	cached, found, err := store.LoadRecord(ctx, "u-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cached.Equal(record))

	count, err := testutil.GatherAndCount(reg, "wayfare_persistence_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWriteRejectionLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second)

	remote.On("StartTrial", mock.Anything, mock.Anything).
		Return(domain.Record{}, domain.ErrTrialAlreadyUsed).Once()

	_, err := g.Write(ctx, domain.Change{Kind: domain.ChangeStartTrial, Record: trialRecord("u-3"), TrialDays: 7})
	require.ErrorIs(t, err, domain.ErrTrialAlreadyUsed)

	_, found, err := store.LoadRecord(ctx, "u-3")
	require.NoError(t, err)
	assert.False(t, found)

	used, err := store.TrialUsed(ctx, "u-3")
	require.NoError(t, err)
	assert.True(t, used, "server-side trial history must be mirrored locally")
}

func TestWriteFailsWhenBothStoresFail(t *testing.T) {
	remote := &mockRemote{}
	g := New(remote, brokenStore{}, zap.NewNop(), nil, time.Second)

	ends := now.AddDate(0, 1, 0)
	record := domain.Record{UserID: "u-4", Tier: catalog.TierBasic, Status: domain.StatusActive, SubscriptionEndsAt: &ends}
	remote.On("PutSubscription", mock.Anything, record).Return(domain.Record{}, domain.ErrRemoteUnavailable).Once()

	_, err := g.Write(context.Background(), domain.Change{Kind: domain.ChangeTier, Record: record})
	require.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
}

func TestWriteCancelReturnsComputedRecord(t *testing.T) {
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second)

	record := domain.Record{UserID: "u-5", Tier: catalog.TierFree, Status: domain.StatusCanceled}
	remote.On("Cancel", mock.Anything, "u-5", domain.CancelRequest{Reason: "too pricey"}).Return(nil).Once()

	got, err := g.Write(context.Background(), domain.Change{Kind: domain.ChangeCancel, Record: record, CancelReason: "too pricey"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	remote.AssertExpectations(t)
}

func TestWriteRejectsInvalidRecord(t *testing.T) {
	g := New(&mockRemote{}, newStore(t), zap.NewNop(), nil, time.Second)
	_, err := g.Write(context.Background(), domain.Change{
		Kind:   domain.ChangeTier,
		Record: domain.Record{UserID: "u-6", Tier: catalog.TierBasic, Status: domain.StatusActive},
	})
	require.ErrorIs(t, err, domain.ErrInvalidRecord)
}

func TestReadRemoteWinsOverCache(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second)

	require.NoError(t, store.SaveRecord(ctx, trialRecord("u-7")))
	authoritative := domain.Record{UserID: "u-7", Tier: catalog.TierFree, Status: domain.StatusExpired}
	remote.On("GetSubscription", mock.Anything, "u-7").Return(authoritative, nil).Once()

	got, err := g.Read(ctx, "u-7")
	require.NoError(t, err)
	assert.True(t, got.Equal(authoritative))

	cached, _, err := store.LoadRecord(ctx, "u-7")
	require.NoError(t, err)
	assert.True(t, cached.Equal(authoritative))
}

func TestReadFallsBackToCacheThenFresh(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second)

	remote.On("GetSubscription", mock.Anything, mock.Anything).Return(domain.Record{}, domain.ErrRemoteUnavailable)

	got, err := g.Read(ctx, "u-8")
	require.NoError(t, err)
	assert.True(t, got.Equal(domain.NewRecord("u-8")))

	cachedRecord := trialRecord("u-8")
	require.NoError(t, store.SaveRecord(ctx, cachedRecord))
	got, err = g.Read(ctx, "u-8")
	require.NoError(t, err)
	assert.True(t, got.Equal(cachedRecord))
}

func TestHasUsedTrialPersistsRemoteAnswer(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second)

	remote.On("TrialHistory", mock.Anything, "u-9").Return(domain.TrialHistory{HasUsedTrial: true}, nil).Once()

	used, err := g.HasUsedTrial(ctx, "u-9")
	require.NoError(t, err)
	assert.True(t, used)

	// Answered from the local flag without another remote call.
	used, err = g.HasUsedTrial(ctx, "u-9")
	require.NoError(t, err)
	assert.True(t, used)
	remote.AssertExpectations(t)
}

func TestRemoteCallsIgnoreCallerCancellation(t *testing.T) {
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remote.On("GetSubscription", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), "u-10").
		Return(domain.NewRecord("u-10"), nil).Once()

	_, err := g.Read(ctx, "u-10")
	require.NoError(t, err)
	remote.AssertExpectations(t)
}

func TestOfflineTrialReplaysWhenBackendReturns(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	clk := clock.NewFakeClock(now)
	g := New(remote, store, zap.NewNop(), nil, time.Second).WithClock(clk)

	remote.On("StartTrial", mock.Anything, mock.Anything).Return(domain.Record{}, domain.ErrRemoteUnavailable).Once()
	record := trialRecord("u-10")
	_, err := g.Write(ctx, domain.Change{Kind: domain.ChangeStartTrial, Record: record, TrialDays: 7})
	require.NoError(t, err)

	clk.Advance(36 * time.Hour)
	fresh := domain.NewRecord("u-10")
	synced := trialRecord("u-10")
	remote.On("GetSubscription", mock.Anything, "u-10").Return(fresh, nil)
	remote.On("StartTrial", mock.Anything, domain.StartTrialRequest{UserID: "u-10", Tier: catalog.TierPremium, TrialDays: 6}).
		Return(domain.Record{}, domain.ErrRemoteUnavailable).Once()

	// backend reachable for reads only: the local trial is kept
	got, err := g.Read(ctx, "u-10")
	require.NoError(t, err)
	assert.True(t, got.Equal(record))

	remote.On("StartTrial", mock.Anything, domain.StartTrialRequest{UserID: "u-10", Tier: catalog.TierPremium, TrialDays: 6}).
		Return(synced, nil).Once()
	got, err = g.Read(ctx, "u-10")
	require.NoError(t, err)
	assert.True(t, got.Equal(synced))

	pending, err := store.TrialPending(ctx, "u-10")
	require.NoError(t, err)
	assert.False(t, pending)
	used, err := store.TrialUsed(ctx, "u-10")
	require.NoError(t, err)
	assert.True(t, used)

	// synced once: the next read does not start another trial
	got, err = g.Read(ctx, "u-10")
	require.NoError(t, err)
	assert.True(t, got.Equal(fresh))
	remote.AssertExpectations(t)
}

func TestOfflineTrialRefusedByBackend(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	store := newStore(t)
	g := New(remote, store, zap.NewNop(), nil, time.Second).WithClock(clock.NewFakeClock(now))

	remote.On("StartTrial", mock.Anything, mock.Anything).Return(domain.Record{}, domain.ErrRemoteUnavailable).Once()
	_, err := g.Write(ctx, domain.Change{Kind: domain.ChangeStartTrial, Record: trialRecord("u-11"), TrialDays: 7})
	require.NoError(t, err)

	expired := domain.Record{UserID: "u-11", Tier: catalog.TierFree, Status: domain.StatusExpired}
	remote.On("GetSubscription", mock.Anything, "u-11").Return(expired, nil)
	remote.On("StartTrial", mock.Anything, mock.Anything).Return(domain.Record{}, domain.ErrTrialAlreadyUsed).Once()

	got, err := g.Read(ctx, "u-11")
	require.NoError(t, err)
	assert.True(t, got.Equal(expired))

	pending, err := store.TrialPending(ctx, "u-11")
	require.NoError(t, err)
	assert.False(t, pending)
	remote.AssertExpectations(t)
}

func TestRemainingDays(t *testing.T) {
	assert.Equal(t, 7, remainingDays(now.AddDate(0, 0, 7), now))
	assert.Equal(t, 1, remainingDays(now.Add(time.Minute), now))
	assert.Equal(t, 0, remainingDays(now, now))
	assert.Equal(t, 0, remainingDays(now, now.Add(time.Hour)))
}
