package localstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/clock"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	store, err := NewFileStore(dir, clock.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	return store, dir
}

func TestLoadMissingUserIsEmpty(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, found, err := store.LoadRecord(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	used, err := store.TrialUsed(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, used)

	counters, err := store.LoadCounters(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func TestRecordTrialFlagAndCountersShareOneBlob(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()
	ends := time.Date(2024, 6, 8, 8, 0, 0, 0, time.UTC)

	trial := subscriptiondomain.Record{UserID: "user@example.com", Tier: catalog.TierPremium, Status: subscriptiondomain.StatusTrial, TrialEndsAt: &ends}
	require.NoError(t, store.SaveRecord(ctx, trial))
	require.NoError(t, store.SaveCounter(ctx, "user@example.com", catalog.FeaturePlaces, usagedomain.Counter{Count: 4, WindowStart: ends}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(privateFilePerm), info.Mode().Perm())

	loaded, found, err := store.LoadRecord(ctx, "user@example.com")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, loaded.Equal(trial))

	used, err := store.TrialUsed(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, used, "saving a trial record marks the trial flag")

	counters, err := store.LoadCounters(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), counters[catalog.FeaturePlaces].Count)
}

func TestTrialFlagSurvivesRecordOverwrite(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkTrialUsed(ctx, "u1"))
	require.NoError(t, store.SaveRecord(ctx, subscriptiondomain.Record{UserID: "u1", Tier: catalog.TierFree, Status: subscriptiondomain.StatusCanceled}))

	used, err := store.TrialUsed(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestSaveRecordRejectsInvalid(t *testing.T) {
	store, _ := newStore(t)
	err := store.SaveRecord(context.Background(), subscriptiondomain.Record{UserID: "u1", Status: subscriptiondomain.StatusTrial})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidRecord)
}

func TestCorruptBlobIsReportedThenReplaced(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(store.dir, privateDirPerm))
	require.NoError(t, os.WriteFile(store.path("u1"), []byte("{not json"), privateFilePerm))

	_, _, err := store.LoadRecord(ctx, "u1")
	require.ErrorIs(t, err, ErrCorruptState)

	require.NoError(t, store.MarkTrialUsed(ctx, "u1"))
	used, err := store.TrialUsed(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestRefusesSymlink(t *testing.T) {
	store, _ := newStore(t)
	require.NoError(t, os.MkdirAll(store.dir, privateDirPerm))
	target := filepath.Join(t.TempDir(), "elsewhere.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), privateFilePerm))
	require.NoError(t, os.Symlink(target, store.path("u1")))

	_, err := store.Load(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestEmptyUserID(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Load(context.Background(), " ")
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidUserID)
	assert.ErrorIs(t, store.MarkTrialUsed(context.Background(), ""), subscriptiondomain.ErrInvalidUserID)
}
