package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://api.example.test/")
	t.Setenv("BACKEND_TIMEOUT_MS", "1500")
	t.Setenv("USER_TIMEZONE", "Europe/Lisbon")
	t.Setenv("PAYMENT_AUTO_APPROVE", "true")
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("RATE_LIMIT_CONSUME_RATE", "2.5")
	t.Setenv("RATE_LIMIT_PAYMENT_BURST", "oops")
	t.Setenv("SCHEDULER_JOBS", " expire_lapsed, ,prune_usage")

	cfg := Load()
	assert.Equal(t, "https://api.example.test", cfg.Backend.URL)
	assert.Equal(t, 1500*time.Millisecond, cfg.Backend.Timeout)
	assert.Equal(t, "Europe/Lisbon", cfg.Location().String())
	assert.True(t, cfg.PaymentAutoApprove)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 2.5, cfg.RateLimit.ConsumeRate)
	assert.Equal(t, 3, cfg.RateLimit.PaymentBurst)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.PaymentLockTTL)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"expire_lapsed", "prune_usage"}, cfg.Scheduler.Jobs)
}

func TestLoadNeverAutoApprovesInProduction(t *testing.T) {
	t.Setenv("PAYMENT_AUTO_APPROVE", "true")
	t.Setenv("ENVIRONMENT", "production")

	assert.False(t, Load().PaymentAutoApprove)
}

func TestLocationFallsBackToLocal(t *testing.T) {
	assert.Equal(t, time.Local, Config{UserTimezone: "Not/AZone"}.Location())
	assert.Equal(t, time.Local, Config{}.Location())
}

func TestCatalogHolderUsesDefaultWhenFileMissing(t *testing.T) {
	holder, err := NewCatalogHolder(Config{CatalogPath: filepath.Join(t.TempDir(), "catalog.yml")}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultVersion, holder.Current().Version())
}

func TestCatalogHolderDecodesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yml")
	body := `
catalog:
  version: "2025-01"
  tiers:
    free:
      places_per_day: 5
      ai_queries_per_period: 1
      deals_per_day: 1
      favorites_max: 10
      posts_per_day: 1
    basic:
      places_per_day: 30
      ai_queries_per_period: 40
      deals_per_day: 5
      favorites_max: 50
      posts_per_day: 5
      trial_eligible: true
      trial_length_days: 7
      monthly_price: 499
    premium:
      places_per_day: unlimited
      ai_queries_per_period: 200
      deals_per_day: unlimited
      favorites_max: 400
      posts_per_day: "25"
      trial_eligible: true
      trial_length_days: 14
      monthly_price: 999
    pro:
      places_per_day: unlimited
      ai_queries_per_period: unlimited
      deals_per_day: unlimited
      favorites_max: unlimited
      posts_per_day: unlimited
      monthly_price: 1999
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	holder, err := NewCatalogHolder(Config{CatalogPath: path}, zap.NewNop())
	require.NoError(t, err)

	c := holder.Current()
	assert.Equal(t, "2025-01", c.Version())
	assert.Equal(t, catalog.Cap(30), c.LimitsOf(catalog.TierBasic).PlacesPerDay)
	assert.True(t, c.LimitsOf(catalog.TierPremium).PlacesPerDay.IsUnlimited())
	assert.Equal(t, catalog.Cap(25), c.LimitsOf(catalog.TierPremium).PostsPerDay)
	assert.Equal(t, 14, c.LimitsOf(catalog.TierPremium).TrialLengthDays)
	assert.Equal(t, int64(1999), c.LimitsOf(catalog.TierPro).MonthlyPrice)
}

func TestCatalogHolderRejectsIncompleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yml")
	body := `
catalog:
  version: "broken"
  tiers:
    free:
      places_per_day: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := NewCatalogHolder(Config{CatalogPath: path}, zap.NewNop())
	require.ErrorIs(t, err, catalog.ErrMissingTier)
}
