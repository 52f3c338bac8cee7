package catalog

import (
	"errors"
	"fmt"
)

const DefaultVersion = "2024-06"

var (
	ErrMissingTier  = errors.New("catalog_missing_tier")
	ErrInvalidTrial = errors.New("catalog_invalid_trial")
	ErrInvalidPrice = errors.New("catalog_invalid_price")
)

// Limits is the quota and trial row of one tier.
type Limits struct {
	PlacesPerDay       Limit `mapstructure:"places_per_day" json:"places_per_day"`
	AIQueriesPerPeriod Limit `mapstructure:"ai_queries_per_period" json:"ai_queries_per_period"`
	DealsPerDay        Limit `mapstructure:"deals_per_day" json:"deals_per_day"`
	FavoritesMax       Limit `mapstructure:"favorites_max" json:"favorites_max"`
	PostsPerDay        Limit `mapstructure:"posts_per_day" json:"posts_per_day"`
	TrialEligible      bool  `mapstructure:"trial_eligible" json:"trial_eligible"`
	TrialLengthDays    int   `mapstructure:"trial_length_days" json:"trial_length_days"`
	// MonthlyPrice is expressed in minor currency units.
	MonthlyPrice int64 `mapstructure:"monthly_price" json:"monthly_price"`
}

// Quota returns the limit governing feature.
func (l Limits) Quota(feature Feature) (Limit, bool) {
	switch feature {
	case FeaturePlaces:
		return l.PlacesPerDay, true
	case FeatureAIQueries:
		return l.AIQueriesPerPeriod, true
	case FeatureDeals:
		return l.DealsPerDay, true
	case FeatureFavorites:
		return l.FavoritesMax, true
	case FeaturePosts:
		return l.PostsPerDay, true
	default:
		return Limit{}, false
	}
}

// Catalog is an immutable, versioned tier table. It is safe for concurrent reads.
type Catalog struct {
	version string
	ranks   [tierCount]int
	limits  [tierCount]Limits
}

// New validates rows and builds a catalog. Every tier must be present.
func New(version string, rows map[Tier]Limits) (*Catalog, error) {
	c := &Catalog{version: version}
	for _, tier := range Tiers() {
		row, ok := rows[tier]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTier, tier)
		}
		if err := validateRow(tier, row); err != nil {
			return nil, err
		}
		c.ranks[tier] = int(tier)
		c.limits[tier] = row
	}
	return c, nil
}

func validateRow(tier Tier, row Limits) error {
	if row.TrialEligible && row.TrialLengthDays <= 0 {
		return fmt.Errorf("%w: %s trial_length_days must be positive", ErrInvalidTrial, tier)
	}
	if tier == TierFree && row.TrialEligible {
		return fmt.Errorf("%w: free tier cannot carry a trial", ErrInvalidTrial)
	}
	if row.MonthlyPrice < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, tier)
	}
	return nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultVersion, DefaultRows())
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultRows returns a fresh copy of the built-in tier rows.
func DefaultRows() map[Tier]Limits {
	return map[Tier]Limits{
		TierFree: {
			PlacesPerDay:       Cap(10),
			AIQueriesPerPeriod: Cap(5),
			DealsPerDay:        Cap(3),
			FavoritesMax:       Cap(20),
			PostsPerDay:        Cap(2),
		},
		TierBasic: {
			PlacesPerDay:       Cap(30),
			AIQueriesPerPeriod: Cap(50),
			DealsPerDay:        Cap(10),
			FavoritesMax:       Cap(100),
			PostsPerDay:        Cap(10),
			TrialEligible:      true,
			TrialLengthDays:    7,
			MonthlyPrice:       499,
		},
		TierPremium: {
			PlacesPerDay:       Cap(100),
			AIQueriesPerPeriod: Cap(300),
			DealsPerDay:        Unlimited(),
			FavoritesMax:       Cap(500),
			PostsPerDay:        Cap(50),
			TrialEligible:      true,
			TrialLengthDays:    7,
			MonthlyPrice:       999,
		},
		TierPro: {
			PlacesPerDay:       Unlimited(),
			AIQueriesPerPeriod: Unlimited(),
			DealsPerDay:        Unlimited(),
			FavoritesMax:       Unlimited(),
			PostsPerDay:        Unlimited(),
			MonthlyPrice:       1999,
		},
	}
}

func (c *Catalog) Version() string {
	return c.version
}

// LimitsOf returns the row for tier. Unknown tiers get the free row.
func (c *Catalog) LimitsOf(tier Tier) Limits {
	if !tier.Valid() {
		return c.limits[TierFree]
	}
	return c.limits[tier]
}

// RankOf returns the ordinal position of tier. Unknown tiers rank below free.
func (c *Catalog) RankOf(tier Tier) int {
	if !tier.Valid() {
		return -1
	}
	return c.ranks[tier]
}

// Dominates reports whether have ranks at or above required.
func (c *Catalog) Dominates(have, required Tier) bool {
	return c.RankOf(have) >= c.RankOf(required)
}

// Provider yields the catalog currently in effect.
type Provider interface {
	Current() *Catalog
}

// Current lets a fixed catalog act as its own Provider.
func (c *Catalog) Current() *Catalog {
	return c
}
