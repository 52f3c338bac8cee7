package catalog

import (
	"errors"
	"strings"
)

// Feature names a quota-bearing capability.
type Feature string

const (
	FeaturePlaces    Feature = "places"
	FeatureAIQueries Feature = "ai_queries"
	FeatureDeals     Feature = "deals"
	FeatureFavorites Feature = "favorites"
	FeaturePosts     Feature = "posts"
)

var ErrInvalidFeature = errors.New("invalid_feature")

var features = []Feature{FeaturePlaces, FeatureAIQueries, FeatureDeals, FeatureFavorites, FeaturePosts}

// Features returns every declared feature.
func Features() []Feature {
	return append([]Feature(nil), features...)
}

// ParseFeature resolves a feature name.
func ParseFeature(raw string) (Feature, error) {
	value := Feature(strings.ToLower(strings.TrimSpace(raw)))
	for _, f := range features {
		if f == value {
			return f, nil
		}
	}
	return "", ErrInvalidFeature
}

func (f Feature) String() string {
	return string(f)
}
