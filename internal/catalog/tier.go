// Package catalog holds the static tier table: ranks, trial terms, prices and per-feature quota limits.
package catalog

import (
	"errors"
	"strings"
)

// Tier is a subscription level. The zero value is TierFree.
type Tier uint8

const (
	TierFree Tier = iota
	TierBasic
	TierPremium
	TierPro

	tierCount = int(TierPro) + 1
)

var ErrInvalidTier = errors.New("invalid_tier")

var tierNames = [tierCount]string{
	TierFree:    "free",
	TierBasic:   "basic",
	TierPremium: "premium",
	TierPro:     "pro",
}

// Tiers returns every tier in ascending order.
func Tiers() []Tier {
	return []Tier{TierFree, TierBasic, TierPremium, TierPro}
}

// Valid reports whether t is one of the declared tiers.
func (t Tier) Valid() bool {
	return int(t) < tierCount
}

func (t Tier) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return tierNames[t]
}

// ParseTier resolves a tier name, case-insensitively.
func ParseTier(raw string) (Tier, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for i, name := range tierNames {
		if name == value {
			return Tier(i), nil
		}
	}
	return TierFree, ErrInvalidTier
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, ErrInvalidTier
	}
	return []byte(tierNames[t]), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
