// Package domain defines calendar windows, per-feature counters and the stores behind them.
package domain

import (
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
)

// Window is the calendar cadence on which a counter resets.
type Window uint8

const (
	// WindowNone marks holding caps that never reset.
	WindowNone Window = iota
	WindowDaily
	WindowMonthly
)

func (w Window) String() string {
	switch w {
	case WindowDaily:
		return "daily"
	case WindowMonthly:
		return "monthly"
	default:
		return "none"
	}
}

// WindowOf returns the cadence of feature.
func WindowOf(feature catalog.Feature) Window {
	switch feature {
	case catalog.FeaturePlaces, catalog.FeatureDeals, catalog.FeaturePosts:
		return WindowDaily
	case catalog.FeatureAIQueries:
		return WindowMonthly
	default:
		return WindowNone
	}
}

// Start returns the start of the window containing now, at local midnight in loc.
func (w Window) Start(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	switch w {
	case WindowDaily:
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	case WindowMonthly:
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}
	}
}

// Next returns the start of the window after the one containing now.
func (w Window) Next(now time.Time, loc *time.Location) time.Time {
	start := w.Start(now, loc)
	switch w {
	case WindowDaily:
		return start.AddDate(0, 0, 1)
	case WindowMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}
