// Package clock isolates the time source so lifecycle and window-reset logic is deterministic under test.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns the production clock backed by time.Now.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
