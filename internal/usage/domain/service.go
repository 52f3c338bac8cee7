package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
)

var (
	ErrUnknownFeature    = errors.New("unknown_feature")
	ErrNotWindowed       = errors.New("feature_not_windowed")
	ErrInvalidUserID     = errors.New("invalid_user_id")
	ErrRemoteUnavailable = errors.New("remote_unavailable")
	ErrNotPersisted      = errors.New("usage_not_persisted")
)

// Counters maps each feature to its counter for one user.
type Counters map[catalog.Feature]Counter

// Store is keyed counter storage. Counters are created on first access: a missing
// counter reads as found=false and is materialized by the first Put.
type Store interface {
	Get(ctx context.Context, userID string, feature catalog.Feature) (Counter, bool, error)
	Put(ctx context.Context, userID string, feature catalog.Feature, counter Counter) error
}

// Remote is the authoritative usage backend.
type Remote interface {
	GetUsage(ctx context.Context, userID string) (Counters, error)
	PutUsage(ctx context.Context, userID string, feature catalog.Feature, counter Counter) error
}

// StrictRemote performs check-and-increment on the server in one step.
type StrictRemote interface {
	Consume(ctx context.Context, userID string, feature catalog.Feature) (Decision, error)
}

// LocalCounters mirrors counters on the device.
type LocalCounters interface {
	LoadCounters(ctx context.Context, userID string) (Counters, error)
	SaveCounter(ctx context.Context, userID string, feature catalog.Feature, counter Counter) error
}

// AtomicCounter rolls over, checks and increments in a single indivisible step.
type AtomicCounter interface {
	Consume(ctx context.Context, userID string, feature catalog.Feature, limit catalog.Limit, windowStart time.Time) (Counter, bool, error)
}
