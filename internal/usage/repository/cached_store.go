package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

const defaultRemoteTimeout = 5 * time.Second

// CachedStore keeps one counter set per user in memory. The set is materialized
// on the first access for that user from the backend, or from the device copy
// when the backend is unreachable. Writes go to memory, the device and the backend.
type CachedStore struct {
	remote  usagedomain.Remote
	local   usagedomain.LocalCounters
	log     *zap.Logger
	metrics *metrics.EngineMetrics
	timeout time.Duration

	mu    sync.Mutex
	arena map[string]usagedomain.Counters
}

func NewCachedStore(remote usagedomain.Remote, local usagedomain.LocalCounters, log *zap.Logger, m *metrics.EngineMetrics, timeout time.Duration) *CachedStore {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &CachedStore{
		remote:  remote,
		local:   local,
		log:     log.Named("usage.store"),
		metrics: m,
		timeout: timeout,
		arena:   map[string]usagedomain.Counters{},
	}
}

func (s *CachedStore) Get(ctx context.Context, userID string, feature catalog.Feature) (usagedomain.Counter, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return usagedomain.Counter{}, false, usagedomain.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := s.counters(ctx, userID)
	counter, ok := counters[feature]
	return counter, ok, nil
}

// Put stores counter. It fails only when neither the device nor the backend took it;
// the in-memory copy is updated regardless.
func (s *CachedStore) Put(ctx context.Context, userID string, feature catalog.Feature, counter usagedomain.Counter) error {
	if strings.TrimSpace(userID) == "" {
		return usagedomain.ErrInvalidUserID
	}
	s.mu.Lock()
	counters := s.counters(ctx, userID)
	counters[feature] = counter
	s.mu.Unlock()

	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("user_id", userID), zap.String("feature", feature.String()))

	var localErr error
	if s.local != nil {
		localErr = s.local.SaveCounter(ctx, userID, feature, counter)
		if localErr != nil {
			log.Warn("failed to save counter locally", zap.Error(localErr))
		}
	}

	remoteErr := s.putRemote(ctx, userID, feature, counter)
	if remoteErr != nil {
		log.Warn("failed to mirror counter remotely", zap.Error(remoteErr))
		s.metrics.IncPersistenceFallback("usage_put")
	}

	if (s.local == nil || localErr != nil) && remoteErr != nil {
		return fmt.Errorf("%w: local: %v, remote: %v", usagedomain.ErrNotPersisted, localErr, remoteErr)
	}
	return nil
}

// Forget drops the in-memory set for userID so the next access reloads it.
func (s *CachedStore) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.arena, userID)
}

// counters must be called with s.mu held.
func (s *CachedStore) counters(ctx context.Context, userID string) usagedomain.Counters {
	if counters, ok := s.arena[userID]; ok {
		return counters
	}

	log := ctxlogger.WithContext(ctx, s.log).With(zap.String("user_id", userID))
	counters, err := s.getRemote(ctx, userID)
	if err == nil {
		if s.local != nil {
			for feature, counter := range counters {
				if saveErr := s.local.SaveCounter(ctx, userID, feature, counter); saveErr != nil {
					log.Warn("failed to cache remote counter", zap.Error(saveErr))
					break
				}
			}
		}
	} else {
		log.Warn("remote usage unavailable, using device counters", zap.Error(err))
		s.metrics.IncPersistenceFallback("usage_read")
		counters = nil
		if s.local != nil {
			local, localErr := s.local.LoadCounters(ctx, userID)
			if localErr != nil {
				log.Warn("failed to load device counters", zap.Error(localErr))
			}
			counters = local
		}
	}
	if counters == nil {
		counters = usagedomain.Counters{}
	}
	s.arena[userID] = counters
	return counters
}

func (s *CachedStore) getRemote(ctx context.Context, userID string) (usagedomain.Counters, error) {
	if s.remote == nil {
		return nil, usagedomain.ErrRemoteUnavailable
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.remote.GetUsage(ctx, userID)
}

func (s *CachedStore) putRemote(ctx context.Context, userID string, feature catalog.Feature, counter usagedomain.Counter) error {
	if s.remote == nil {
		return usagedomain.ErrRemoteUnavailable
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.remote.PutUsage(ctx, userID, feature, counter)
}

var _ usagedomain.Store = (*CachedStore)(nil)
