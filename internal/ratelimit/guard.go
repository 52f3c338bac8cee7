package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/wayfare/internal/config"
)

const (
	keyConsume     = "wayfare:ratelimit:consume:%s"
	keyPayment     = "wayfare:ratelimit:payment:%s"
	keyPaymentLock = "wayfare:lock:payment:%s"
)

// Guard throttles per-user consume and payment calls and serializes payments of
// one user. A disabled guard allows everything.
type Guard struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	consumeRate  float64
	consumeBurst int
	paymentRate  float64
	paymentBurst int
	lockTTL      time.Duration
}

func NewGuard(cfg config.Config, client *redis.Client) (*Guard, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &Guard{}, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	if limitCfg.ConsumeRate <= 0 || limitCfg.ConsumeBurst <= 0 {
		return nil, errors.New("consume rate limit must be positive")
	}
	if limitCfg.PaymentRate <= 0 || limitCfg.PaymentBurst <= 0 {
		return nil, errors.New("payment rate limit must be positive")
	}
	lockTTL := limitCfg.PaymentLockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	return &Guard{
		enabled:      true,
		bucket:       NewTokenBucket(client),
		locker:       NewLocker(client),
		consumeRate:  limitCfg.ConsumeRate,
		consumeBurst: limitCfg.ConsumeBurst,
		paymentRate:  limitCfg.PaymentRate,
		paymentBurst: limitCfg.PaymentBurst,
		lockTTL:      lockTTL,
	}, nil
}

func (g *Guard) Enabled() bool {
	return g != nil && g.enabled
}

func (g *Guard) AllowConsume(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !g.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return g.bucket.Allow(ctx, fmt.Sprintf(keyConsume, strings.TrimSpace(userID)), g.consumeRate, g.consumeBurst)
}

func (g *Guard) AllowPayment(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !g.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return g.bucket.Allow(ctx, fmt.Sprintf(keyPayment, strings.TrimSpace(userID)), g.paymentRate, g.paymentBurst)
}

// LockPayment grants one in-flight charge per user. ok is false while another
// charge holds the lock.
func (g *Guard) LockPayment(ctx context.Context, userID string) (token string, ok bool, err error) {
	if !g.Enabled() {
		return "", true, nil
	}
	return g.locker.TryLock(ctx, fmt.Sprintf(keyPaymentLock, strings.TrimSpace(userID)), g.lockTTL)
}

func (g *Guard) ReleasePayment(ctx context.Context, userID, token string) error {
	if !g.Enabled() {
		return nil
	}
	return g.locker.Release(ctx, fmt.Sprintf(keyPaymentLock, strings.TrimSpace(userID)), token)
}
