package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/wayfare/internal/ratelimit"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

const (
	rateLimitReasonConsumeRate    = "consume-rate"
	rateLimitReasonPaymentRate    = "payment-rate"
	rateLimitReasonPaymentPending = "payment-in-flight"

	maxPeekBody = 64 << 10
)

type paymentRateLimitKey struct {
	UserID string `json:"user_id"`
}

// ConsumeRateLimit throttles strict consumption per user.
func (s *Server) ConsumeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.guard.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID := strings.TrimSpace(c.Param("userId"))
		result, err := s.guard.AllowConsume(ctx, userID)
		if err != nil {
			ctxlogger.WithContext(ctx, s.log).Warn("consume rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			s.denyRateLimit(c, result, rateLimitReasonConsumeRate)
			return
		}
		c.Next()
	}
}

// PaymentRateLimit throttles charges per user and keeps one charge in flight.
func (s *Server) PaymentRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.guard.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		log := ctxlogger.WithContext(ctx, s.log)
		userID, err := readPaymentUserID(c)
		if err != nil {
			log.Warn("payment rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if userID == "" {
			c.Next()
			return
		}

		result, err := s.guard.AllowPayment(ctx, userID)
		if err != nil {
			log.Warn("payment rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			s.denyRateLimit(c, result, rateLimitReasonPaymentRate)
			return
		}

		token, locked, err := s.guard.LockPayment(ctx, userID)
		if err != nil {
			log.Warn("payment lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !locked {
			s.denyRateLimit(c, &ratelimit.RateLimitResult{RetryAfter: time.Second}, rateLimitReasonPaymentPending)
			return
		}
		defer func() {
			if err := s.guard.ReleasePayment(ctx, userID, token); err != nil {
				log.Warn("payment unlock failed", zap.Error(err))
			}
		}()

		c.Next()
	}
}

func (s *Server) denyRateLimit(c *gin.Context, result *ratelimit.RateLimitResult, reason string) {
	ctx := c.Request.Context()
	endpoint := normalizeRateLimitEndpoint(c)
	ctxlogger.WithContext(ctx, s.log).Warn("rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	s.obsMetrics.RecordRateLimited(ctx, endpoint, reason)

	c.Header("Retry-After", retryAfterSeconds(result))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(result *ratelimit.RateLimitResult) string {
	if result == nil || result.RetryAfter <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds())))
}

func readPaymentUserID(c *gin.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPeekBody))
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload paymentRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.UserID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
