package logger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"github.com/smallbiznis/wayfare/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func useObserver(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "shouty"})
	require.Error(t, err)
}

func TestGinMiddlewareEchoesCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := useObserver(t)

	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{}))
	router.GET("/subscriptions/:userId", func(c *gin.Context) {
		assert.Equal(t, "cid-3", correlation.ExtractCorrelationID(c.Request.Context()))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/u-1", nil)
	req.Header.Set(correlation.HeaderName, "cid-3")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "cid-3", rec.Header().Get(correlation.HeaderName))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/subscriptions/:userId", fields["route"])
	assert.Equal(t, "u-1", fields["user_id"])
	assert.Equal(t, "cid-3", fields["correlation_id"])
}

func TestGinMiddlewareGeneratesCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	useObserver(t)

	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{}))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(correlation.HeaderName))
}

func TestGinMiddlewareLogsServerErrorsAtError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := useObserver(t)

	router := gin.New()
	router.Use(GinMiddleware(MiddlewareConfig{ErrorClassifier: func(error) (string, string) { return "internal", "boom" }}))
	router.GET("/fail", func(c *gin.Context) {
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New("boom"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "internal", entries[0].ContextMap()["error_type"])
}

func TestGormLoggerSlowQueryCarriesRequestFields(t *testing.T) {
	logs := useObserver(t)
	l := NewGormLogger(GormLoggerConfig{Level: gormlogger.Warn, SlowThreshold: time.Millisecond})

	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-5")
	ctx = ctxlogger.ContextWithOperation(ctx, "consume")
	ctx = ctxlogger.ContextWithUser(ctx, "u-1")
	l.Trace(ctx, time.Now().Add(-time.Second), func() (string, int64) {
		return "UPDATE `usage_counters` SET count = count + 1 WHERE user_id = ?", 1
	}, nil)

	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "UPDATE", fields["statement"])
	assert.Equal(t, "usage_counters", fields["table"])
	assert.Equal(t, "cid-5", fields["correlation_id"])
	assert.Equal(t, "consume", fields["operation"])
	assert.Equal(t, "u-1", fields["user_id"])
	assert.EqualValues(t, 1, fields["slow_threshold_ms"])
}

func TestGormLoggerSkipsNotFoundAndFastQueries(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(GormLoggerConfig{Level: gormlogger.Warn, SlowThreshold: time.Hour, Base: zap.New(core)})

	query := func() (string, int64) { return "SELECT * FROM subscriptions", 0 }
	l.Trace(context.Background(), time.Now(), query, gormlogger.ErrRecordNotFound)
	l.Trace(context.Background(), time.Now(), query, nil)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now(), query, errors.New("connection reset"))
	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "subscriptions", entries[0].ContextMap()["table"])
}

func TestStatementAndTableFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "INSERT", operationFromSQL("insert into trial_history values (?)"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))

	assert.Equal(t, "trial_history", tableFromSQL(`INSERT INTO "trial_history" ("user_id") VALUES (?)`))
	assert.Equal(t, "subscription_events", tableFromSQL("SELECT * FROM subscription_events WHERE id < ?"))
	assert.Equal(t, "", tableFromSQL("SELECT 1"))
}
