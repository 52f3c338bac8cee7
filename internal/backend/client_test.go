package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *prometheus.Registry) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg, metrics.Config{Environment: "test"})
	cfg := config.BackendConfig{URL: srv.URL + "/", Token: "secret", Timeout: time.Second}
	return New(cfg, "Europe/Lisbon", nil, nil, m), reg
}

func writeError(w http.ResponseWriter, status int, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"type": typ, "message": typ}})
}

func TestGetSubscriptionSendsAuthAndDecodes(t *testing.T) {
	ends := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)
	client, reg := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/subscriptions/u%201", r.URL.EscapedPath())
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "Europe/Lisbon", r.Header.Get(TimezoneHeader))
		_ = json.NewEncoder(w).Encode(subscriptiondomain.Record{
			UserID: "u 1", Tier: catalog.TierPremium, Status: subscriptiondomain.StatusTrial, TrialEndsAt: &ends,
		})
	})

	record, err := client.GetSubscription(context.Background(), "u 1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierPremium, record.Tier)
	assert.Equal(t, subscriptiondomain.StatusTrial, record.Status)
	require.NotNil(t, record.TrialEndsAt)
	assert.True(t, ends.Equal(*record.TrialEndsAt))

	count, err := testutil.GatherAndCount(reg, "wayfare_backend_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubscriptionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		typ    string
		want   error
	}{
		{"typed conflict", http.StatusConflict, "trial_already_used", subscriptiondomain.ErrTrialAlreadyUsed},
		{"bare conflict", http.StatusConflict, "", subscriptiondomain.ErrTrialAlreadyUsed},
		{"payment required", http.StatusPaymentRequired, "", subscriptiondomain.ErrPaymentFailed},
		{"not found", http.StatusNotFound, "", subscriptiondomain.ErrSubscriptionNotFound},
		{"bad request", http.StatusBadRequest, "", subscriptiondomain.ErrInvalidRecord},
		{"typed transition", http.StatusUnprocessableEntity, "invalid_transition", subscriptiondomain.ErrInvalidTransition},
		{"server error", http.StatusInternalServerError, "internal_error", subscriptiondomain.ErrRemoteUnavailable},
		{"throttled", http.StatusTooManyRequests, "rate_limited", subscriptiondomain.ErrRemoteUnavailable},
		{"rejected token", http.StatusUnauthorized, "unauthorized", subscriptiondomain.ErrRemoteUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.typ == "" {
					w.WriteHeader(tc.status)
					return
				}
				writeError(w, tc.status, tc.typ)
			})
			_, err := client.StartTrial(context.Background(), subscriptiondomain.StartTrialRequest{UserID: "u1", Tier: catalog.TierBasic, TrialDays: 7})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := New(config.BackendConfig{URL: url, Timeout: time.Second}, "", nil, nil, nil)
	_, err := client.GetSubscription(context.Background(), "u1")
	require.ErrorIs(t, err, subscriptiondomain.ErrRemoteUnavailable)

	_, err = client.GetUsage(context.Background(), "u1")
	require.ErrorIs(t, err, usagedomain.ErrRemoteUnavailable)
}

func TestUnconfiguredClientIsUnavailable(t *testing.T) {
	client := New(config.BackendConfig{}, "", nil, nil, nil)
	_, err := client.TrialHistory(context.Background(), "u1")
	require.ErrorIs(t, err, subscriptiondomain.ErrRemoteUnavailable)
}

func TestChargeDeclined(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req subscriptiondomain.PaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(999), req.Amount)
		assert.Equal(t, catalog.TierPremium, req.Tier)
		_ = json.NewEncoder(w).Encode(subscriptiondomain.PaymentResult{Success: false})
	})

	result, err := client.Charge(context.Background(), subscriptiondomain.PaymentRequest{
		UserID: "u1", Tier: catalog.TierPremium, Amount: 999, PaymentMethod: "card",
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrPaymentFailed)
	assert.False(t, result.Success)
}

func TestCancelAndTrialHistory(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscriptions/u1/cancel":
			var req subscriptiondomain.CancelRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "too expensive", req.Reason)
			_ = json.NewEncoder(w).Encode(map[string]bool{"acknowledged": true})
		case "/users/u1/trial-history":
			_ = json.NewEncoder(w).Encode(subscriptiondomain.TrialHistory{HasUsedTrial: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	require.NoError(t, client.Cancel(context.Background(), "u1", subscriptiondomain.CancelRequest{Reason: "too expensive"}))
	history, err := client.TrialHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, history.HasUsedTrial)
}

func TestUsageRoundTrip(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subscriptions/u1/usage":
			_ = json.NewEncoder(w).Encode(UsageResponse{UserID: "u1", Usage: usagedomain.Counters{
				catalog.FeaturePlaces: {Count: 4, WindowStart: start},
			}})
		case r.Method == http.MethodPut && r.URL.Path == "/subscriptions/u1/usage/deals":
			var c usagedomain.Counter
			require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
			assert.Equal(t, uint32(2), c.Count)
			_ = json.NewEncoder(w).Encode(c)
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions/u1/usage/places/consume":
			_ = json.NewEncoder(w).Encode(usagedomain.Decision{
				Feature: catalog.FeaturePlaces, Allowed: false, Limit: catalog.Cap(30), Count: 30,
			})
		case r.URL.Path == "/subscriptions/u1/usage/favorites/consume":
			writeError(w, http.StatusBadRequest, "feature_not_windowed")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	counters, err := client.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), counters[catalog.FeaturePlaces].Count)

	require.NoError(t, client.PutUsage(ctx, "u1", catalog.FeatureDeals, usagedomain.Counter{Count: 2, WindowStart: start}))

	decision, err := client.Consume(ctx, "u1", catalog.FeaturePlaces)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, catalog.Cap(30), decision.Limit)

	_, err = client.Consume(ctx, "u1", catalog.FeatureFavorites)
	require.ErrorIs(t, err, usagedomain.ErrNotWindowed)
}
