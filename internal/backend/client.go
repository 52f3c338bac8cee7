// Package backend is the HTTP client of the wayfare REST backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/wayfare/internal/config"
	"github.com/smallbiznis/wayfare/internal/observability/metrics"
	"github.com/smallbiznis/wayfare/internal/observability/tracing"
	"github.com/smallbiznis/wayfare/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 5 * time.Second
	maxResponseBody = 1 << 20

	// TimezoneHeader tells the backend which local midnight bounds usage windows.
	TimezoneHeader = "X-Timezone"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend %d %s: %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("backend %d %s", e.Status, e.Type)
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	baseURL  string
	token    string
	timezone string
	client   *http.Client
	log      *zap.Logger
	metrics  *metrics.EngineMetrics
}

type Param struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
}

func NewClient(p Param) *Client {
	httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: p.Config.Backend.Timeout})
	return New(p.Config.Backend, p.Config.Location().String(), httpClient, p.Log, p.Metrics)
}

// New builds a client for cfg. A nil httpClient gets one bounded by cfg.Timeout.
func New(cfg config.BackendConfig, timezone string, httpClient *http.Client, log *zap.Logger, m *metrics.EngineMetrics) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		token:    strings.TrimSpace(cfg.Token),
		timezone: strings.TrimSpace(timezone),
		client:   httpClient,
		log:      log.Named("backend.client"),
		metrics:  m,
	}
}

// do sends body as JSON and decodes a 2xx answer into out. endpoint is the route
// template used for metrics, never the expanded path.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	if c.baseURL == "" {
		return errNotConfigured
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.timezone != "" {
		req.Header.Set(TimezoneHeader, c.timezone)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveBackendRequest(endpoint, 0, time.Since(start))
		ctxlogger.WithContext(ctx, c.log).Debug("backend request failed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return &transportError{err: err}
	}
	defer resp.Body.Close()
	c.metrics.ObserveBackendRequest(endpoint, resp.StatusCode, time.Since(start))

	limited := io.LimitReader(resp.Body, maxResponseBody)
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Type: http.StatusText(resp.StatusCode)}
		var payload errorResponse
		if err := json.NewDecoder(limited).Decode(&payload); err == nil && payload.Error.Type != "" {
			apiErr.Type = payload.Error.Type
			apiErr.Message = payload.Error.Message
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidResponse, err)
	}
	return nil
}

var (
	errNotConfigured   = errors.New("backend_not_configured")
	errInvalidResponse = errors.New("invalid_backend_response")
)

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "backend unreachable: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// unavailable reports whether err means the backend could not give an answer. A rejected
// token is treated the same way so callers fall back to local state.
func unavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusTooManyRequests:
			return true
		}
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

func userPath(format, userID string, rest ...any) string {
	args := append([]any{url.PathEscape(strings.TrimSpace(userID))}, rest...)
	return fmt.Sprintf(format, args...)
}
