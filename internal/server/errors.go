package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/wayfare/internal/catalog"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/smallbiznis/wayfare/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// rejections are passed through with their sentinel as the error type so the
// client can map them back.
var rejections = []struct {
	err    error
	status int
}{
	{subscriptiondomain.ErrTrialAlreadyUsed, http.StatusConflict},
	{subscriptiondomain.ErrPaymentFailed, http.StatusPaymentRequired},
	{subscriptiondomain.ErrSubscriptionNotFound, http.StatusNotFound},
	{subscriptiondomain.ErrInvalidTransition, http.StatusUnprocessableEntity},
	{subscriptiondomain.ErrTierNotTrialEligible, http.StatusUnprocessableEntity},
	{subscriptiondomain.ErrInvalidRecord, http.StatusBadRequest},
	{subscriptiondomain.ErrInvalidStatus, http.StatusBadRequest},
	{subscriptiondomain.ErrInvalidUserID, http.StatusBadRequest},
	{subscriptiondomain.ErrInvalidTrialDays, http.StatusBadRequest},
	{subscriptiondomain.ErrInvalidAmount, http.StatusBadRequest},
	{usagedomain.ErrUnknownFeature, http.StatusBadRequest},
	{usagedomain.ErrNotWindowed, http.StatusBadRequest},
	{usagedomain.ErrInvalidUserID, http.StatusBadRequest},
	{catalog.ErrInvalidFeature, http.StatusBadRequest},
	{catalog.ErrInvalidTier, http.StatusBadRequest},
	{pagination.ErrInvalidPageToken, http.StatusBadRequest},
	{ErrInvalidRequest, http.StatusBadRequest},
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	for _, rejection := range rejections {
		if errors.Is(err, rejection.err) {
			return rejection.status, errorPayload{
				Type:    rejection.err.Error(),
				Message: err.Error(),
			}
		}
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog reports the error type and code the request logger attaches.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "internal", payload.Type
	case status == http.StatusTooManyRequests:
		return "throttled", payload.Type
	default:
		return "client", payload.Type
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
