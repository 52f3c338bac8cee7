package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/smallbiznis/wayfare/pkg/db/pagination"
)

func (s *Server) GetSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	record, err := s.registry.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) PutSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req subscriptiondomain.Record
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.UserID) != "" && strings.TrimSpace(req.UserID) != userID {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user id does not match the path"))
		return
	}
	req.UserID = userID

	record, err := s.registry.Put(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) StartTrial(c *gin.Context) {
	var req subscriptiondomain.StartTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.registry.StartTrial(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordTrialStarted(c.Request.Context(), record.Tier.String())

	c.JSON(http.StatusOK, record)
}

// Charge answers 200 for a declined charge too; success carries the outcome.
func (s *Server) Charge(c *gin.Context) {
	req, ok := paymentRequestFrom(c)
	if !ok {
		return
	}

	result, err := s.registry.Charge(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordPayment(c.Request.Context(), req.Tier.String(), result.Success)

	c.JSON(http.StatusOK, result)
}

func paymentRequestFrom(c *gin.Context) (subscriptiondomain.PaymentRequest, bool) {
	var req subscriptiondomain.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return req, false
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		AbortWithError(c, newValidationError("payment_method", "required", "payment method is required"))
		return req, false
	}
	return req, true
}

func (s *Server) Upgrade(c *gin.Context) {
	var req subscriptiondomain.UpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.registry.Upgrade(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req subscriptiondomain.CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	record, err := s.registry.Cancel(c.Request.Context(), userID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "subscription": record})
}

func (s *Server) ListSubscriptionEvents(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	events, pageInfo, err := s.registry.ListEvents(c.Request.Context(), userID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data := make([]eventResponse, 0, len(events))
	for _, event := range events {
		data = append(data, newEventResponse(event))
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": pageInfo})
}

func (s *Server) GetTrialHistory(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	history, err := s.registry.TrialHistory(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}

type eventResponse struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	FromTier   string         `json:"from_tier"`
	ToTier     string         `json:"to_tier"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

func newEventResponse(event subscriptiondomain.Event) eventResponse {
	return eventResponse{
		ID:         event.ID.String(),
		Kind:       event.Kind,
		FromStatus: event.FromStatus,
		ToStatus:   event.ToStatus,
		FromTier:   event.FromTier,
		ToTier:     event.ToTier,
		Metadata:   event.Metadata,
		CreatedAt:  event.CreatedAt.UTC().Format(time.RFC3339),
	}
}
