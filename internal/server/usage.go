package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
)

type usageResponse struct {
	UserID string               `json:"user_id"`
	Usage  usagedomain.Counters `json:"usage"`
}

func (s *Server) GetUsage(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	counters, err := s.counters.List(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usageResponse{UserID: userID, Usage: counters})
}

// PutUsage mirrors a counter computed on the device.
func (s *Server) PutUsage(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	feature, ok := featureParam(c)
	if !ok {
		return
	}
	if usagedomain.WindowOf(feature) == usagedomain.WindowNone {
		AbortWithError(c, usagedomain.ErrNotWindowed)
		return
	}

	var counter usagedomain.Counter
	if err := c.ShouldBindJSON(&counter); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if counter.WindowStart.IsZero() {
		AbortWithError(c, newValidationError("window_start", "required", "window_start is required"))
		return
	}

	if err := s.counters.Put(c.Request.Context(), userID, feature, counter); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, counter)
}

// ConsumeUsage checks and takes one unit in a single step against the tier the
// stored record grants right now.
func (s *Server) ConsumeUsage(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	feature, ok := featureParam(c)
	if !ok {
		return
	}
	loc, ok := requestLocation(c, time.UTC)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	record, err := s.registry.Get(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limits := s.evaluator.LimitsAt(record, s.clock.Now())

	decision, err := s.authority.Consume(ctx, userID, feature, limits, loc)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordConsume(ctx, feature.String(), decision.Allowed)

	c.JSON(http.StatusOK, decision)
}
