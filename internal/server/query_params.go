package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/wayfare/internal/backend"
	"github.com/smallbiznis/wayfare/internal/catalog"
)

func userIDParam(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "user id is required"))
		return "", false
	}
	return userID, true
}

func featureParam(c *gin.Context) (catalog.Feature, bool) {
	feature, err := catalog.ParseFeature(c.Param("feature"))
	if err != nil {
		AbortWithError(c, err)
		return "", false
	}
	return feature, true
}

// requestLocation resolves the caller's zone for window boundaries. Requests
// without a named zone count in fallback.
func requestLocation(c *gin.Context, fallback *time.Location) (*time.Location, bool) {
	name := strings.TrimSpace(c.GetHeader(backend.TimezoneHeader))
	if name == "" || strings.EqualFold(name, "local") {
		if fallback == nil {
			fallback = time.UTC
		}
		return fallback, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		AbortWithError(c, newValidationError("timezone", "invalid_timezone", "invalid timezone"))
		return nil, false
	}
	return loc, true
}
