package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/smallbiznis/wayfare/internal/catalog"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
)

// UsageResponse is the body of GET /subscriptions/{userId}/usage.
type UsageResponse struct {
	UserID string               `json:"user_id"`
	Usage  usagedomain.Counters `json:"usage"`
}

func (c *Client) GetUsage(ctx context.Context, userID string) (usagedomain.Counters, error) {
	var resp UsageResponse
	if err := c.do(ctx, "get_usage", http.MethodGet, userPath("/subscriptions/%s/usage", userID), nil, &resp); err != nil {
		return nil, usageError(err)
	}
	if resp.Usage == nil {
		resp.Usage = usagedomain.Counters{}
	}
	return resp.Usage, nil
}

func (c *Client) PutUsage(ctx context.Context, userID string, feature catalog.Feature, counter usagedomain.Counter) error {
	path := userPath("/subscriptions/%s/usage/%s", userID, feature)
	return usageError(c.do(ctx, "put_usage", http.MethodPut, path, counter, nil))
}

// Consume runs the backend's atomic check-and-increment for feature.
func (c *Client) Consume(ctx context.Context, userID string, feature catalog.Feature) (usagedomain.Decision, error) {
	var decision usagedomain.Decision
	path := userPath("/subscriptions/%s/usage/%s/consume", userID, feature)
	if err := c.do(ctx, "consume", http.MethodPost, path, nil, &decision); err != nil {
		return usagedomain.Decision{}, usageError(err)
	}
	return decision, nil
}

func usageError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case usagedomain.ErrUnknownFeature.Error(), catalog.ErrInvalidFeature.Error():
			return fmt.Errorf("%w: %s", usagedomain.ErrUnknownFeature, apiErr.Message)
		case usagedomain.ErrNotWindowed.Error():
			return fmt.Errorf("%w: %s", usagedomain.ErrNotWindowed, apiErr.Message)
		case usagedomain.ErrInvalidUserID.Error():
			return fmt.Errorf("%w: %s", usagedomain.ErrInvalidUserID, apiErr.Message)
		}
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %v", usagedomain.ErrRemoteUnavailable, err)
	}
	return err
}

var (
	_ usagedomain.Remote       = (*Client)(nil)
	_ usagedomain.StrictRemote = (*Client)(nil)
)
