package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
)

var subscriptionErrors = map[string]error{
	subscriptiondomain.ErrTrialAlreadyUsed.Error():     subscriptiondomain.ErrTrialAlreadyUsed,
	subscriptiondomain.ErrTierNotTrialEligible.Error(): subscriptiondomain.ErrTierNotTrialEligible,
	subscriptiondomain.ErrPaymentFailed.Error():        subscriptiondomain.ErrPaymentFailed,
	subscriptiondomain.ErrInvalidTransition.Error():    subscriptiondomain.ErrInvalidTransition,
	subscriptiondomain.ErrInvalidRecord.Error():        subscriptiondomain.ErrInvalidRecord,
	subscriptiondomain.ErrInvalidTrialDays.Error():     subscriptiondomain.ErrInvalidTrialDays,
	subscriptiondomain.ErrInvalidAmount.Error():        subscriptiondomain.ErrInvalidAmount,
	subscriptiondomain.ErrInvalidUserID.Error():        subscriptiondomain.ErrInvalidUserID,
	subscriptiondomain.ErrSubscriptionNotFound.Error(): subscriptiondomain.ErrSubscriptionNotFound,
}

type cancelAck struct {
	Acknowledged bool `json:"acknowledged"`
}

func (c *Client) GetSubscription(ctx context.Context, userID string) (subscriptiondomain.Record, error) {
	var record subscriptiondomain.Record
	err := c.do(ctx, "get_subscription", http.MethodGet, userPath("/subscriptions/%s", userID), nil, &record)
	return record, subscriptionError(err)
}

func (c *Client) PutSubscription(ctx context.Context, record subscriptiondomain.Record) (subscriptiondomain.Record, error) {
	var stored subscriptiondomain.Record
	err := c.do(ctx, "put_subscription", http.MethodPut, userPath("/subscriptions/%s", record.UserID), record, &stored)
	return stored, subscriptionError(err)
}

func (c *Client) StartTrial(ctx context.Context, req subscriptiondomain.StartTrialRequest) (subscriptiondomain.Record, error) {
	var record subscriptiondomain.Record
	err := c.do(ctx, "start_trial", http.MethodPost, "/subscriptions/trial", req, &record)
	return record, subscriptionError(err)
}

func (c *Client) Upgrade(ctx context.Context, req subscriptiondomain.UpgradeRequest) (subscriptiondomain.Record, error) {
	var record subscriptiondomain.Record
	err := c.do(ctx, "upgrade", http.MethodPost, "/subscriptions/upgrade", req, &record)
	return record, subscriptionError(err)
}

func (c *Client) Cancel(ctx context.Context, userID string, req subscriptiondomain.CancelRequest) error {
	var ack cancelAck
	return subscriptionError(c.do(ctx, "cancel", http.MethodPost, userPath("/subscriptions/%s/cancel", userID), req, &ack))
}

func (c *Client) TrialHistory(ctx context.Context, userID string) (subscriptiondomain.TrialHistory, error) {
	var history subscriptiondomain.TrialHistory
	err := c.do(ctx, "trial_history", http.MethodGet, userPath("/users/%s/trial-history", userID), nil, &history)
	return history, subscriptionError(err)
}

// Charge asks the backend's payment gateway for a charge. A decline is reported both
// as Success=false and as ErrPaymentFailed.
func (c *Client) Charge(ctx context.Context, req subscriptiondomain.PaymentRequest) (subscriptiondomain.PaymentResult, error) {
	var result subscriptiondomain.PaymentResult
	if err := subscriptionError(c.do(ctx, "payment", http.MethodPost, "/subscriptions/payment", req, &result)); err != nil {
		return subscriptiondomain.PaymentResult{}, err
	}
	if !result.Success {
		return result, subscriptiondomain.ErrPaymentFailed
	}
	return result, nil
}

// subscriptionError folds transport failures and 5xx into ErrRemoteUnavailable and
// maps typed rejections back to their sentinels.
func subscriptionError(err error) error {
	if err == nil {
		return nil
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %v", subscriptiondomain.ErrRemoteUnavailable, err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if sentinel, ok := subscriptionErrors[apiErr.Type]; ok {
		return fmt.Errorf("%w: %s", sentinel, apiErr.Message)
	}
	switch apiErr.Status {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", subscriptiondomain.ErrTrialAlreadyUsed, apiErr.Message)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", subscriptiondomain.ErrPaymentFailed, apiErr.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", subscriptiondomain.ErrSubscriptionNotFound, apiErr.Message)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", subscriptiondomain.ErrInvalidRecord, apiErr.Message)
	default:
		return fmt.Errorf("%w: %v", subscriptiondomain.ErrRemoteUnavailable, apiErr)
	}
}

var (
	_ subscriptiondomain.Remote         = (*Client)(nil)
	_ subscriptiondomain.PaymentGateway = (*Client)(nil)
)
