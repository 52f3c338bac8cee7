package domain

import (
	"context"
	"errors"
)

var (
	ErrProcessorNotFound = errors.New("payment_processor_not_found")
	ErrInvalidConfig     = errors.New("invalid_payment_config")
	ErrInvalidCharge     = errors.New("invalid_charge")
)

// Charge is one request to move money for a tier purchase. Amount is in minor units.
type Charge struct {
	UserID        string
	Tier          string
	Amount        int64
	PaymentMethod string
}

// Outcome is what the processor reported. A declined charge is not an error.
type Outcome struct {
	Approved  bool
	Reference string
	Reason    string
}

// Processor settles charges for one payment method.
type Processor interface {
	Process(ctx context.Context, charge Charge) (Outcome, error)
}

type ProcessorConfig struct {
	AutoApprove bool
}

// ProcessorFactory builds the processor registered for a payment method.
type ProcessorFactory interface {
	Method() string
	NewProcessor(cfg ProcessorConfig) (Processor, error)
}
