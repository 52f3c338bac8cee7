// Package static settles charges without an external provider. It approves
// every well-formed charge when auto approval is on and declines otherwise.
package static

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	paymentdomain "github.com/smallbiznis/wayfare/internal/payment/domain"
)

const declinedReason = "auto_approve_disabled"

type Factory struct {
	method string
}

func NewFactory(method string) *Factory {
	return &Factory{method: method}
}

func (f *Factory) Method() string {
	return f.method
}

func (f *Factory) NewProcessor(cfg paymentdomain.ProcessorConfig) (paymentdomain.Processor, error) {
	if strings.TrimSpace(f.method) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Processor{approve: cfg.AutoApprove}, nil
}

type Processor struct {
	approve bool
}

func (p *Processor) Process(ctx context.Context, charge paymentdomain.Charge) (paymentdomain.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return paymentdomain.Outcome{}, err
	}
	if strings.TrimSpace(charge.UserID) == "" || charge.Amount < 0 {
		return paymentdomain.Outcome{}, paymentdomain.ErrInvalidCharge
	}
	if !p.approve {
		return paymentdomain.Outcome{Reason: declinedReason}, nil
	}
	return paymentdomain.Outcome{Approved: true, Reference: "static_" + strings.ToLower(ulid.Make().String())}, nil
}
