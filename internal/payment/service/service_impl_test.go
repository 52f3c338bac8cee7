package service

import (
	"context"
	"testing"

	"github.com/smallbiznis/wayfare/internal/payment/adapters"
	"github.com/smallbiznis/wayfare/internal/payment/adapters/static"
	paymentdomain "github.com/smallbiznis/wayfare/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(approve bool) Service {
	registry := adapters.NewRegistry(static.NewFactory("card"), static.NewFactory("wallet"), nil)
	return New(registry, paymentdomain.ProcessorConfig{AutoApprove: approve}, zap.NewNop())
}

func TestProcessApproves(t *testing.T) {
	outcome, err := newService(true).Process(context.Background(), paymentdomain.Charge{
		UserID: "u1", Tier: "basic", Amount: 499, PaymentMethod: " Card ",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	assert.Contains(t, outcome.Reference, "static_")
}

func TestProcessDeclinesWithoutAutoApprove(t *testing.T) {
	outcome, err := newService(false).Process(context.Background(), paymentdomain.Charge{
		UserID: "u1", Tier: "basic", Amount: 499, PaymentMethod: "wallet",
	})
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
	assert.NotEmpty(t, outcome.Reason)
}

func TestProcessUnknownMethod(t *testing.T) {
	_, err := newService(true).Process(context.Background(), paymentdomain.Charge{
		UserID: "u1", Tier: "basic", Amount: 499, PaymentMethod: "cash",
	})
	require.ErrorIs(t, err, paymentdomain.ErrProcessorNotFound)
}

func TestProcessRejectsMalformedCharge(t *testing.T) {
	_, err := newService(true).Process(context.Background(), paymentdomain.Charge{Tier: "basic", PaymentMethod: "card"})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidCharge)
}

func TestRegistry(t *testing.T) {
	var nilRegistry *adapters.Registry
	assert.False(t, nilRegistry.MethodExists("card"))

	registry := adapters.NewRegistry(static.NewFactory("card"), static.NewFactory(" "))
	assert.True(t, registry.MethodExists("CARD"))
	assert.False(t, registry.MethodExists(""))
}
