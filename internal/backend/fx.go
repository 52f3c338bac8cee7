package backend

import (
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("backend.client",
	fx.Provide(NewClient),
	fx.Provide(
		func(c *Client) subscriptiondomain.Remote { return c },
		func(c *Client) subscriptiondomain.PaymentGateway { return c },
		func(c *Client) usagedomain.Remote { return c },
		func(c *Client) usagedomain.StrictRemote { return c },
	),
)
