package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/smallbiznis/wayfare/internal/engine"
	"github.com/smallbiznis/wayfare/internal/entitlement"
	subscriptiondomain "github.com/smallbiznis/wayfare/internal/subscription/domain"
	"github.com/spf13/cobra"
)

// Session is the engine surface the commands drive.
type Session interface {
	Record() subscriptiondomain.Record
	Notice() *subscriptiondomain.Notice
	EffectiveTier() catalog.Tier
	Authorize(required catalog.Tier) entitlement.Decision
	CheckFeature(ctx context.Context, feature catalog.Feature) (engine.FeatureDecision, error)
	CheckHold(held uint32) engine.FeatureDecision
	Use(ctx context.Context, feature catalog.Feature, fn func(context.Context) error) (engine.FeatureDecision, error)
	ConsumeStrict(ctx context.Context, feature catalog.Feature) (engine.FeatureDecision, error)
	Usage(ctx context.Context) ([]engine.FeatureDecision, error)
	StartTrial(ctx context.Context, tier catalog.Tier) (subscriptiondomain.Record, error)
	Subscribe(ctx context.Context, tier catalog.Tier, paymentMethod string) (subscriptiondomain.Record, error)
	Cancel(ctx context.Context, reason string) (subscriptiondomain.Record, error)
	ChangeTier(ctx context.Context, tier catalog.Tier) (subscriptiondomain.Record, error)
}

// Opener starts a session for userID, runs fn and tears the session down.
type Opener func(ctx context.Context, userID string, fn func(context.Context, Session) (any, error)) (any, error)

var errUserRequired = errors.New("--user is required")

type statusView struct {
	Record        subscriptiondomain.Record  `json:"record"`
	EffectiveTier catalog.Tier               `json:"effective_tier"`
	Notice        *subscriptiondomain.Notice `json:"notice,omitempty"`
}

func newRootCmd(out io.Writer, open Opener) *cobra.Command {
	var userID string

	root := &cobra.Command{
		Use:           "wayfare",
		Short:         "Inspect and change a traveller's plan and quotas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&userID, "user", "u", "", "user id of the session")

	run := func(cmd *cobra.Command, fn func(context.Context, Session) (any, error)) error {
		if userID == "" {
			return errUserRequired
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		result, err := open(ctx, userID, fn)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the subscription record and effective tier",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, func(_ context.Context, s Session) (any, error) {
					return statusView{Record: s.Record(), EffectiveTier: s.EffectiveTier(), Notice: s.Notice()}, nil
				})
			},
		},
		&cobra.Command{
			Use:   "usage",
			Short: "Show every quota with what is left of it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, func(ctx context.Context, s Session) (any, error) {
					return s.Usage(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "authorize <tier>",
			Short: "Check access to content gated at a tier",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tier, err := catalog.ParseTier(args[0])
				if err != nil {
					return err
				}
				return run(cmd, func(_ context.Context, s Session) (any, error) {
					return s.Authorize(tier), nil
				})
			},
		},
		newFeatureCmd(run),
		newTrialCmd(run),
		newSubscribeCmd(run),
		newCancelCmd(run),
		&cobra.Command{
			Use:   "change-tier <tier>",
			Short: "Move a running trial or subscription to another tier",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				tier, err := catalog.ParseTier(args[0])
				if err != nil {
					return err
				}
				return run(cmd, func(ctx context.Context, s Session) (any, error) {
					return s.ChangeTier(ctx, tier)
				})
			},
		},
	)
	return root
}

type runner func(cmd *cobra.Command, fn func(context.Context, Session) (any, error)) error

func newFeatureCmd(run runner) *cobra.Command {
	var (
		record bool
		strict bool
		held   uint32
	)
	cmd := &cobra.Command{
		Use:   "feature <name>",
		Short: "Check a feature quota, optionally taking one unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature, err := catalog.ParseFeature(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, s Session) (any, error) {
				switch {
				case feature == catalog.FeatureFavorites:
					return s.CheckHold(held), nil
				case strict:
					return s.ConsumeStrict(ctx, feature)
				case record:
					return s.Use(ctx, feature, func(context.Context) error { return nil })
				default:
					return s.CheckFeature(ctx, feature)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&record, "use", false, "record one unit when allowed")
	cmd.Flags().BoolVar(&strict, "strict", false, "let the backend check and count atomically")
	cmd.Flags().Uint32Var(&held, "held", 0, "favorites currently held")
	cmd.MarkFlagsMutuallyExclusive("use", "strict")
	return cmd
}

func newTrialCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "trial <tier>",
		Short: "Start the one free trial of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := catalog.ParseTier(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, s Session) (any, error) {
				return s.StartTrial(ctx, tier)
			})
		},
	}
}

func newSubscribeCmd(run runner) *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "subscribe <tier>",
		Short: "Pay for a month of a tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := catalog.ParseTier(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, s Session) (any, error) {
				return s.Subscribe(ctx, tier, method)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "card", "payment method")
	return cmd
}

func newCancelCmd(run runner) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the paid subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, s Session) (any, error) {
				return s.Cancel(ctx, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the user leaves")
	return cmd
}
