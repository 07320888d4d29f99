package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/zapguard/guardrail/pkg/api"
	"github.com/zapguard/guardrail/pkg/health"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, opts.cfg, opts.policy)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}

func newSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of every background worker and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				counts, err := a.scheduler.RunOnce(ctx)
				names := make([]string, 0, len(counts))
				for name := range counts {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d\n", name, counts[name])
				}
				return err
			})
		},
	}
}

func newEvaluateCmd(opts *globalOptions) *cobra.Command {
	var signalsJSON string
	cmd := &cobra.Command{
		Use:   "evaluate <instance-id>",
		Short: "Evaluate an instance's health from the given signals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				inst, err := a.instances.Get(ctx, args[0])
				if err != nil {
					return err
				}
				signals := a.evaluator.SignalsFor(inst)
				if signalsJSON != "" {
					elapsed := signals.WarmUpElapsed
					signals = health.Signals{}
					if err := json.Unmarshal([]byte(signalsJSON), &signals); err != nil {
						return fmt.Errorf("invalid --signals: %w", err)
					}
					if signals.WarmUpElapsed == 0 {
						signals.WarmUpElapsed = elapsed
					}
				}
				assessment, err := a.evaluator.Evaluate(ctx, inst.ID, signals)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), assessment)
			})
		},
	}
	cmd.Flags().StringVar(&signalsJSON, "signals", "", `Signals as JSON, e.g. {"send_volume":40,"failure_rate":0.1}`)
	return cmd
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health <instance-id>",
		Short: "Print an instance's last assessment without re-evaluating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				assessment, err := a.evaluator.Assessment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), assessment)
			})
		},
	}
}

func newGateCmd(opts *globalOptions) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Print the dispatch readiness gate of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return errors.New("--org is required")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				gate, err := a.instances.Gate(ctx, org)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"organization_id": org, "status": gate})
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id")
	return cmd
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		org     string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token bound to an organization (requires JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := api.IssueToken([]byte(opts.cfg.JWTSecret), org, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id")
	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "zapguard %s\n", version)
		},
	}
}
