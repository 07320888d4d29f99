package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zapguard/guardrail/pkg/config"
)

var version = "0.1.0"

type globalOptions struct {
	envFile    string
	policyPath string
	jsonLogs   bool

	cfg    *config.Config
	policy config.Policy
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "zapguard",
		Short: "zapguard - message intent guardrail and instance health engine",
		Long: `zapguard decides whether each outbound WhatsApp message may be sent, through
which instance and when, based on per-instance health scoring, warm-up phases
and admission limits. It also runs the operator queue and follow-up escalation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	root.PersistentFlags().StringVar(&opts.policyPath, "policy", "", "Path to the policy YAML file (default: $POLICY_FILE or built-in defaults)")
	root.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", true, "Emit JSON logs")

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newEvaluateCmd(opts),
		newGateCmd(opts),
		newHealthCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *globalOptions) load() error {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return err
	}
	o.cfg = config.Load()

	var handler slog.Handler
	hopts := &slog.HandlerOptions{Level: o.cfg.SlogLevel()}
	if o.jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, hopts)
	}
	slog.SetDefault(slog.New(handler))

	path := o.policyPath
	if path == "" {
		path = o.cfg.PolicyFile
	}
	policy, err := config.LoadPolicy(path)
	if err != nil {
		return err
	}
	o.policy = policy
	return nil
}
