// Package cli implements the cmdguard command line interface.
package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cmdguard/internal/audit"
	"cmdguard/internal/command"
	"cmdguard/internal/config"
	"cmdguard/internal/evaluator"
	"cmdguard/internal/policy"
)

// ErrDenied signals a denied command so main can exit 1 without printing a
// second error message.
var ErrDenied = errors.New("command denied")

// NewRootCommand builds the cmdguard command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "cmdguard",
		Short:         "Evaluate shell commands against safety and policy rules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultFileName+" if present)")

	root.AddCommand(newEvalCommand(&configPath))
	root.AddCommand(newAuditCommand(&configPath))
	root.AddCommand(newCheckConfigCommand(&configPath))
	return root
}

// Execute runs the CLI. Exit codes: 0 allowed/ok, 1 denied, 2 any other
// failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		if errors.Is(err, ErrDenied) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "cmdguard:", err)
		os.Exit(2)
	}
}

// loadConfig reads the explicit path, or the default file when present,
// or falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(config.DefaultFileName); err == nil {
		return config.Load(config.DefaultFileName)
	}
	return config.Default(), nil
}

func newEvalCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "eval -- CMD [ARGS...]",
		Short: "Evaluate one command and print the decision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			eval, err := evaluator.New(cfg, nil)
			if err != nil {
				return err
			}
			defer eval.Close()

			res := eval.Evaluate(cmd.Context(), command.New(args...))

			out := cmd.OutOrStdout()
			if res.Allowed {
				fmt.Fprintln(out, "allowed:", res.PrimaryReason)
			} else {
				fmt.Fprintln(out, "denied:", res.PrimaryReason)
			}
			for _, reason := range res.SecondaryReasons {
				fmt.Fprintln(out, "  -", reason)
			}
			if res.ResolvedPath != "" {
				fmt.Fprintln(out, "resolved:", res.ResolvedPath)
			}

			if !res.Allowed {
				return ErrDenied
			}
			return nil
		},
	}
}

func newAuditCommand(configPath *string) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print a day's audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			day := date
			if day == "" {
				day = time.Now().Format("2006-01-02")
			}
			events, err := audit.ReadDay(cfg.Audit.Dir, day)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, e := range events {
				fmt.Fprintf(out, "%s  %-8s  %s", e.Timestamp.Format(time.RFC3339), e.Decision, e.Subject)
				if e.Reason != "" {
					fmt.Fprintf(out, "  (%s)", e.Reason)
				}
				fmt.Fprintln(out)
			}
			if len(events) == 0 {
				fmt.Fprintf(out, "no audit events for %s\n", day)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to print (YYYY-MM-DD, default today)")
	return cmd
}

func newCheckConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config and rule files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rules, err := policy.LoadRulesDir(cfg.Commands.RulesDir)
			if err != nil {
				return err
			}
			if _, err := policy.Compile(cfg.Lists(), rules); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK\n")
			fmt.Fprintf(out, "  allow patterns: %d\n",
				len(cfg.Commands.AllowList)+len(cfg.Commands.AllowGlob)+len(cfg.Commands.AllowRegex))
			fmt.Fprintf(out, "  deny patterns:  %d\n",
				len(cfg.Commands.DenyList)+len(cfg.Commands.DenyGlob)+len(cfg.Commands.DenyRegex))
			fmt.Fprintf(out, "  prefix rules:   %d\n", len(rules))
			fmt.Fprintf(out, "  default policy: %s\n", cfg.Security.DefaultPolicy)
			return nil
		},
	}
}
