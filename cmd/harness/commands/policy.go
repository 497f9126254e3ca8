package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and evaluate policy rules",
	}
	cmd.AddCommand(newPolicyEvalCommand())
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyEvalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <actor> <action> <resource>",
		Short: "Dry-run a policy decision",
		Long: `Evaluate one (actor, action, resource) triple against the configured
rule files and print the decision with the winning rule.`,
		Example: `  harness policy eval user:alice run:create deploy-frontend
  harness policy eval system:executor step:invoke provider:anthropic`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			decision := s.policies.Evaluate(args[0], args[1], args[2])
			if jsonOutput {
				return printJSON(decision)
			}
			fmt.Println(decision)
			return nil
		},
	}
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the loaded rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			rs := s.policies.Snapshot()
			if jsonOutput {
				return printJSON(rs)
			}
			fmt.Printf("source: %s (%d rules)\n", rs.Source, len(rs.Rules))
			for _, rule := range rs.Rules {
				fmt.Printf("  %-5s  %-32s  actor=%s action=%s resource=%s\n",
					rule.Effect, rule.Name, rule.Actor, rule.Action, rule.Resource)
			}
			return nil
		},
	}
	return cmd
}
