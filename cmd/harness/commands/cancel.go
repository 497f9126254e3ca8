package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openharness/openharness/pkg/engine"
)

func newCancelCommand() *cobra.Command {
	var (
		reason       string
		actorSubject string
	)

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Long: `Cancel a non-terminal run. Recorded side effects of completed steps are
compensated through the provider guard where a compensation payload was
supplied.`,
		Example: `  harness cancel 7f8c0e9a-1b2d-4c3e-9f4a-5b6c7d8e9f0a --reason "superseded"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			actor := engine.Actor{Subject: actorSubject}
			run, err := s.orch.Cancel(ctx, actor, args[0], reason)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(run)
			}
			fmt.Printf("run %s: %s\n", run.ID, run.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "cancellation rationale, recorded in the audit trail")
	cmd.Flags().StringVar(&actorSubject, "actor", "user:cli", "actor subject for policy checks")

	return cmd
}
