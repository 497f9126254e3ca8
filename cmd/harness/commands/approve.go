package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openharness/openharness/pkg/engine"
)

func newApproveCommand() *cobra.Command {
	var (
		reject       bool
		reason       string
		actorSubject string
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Decide a pending approval",
		Long: `Approve or reject a pending approval gate. A decision is recorded at
most once; the first one stands. Approving resumes the gated step,
rejecting cancels the run.`,
		Example: `  # Approve and wait for the run to resume and finish
  harness approve 3f2a... --reason "reviewed the diff"

  # Reject
  harness approve 3f2a... --reject --reason "wrong environment"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			s.start(ctx)

			decision := engine.ApprovalApproved
			if reject {
				decision = engine.ApprovalRejected
			}

			actor := engine.Actor{Subject: actorSubject}
			approval, err := s.orch.DecideApproval(ctx, actor, args[0], decision, reason)
			if err != nil {
				return err
			}

			log.Info().
				Str("approval_id", approval.ID).
				Str("run_id", approval.RunID).
				Str("decision", string(approval.Decision)).
				Msg("Approval decided")

			if wait {
				run, err := s.waitForRun(ctx, approval.RunID)
				if err != nil {
					return err
				}
				fmt.Printf("run %s: %s\n", run.ID, run.Status)
			}
			if jsonOutput {
				return printJSON(approval)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&reason, "reason", "", "decision rationale, recorded in the audit trail")
	cmd.Flags().StringVar(&actorSubject, "actor", "user:cli", "actor subject for policy checks")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run after the decision")

	return cmd
}
