package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show run status",
		Long: `Show a run with its steps, approvals, and artifacts, or list recent
runs when no id is given.`,
		Example: `  # List recent runs
  harness status

  # Inspect one run
  harness status 7f8c0e9a-1b2d-4c3e-9f4a-5b6c7d8e9f0a --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 0 {
				runs, err := s.orch.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				for _, run := range runs {
					fmt.Printf("%s  %-18s  %s\n", run.ID, run.Status, run.Payload.Task)
				}
				return nil
			}

			view, err := s.orch.GetRunStatus(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(view)
			}

			fmt.Printf("run %s: %s (version %d)\n", view.Run.ID, view.Run.Status, view.Run.Version)
			if view.Run.Error != "" {
				fmt.Printf("error: %s\n", view.Run.Error)
			}
			for _, step := range view.Steps {
				fmt.Printf("  step %d %-24s %-14s attempts=%d target=%s\n",
					step.Index, step.Name, step.Outcome, step.Attempts, step.Target)
			}
			for _, approval := range view.Approvals {
				fmt.Printf("  approval %s: %s\n", approval.ID, approval.Decision)
			}
			for _, artifact := range view.Artifacts {
				fmt.Printf("  artifact %-24s %s\n", artifact.Name, artifact.State)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}
