package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openharness/openharness/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	var (
		payloadFile    string
		idempotencyKey string
		actorSubject   string
		wait           bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task run",
		Long: `Submit a task payload and execute it in-process.

The payload file is a JSON document with the task description and its
ordered steps. Submissions are idempotent: resubmitting the same key
within the configured window returns the original run instead of
creating a duplicate.`,
		Example: `  # Submit and wait for the run to finish
  harness submit --payload task.json

  # Submit with an explicit idempotency key
  harness submit --payload task.json --key deploy-2026-08-31

  # Fire and forget
  harness submit --payload task.json --wait=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("failed to read payload file: %w", err)
			}
			var payload engine.TaskPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("failed to parse payload file: %w", err)
			}

			if idempotencyKey == "" {
				idempotencyKey = uuid.New().String()
			}

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			s.start(ctx)

			actor := engine.Actor{Subject: actorSubject}
			run, err := s.orch.CreateRun(ctx, actor, idempotencyKey, payload)
			if err != nil {
				return err
			}

			log.Info().
				Str("run_id", run.ID).
				Str("key", idempotencyKey).
				Msg("Run submitted")

			if wait {
				if run, err = s.waitForRun(ctx, run.ID); err != nil {
					return err
				}
				log.Info().
					Str("run_id", run.ID).
					Str("status", string(run.Status)).
					Msg("Run finished")
			}

			if jsonOutput {
				return printJSON(run)
			}
			fmt.Printf("run %s: %s\n", run.ID, run.Status)
			if run.Error != "" {
				fmt.Printf("error: %s\n", run.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&payloadFile, "payload", "p", "", "task payload file (JSON)")
	cmd.Flags().StringVarP(&idempotencyKey, "key", "k", "", "idempotency key (random when omitted)")
	cmd.Flags().StringVar(&actorSubject, "actor", "user:cli", "actor subject for policy checks")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to leave the running states")
	cmd.MarkFlagRequired("payload")

	return cmd
}
