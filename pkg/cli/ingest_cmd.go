package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/objectstore"
)

type ingestResult struct {
	Object       domain.ObjectRef `json:"object"`
	State        domain.State     `json:"state"`
	Cursor       *int64           `json:"cursor"`
	Invocations  int              `json:"invocations"`
	Attempts     int              `json:"attempts"`
	Rows         int              `json:"rows"`
	Failures     int              `json:"failures"`
	DeadLettered bool             `json:"dead_lettered"`
	Error        string           `json:"error,omitempty"`
}

func newIngestCmd() *cobra.Command {
	var (
		cursor int64
		once   bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <object>",
		Short: "Ingest one object",
		Long: `Ingests a CSV object named as s3://bucket/key, gs://bucket/key,
az://container/key or bucket/key.

By default the object is driven to completion with retries and dead-lettering.
--once runs a single invocation and prints the resume cursor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := objectstore.ParseURI(args[0])
			if err != nil {
				return err
			}
			if cursor < 0 {
				return domain.ErrValidation("--cursor must not be negative")
			}
			trig := domain.Trigger{Object: ref}
			if cmd.Flags().Changed("cursor") {
				trig.Cursor = &cursor
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			res := ingestResult{Object: ref}
			if once {
				out, err := a.Coordinator.Invoke(cmd.Context(), trig)
				if err != nil {
					return err
				}
				res.State, res.Cursor, res.Invocations, res.Attempts = out.State, out.Next(), 1, 1
				res.Rows, res.Failures = out.Rows, out.Failures
			} else {
				run, err := a.Orchestrator.Run(cmd.Context(), trig)
				if err != nil {
					return err
				}
				res.State, res.Cursor = run.Outcome.State, run.Outcome.Next()
				res.Invocations, res.Attempts = run.Invocations, run.Attempts
				res.Rows, res.Failures = run.Outcome.Rows, run.Outcome.Failures
				res.DeadLettered = run.DeadLettered
				if run.Err != nil {
					res.State = domain.StateFailed
					res.Error = run.Err.Error()
				}
			}

			if err := emit(cmd, res, func(w io.Writer) {
				fields := map[string]any{
					"object":      ref.String(),
					"state":       string(res.State),
					"invocations": res.Invocations,
					"rows":        res.Rows,
					"failures":    res.Failures,
				}
				if res.Cursor != nil {
					fields["cursor"] = *res.Cursor
				}
				if res.DeadLettered {
					fields["dead_lettered"] = true
					fields["error"] = res.Error
				}
				PrintDetail(w, fields)
			}); err != nil {
				return err
			}
			if res.DeadLettered {
				return fmt.Errorf("%s dead-lettered: %s", ref, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "Line to resume from")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single invocation instead of the full continuation loop")
	return cmd
}
