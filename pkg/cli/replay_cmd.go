package cli

import (
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/service/replay"
)

type replayResult struct {
	Bucket string `json:"bucket"`
	replay.Report
}

func newReplayCmd() *cobra.Command {
	var buckets []string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-write rows from stored failed batches",
		Long: `Lists failed batches under FAILED_PREFIX, re-resolves each source key and
writes the stored rows again. Committed batches are deleted; batches holding
only raw spans are kept for inspection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			if len(buckets) == 0 {
				buckets = a.Cfg.ReplayBuckets
			}
			if len(buckets) == 0 {
				return domain.ErrValidation("no bucket to replay: pass --bucket or set REPLAY_BUCKETS or FAILED_BUCKET")
			}

			results := make([]replayResult, 0, len(buckets))
			for _, b := range buckets {
				rep, err := a.Replay.Replay(cmd.Context(), b)
				if err != nil {
					return err
				}
				results = append(results, replayResult{Bucket: b, Report: rep})
			}

			return emit(cmd, results, func(w io.Writer) {
				rows := make([][]string, len(results))
				for i, r := range results {
					rows[i] = []string{
						r.Bucket,
						strconv.Itoa(r.Scanned),
						strconv.Itoa(r.Replayed),
						strconv.Itoa(r.Rows),
						strconv.Itoa(r.Kept),
						strconv.Itoa(r.Failed),
					}
				}
				PrintTable(w, []string{"bucket", "scanned", "replayed", "rows", "kept", "failed"}, rows)
			})
		},
	}
	cmd.Flags().StringSliceVar(&buckets, "bucket", nil, "Bucket holding failed batches (repeatable)")
	return cmd
}
