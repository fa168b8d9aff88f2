package cli

import (
	"io"

	"github.com/spf13/cobra"

	"tenant-ingest/internal/app"
	"tenant-ingest/internal/domain"
)

type resolveResult struct {
	Key             string            `json:"key"`
	Matched         bool              `json:"matched"`
	Template        string            `json:"template,omitempty"`
	Tenant          string            `json:"tenant,omitempty"`
	PartitionPrefix string            `json:"partition_prefix,omitempty"`
	PartitionKey    string            `json:"partition_key,omitempty"`
	SortKey         string            `json:"sort_key,omitempty"`
	Table           string            `json:"table,omitempty"`
	Columns         map[string]string `json:"columns,omitempty"`
	Error           string            `json:"error,omitempty"`
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <object-key>...",
		Short: "Show how object keys map to tenants and partitions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resolver, defaultTable, err := app.NewResolver(cfg)
			if err != nil {
				return err
			}

			results := make([]resolveResult, 0, len(args))
			for _, key := range args {
				res := resolveResult{Key: key}
				rm, err := resolver.Resolve(key)
				switch {
				case err != nil:
					res.Error = err.Error()
				case rm != nil:
					res.Matched = true
					res.Template = rm.Template
					res.Tenant = rm.TenantID
					res.PartitionPrefix = rm.PartitionPrefix
					res.PartitionKey = rm.TenantID + domain.KeySeparator + rm.PartitionPrefix
					res.SortKey = rm.SortKey
					res.Table = rm.Table
					if res.Table == "" {
						res.Table = defaultTable
					}
					if len(rm.ExtractedColumns) > 0 {
						res.Columns = rm.ExtractedColumns
					}
				}
				results = append(results, res)
			}

			return emit(cmd, results, func(w io.Writer) {
				rows := make([][]string, len(results))
				for i, r := range results {
					status := r.Template
					switch {
					case r.Error != "":
						status = "error: " + r.Error
					case !r.Matched:
						status = "unmapped"
					}
					rows[i] = []string{r.Key, status, r.PartitionKey, r.SortKey, r.Table}
				}
				PrintTable(w, []string{"key", "template", "partition key", "sort key", "table"}, rows)
			})
		},
	}
}
