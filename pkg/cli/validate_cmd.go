package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tenant-ingest/internal/app"
	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/mapping"
)

type validateProblem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type validateResult struct {
	Valid     bool              `json:"valid"`
	Table     string            `json:"table,omitempty"`
	Templates int               `json:"templates"`
	Problems  []validateProblem `json:"problems,omitempty"`
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [templates-file]",
		Short: "Check a path-template set",
		Long: `Loads a template set and reports every validation problem.

Without an argument the set comes from TEMPLATES or TEMPLATES_FILE.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				tf  *mapping.TemplateFile
				err error
			)
			if len(args) == 1 {
				tf, err = mapping.LoadTemplates(args[0])
			} else {
				cfg, _, cerr := loadConfig(cmd)
				if cerr != nil {
					return cerr
				}
				tf, err = app.LoadTemplates(cfg)
			}
			if err != nil {
				return err
			}

			res := validateResult{Table: tf.Table, Templates: len(tf.Templates)}
			for _, p := range mapping.Validate(tf.Templates) {
				res.Problems = append(res.Problems, validateProblem{Path: p.Path, Message: p.Message})
			}
			res.Valid = len(res.Problems) == 0

			if err := emit(cmd, res, func(w io.Writer) {
				if res.Valid {
					_, _ = fmt.Fprintf(w, "OK: %d template(s)\n", res.Templates)
					return
				}
				rows := make([][]string, len(res.Problems))
				for i, p := range res.Problems {
					rows[i] = []string{p.Path, p.Message}
				}
				PrintTable(w, []string{"path", "problem"}, rows)
			}); err != nil {
				return err
			}
			if !res.Valid {
				return domain.ErrConfiguration("%d template problem(s)", len(res.Problems))
			}
			return nil
		},
	}
}
