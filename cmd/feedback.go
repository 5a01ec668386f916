package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/registry"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Manage reviewer feedback",
}

var feedbackImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import historical corrections and queue learning where the threshold is met",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		recs, err := registry.LoadFeedback(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, queued, err := newFeedbackService(cfg, st).Import(ctx, recs)
		if err != nil {
			return eris.Wrap(err, "feedback import")
		}

		zap.L().Info("feedback import complete",
			zap.String("file", args[0]),
			zap.Int("records", len(recs)),
			zap.Int64("inserted", n),
			zap.Int("jobs_queued", len(queued)),
		)
		fmt.Fprintf(os.Stdout, "imported %d of %d records, queued %d learning jobs\n", n, len(recs), len(queued))
		return nil
	},
}

func init() {
	feedbackCmd.AddCommand(feedbackImportCmd)
	rootCmd.AddCommand(feedbackCmd)
}
