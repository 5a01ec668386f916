package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	learnField string
	learnNow   bool
)

var learnCmd = &cobra.Command{
	Use:   "learn <template-id>",
	Short: "Queue a learning pass, or run it immediately with --now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		templateID := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tmpl, err := st.GetTemplate(ctx, templateID, 0)
		if err != nil {
			return eris.Wrap(err, "load template")
		}
		if learnField != "" && tmpl.Field(learnField) == nil {
			return eris.Errorf("template %s has no field %q", templateID, learnField)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if !learnNow {
			job, created, err := st.EnqueueJob(ctx, templateID, learnField, cfg.Jobs.MaxAttempts)
			if err != nil {
				return eris.Wrap(err, "enqueue learning job")
			}
			zap.L().Info("learning job queued",
				zap.String("job_id", job.ID),
				zap.String("template_id", templateID),
				zap.String("field", learnField),
				zap.Bool("created", created),
			)
			return enc.Encode(job)
		}

		summary, err := newLearner(cfg, st).Run(ctx, templateID, learnField)
		if err != nil {
			return eris.Wrap(err, "learn")
		}
		zap.L().Info("learning complete",
			zap.String("template_id", templateID),
			zap.Int("feedback", summary.FeedbackCount),
			zap.Int("discovered", summary.PatternsDiscovered),
			zap.Int("applied", summary.PatternsApplied),
		)
		return enc.Encode(summary)
	},
}

func init() {
	learnCmd.Flags().StringVar(&learnField, "field", "", "limit learning to one field (default all fields)")
	learnCmd.Flags().BoolVar(&learnNow, "now", false, "run the learner in-process instead of queueing a job")
	rootCmd.AddCommand(learnCmd)
}
