package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/formextract/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect pattern learning jobs",
	Long:  "Commands for listing learning jobs and the jobs that exhausted their attempts.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list [template-id]",
	Short: "List learning jobs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		templateID := ""
		if len(args) == 1 {
			templateID = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, templateID, limit)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs failed --

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List jobs that exhausted their attempts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		failed, err := st.ListFailedJobs(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "jobs failed")
		}
		if len(failed) == 0 {
			fmt.Fprintln(os.Stderr, "No failed jobs.")
			return nil
		}

		formatFailedJobs(os.Stdout, failed)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")
	jobsFailedCmd.Flags().Int("limit", 50, "max number of failed jobs to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsFailedCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.PatternLearningJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTEMPLATE\tFIELD\tSTATUS\tATTEMPTS\tDISCOVERED\tAPPLIED\tCREATED\tDURATION")
	for _, j := range jobs {
		field := j.FieldName
		if field == "" {
			field = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\t%s\n",
			truncateID(j.ID),
			j.TemplateID,
			field,
			j.Status,
			j.Attempts, j.MaxAttempts,
			j.PatternsDiscovered,
			j.PatternsApplied,
			j.CreatedAt.Format("2006-01-02 15:04"),
			jobDuration(j),
		)
		if j.LastError != "" && j.Status != model.JobCompleted {
			_, _ = fmt.Fprintf(w, "\t  error: %s\n", truncate(j.LastError, 80))
		}
	}
	_ = w.Flush()
}

// formatFailedJobs writes a tabular list of permanently failed jobs to w.
func formatFailedJobs(out io.Writer, failed []model.FailedJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tTEMPLATE\tFIELD\tATTEMPTS\tFAILED\tERROR")
	for _, f := range failed {
		field := f.FieldName
		if field == "" {
			field = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(f.JobID),
			f.TemplateID,
			field,
			f.Attempts,
			f.FailedAt.Format("2006-01-02 15:04"),
			truncate(f.Error, 80),
		)
	}
	_ = w.Flush()
}

func jobDuration(j model.PatternLearningJob) string {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return "-"
	}
	return j.CompletedAt.Sub(*j.StartedAt).Round(time.Second).String()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
