package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/matcher"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/registry"
	"github.com/sells-group/formextract/internal/store"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and manage extraction patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list <template-id>",
	Short: "List learned patterns for a template with their performance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		patterns, err := st.TemplatePatterns(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "patterns list")
		}
		if len(patterns) == 0 {
			fmt.Fprintln(os.Stderr, "No learned patterns found.")
			return nil
		}
		formatLearnedPatterns(os.Stdout, patterns)
		return nil
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a global or user-scoped pattern for a field name",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		field, _ := cmd.Flags().GetString("field")
		regex, _ := cmd.Flags().GetString("pattern")
		user, _ := cmd.Flags().GetString("user")
		actor, _ := cmd.Flags().GetString("actor")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := model.Pattern{FieldName: field, Regex: regex, Owner: user}
		if err := addPatterns(ctx, st, []model.Pattern{p}, actor); err != nil {
			return err
		}
		return nil
	},
}

var patternsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import global and user patterns from a YAML or JSON fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		patterns, err := registry.LoadPatterns(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		actor, _ := cmd.Flags().GetString("actor")
		return addPatterns(ctx, st, patterns, actor)
	},
}

var patternsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <pattern-id>",
	Short: "Deactivate a learned pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeactivatePattern(ctx, args[0], actor, reason); err != nil {
			return eris.Wrap(err, "deactivate pattern")
		}
		zap.L().Info("pattern deactivated", zap.String("pattern_id", args[0]), zap.String("reason", reason))
		return nil
	},
}

func init() {
	patternsAddCmd.Flags().String("field", "", "field name the pattern applies to (required)")
	patternsAddCmd.Flags().String("pattern", "", "regular expression, optionally /slash-delimited/ (required)")
	patternsAddCmd.Flags().String("user", "", "owner; empty adds a global pattern")
	_ = patternsAddCmd.MarkFlagRequired("field")
	_ = patternsAddCmd.MarkFlagRequired("pattern")

	patternsDeactivateCmd.Flags().String("reason", "manual", "reason recorded in the change history")

	for _, c := range []*cobra.Command{patternsAddCmd, patternsImportCmd, patternsDeactivateCmd} {
		c.Flags().String("actor", "cli", "actor recorded in the change history")
	}

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsAddCmd)
	patternsCmd.AddCommand(patternsImportCmd)
	patternsCmd.AddCommand(patternsDeactivateCmd)
	rootCmd.AddCommand(patternsCmd)
}

// addPatterns validates and upserts global or user patterns.
func addPatterns(ctx context.Context, st store.PatternStore, patterns []model.Pattern, actor string) error {
	for i := range patterns {
		p := &patterns[i]
		if p.FieldName == "" {
			return eris.New("pattern field name is required")
		}
		if _, err := matcher.Compile(p.Regex); err != nil {
			return eris.Wrapf(err, "pattern for %s", p.FieldName)
		}
		p.Regex = matcher.Sanitize(p.Regex)
		if err := st.UpsertFieldPattern(ctx, p, actor); err != nil {
			return eris.Wrapf(err, "save pattern for %s", p.FieldName)
		}
		zap.L().Info("pattern saved",
			zap.String("pattern_id", p.ID),
			zap.String("field", p.FieldName),
			zap.String("kind", string(p.Kind())),
		)
	}
	return nil
}

// formatLearnedPatterns writes a tabular list of learned patterns to w.
func formatLearnedPatterns(out io.Writer, patterns []model.LearnedPattern) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFIELD_CONFIG\tTYPE\tACTIVE\tPRIORITY\tMATCH_RATE\tUSAGE\tSUCCESS\tPATTERN")
	for _, p := range patterns {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%.2f\t%d\t%d\t%s\n",
			truncateID(p.ID),
			truncateID(p.FieldConfigID),
			p.Type,
			p.Active,
			p.Priority,
			p.MatchRate,
			p.UsageCount,
			p.SuccessCount,
			truncate(p.Regex, 60),
		)
	}
	_ = w.Flush()
}
