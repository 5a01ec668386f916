package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/registry"
	"github.com/sells-group/formextract/internal/store"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage form templates",
}

var templatesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import templates from a YAML or JSON fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		publish, _ := cmd.Flags().GetBool("publish")
		actor, _ := cmd.Flags().GetString("actor")

		saved, err := importTemplates(ctx, st, args[0], publish, actor)
		if err != nil {
			return err
		}
		formatTemplates(os.Stdout, saved)
		return nil
	},
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored template versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tmpls, err := st.ListTemplates(ctx)
		if err != nil {
			return eris.Wrap(err, "templates list")
		}
		if len(tmpls) == 0 {
			fmt.Fprintln(os.Stderr, "No templates found.")
			return nil
		}
		formatTemplates(os.Stdout, tmpls)
		return nil
	},
}

var templatesPublishCmd = &cobra.Command{
	Use:   "publish <template-id> <version>",
	Short: "Publish a template version, making it immutable",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		version, err := strconv.Atoi(args[1])
		if err != nil || version <= 0 {
			return eris.Errorf("invalid version %q", args[1])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		actor, _ := cmd.Flags().GetString("actor")
		if err := st.PublishTemplate(ctx, args[0], version, actor); err != nil {
			return eris.Wrap(err, "publish template")
		}
		zap.L().Info("template published", zap.String("template_id", args[0]), zap.Int("version", version))
		return nil
	},
}

var templatesDeleteCmd = &cobra.Command{
	Use:   "delete <template-id>",
	Short: "Delete every version of a template and its learned patterns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		actor, _ := cmd.Flags().GetString("actor")
		if err := st.DeleteTemplate(ctx, args[0], actor); err != nil {
			return eris.Wrap(err, "delete template")
		}
		zap.L().Info("template deleted", zap.String("template_id", args[0]))
		return nil
	},
}

func init() {
	templatesImportCmd.Flags().Bool("publish", false, "publish each template after saving it")
	for _, c := range []*cobra.Command{templatesImportCmd, templatesPublishCmd, templatesDeleteCmd} {
		c.Flags().String("actor", "cli", "actor recorded in the change history")
	}

	templatesCmd.AddCommand(templatesImportCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesPublishCmd)
	templatesCmd.AddCommand(templatesDeleteCmd)
	rootCmd.AddCommand(templatesCmd)
}

// importTemplates loads and validates a fixture, then saves (and optionally
// publishes) each template.
func importTemplates(ctx context.Context, st store.TemplateStore, path string, publish bool, actor string) ([]model.TemplateConfig, error) {
	tmpls, err := registry.LoadTemplates(path)
	if err != nil {
		return nil, err
	}
	for i := range tmpls {
		t := &tmpls[i]
		if err := st.SaveTemplate(ctx, t, actor); err != nil {
			return nil, eris.Wrapf(err, "save template %s", t.ID)
		}
		if publish {
			if err := st.PublishTemplate(ctx, t.ID, t.Version, actor); err != nil {
				return nil, eris.Wrapf(err, "publish template %s", t.ID)
			}
			t.Published = true
		}
		zap.L().Info("template imported",
			zap.String("template_id", t.ID),
			zap.Int("version", t.Version),
			zap.Int("fields", len(t.Fields)),
			zap.Bool("published", t.Published),
		)
	}
	return tmpls, nil
}

// formatTemplates writes a tabular list of template versions to w.
func formatTemplates(out io.Writer, tmpls []model.TemplateConfig) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tNAME\tPUBLISHED")
	for _, t := range tmpls {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%t\n", t.ID, t.Version, t.Name, t.Published)
	}
	_ = w.Flush()
}
