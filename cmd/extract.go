package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/extract"
	"github.com/sells-group/formextract/internal/pdfreader"
)

var (
	extractTemplate string
	extractVersion  int
	extractUser     string
	extractDocID    string
	extractOut      string
)

var extractCmd = &cobra.Command{
	Use:         "extract <pdf>",
	Short:       "Extract field values from a filled PDF form",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{modeAnnotation: "extract"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reader, err := pdfreader.Open(args[0], pdfreader.WithContextWords(cfg.Extraction.ContextWords))
		if err != nil {
			return err
		}
		defer reader.Close() //nolint:errcheck

		docID := extractDocID
		if docID == "" {
			docID = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}

		result, err := newEngine(cfg, st).Extract(ctx, extract.Request{
			DocumentID: docID,
			TemplateID: extractTemplate,
			Version:    extractVersion,
			UserID:     extractUser,
			Reader:     reader,
		})
		if err != nil {
			return eris.Wrap(err, "extract document")
		}

		for _, w := range result.Warnings {
			zap.L().Warn("extract: warning", zap.String("document_id", docID), zap.String("detail", w))
		}

		var out io.Writer = os.Stdout
		if extractOut != "" {
			f, err := os.Create(extractOut)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		// Print result JSON
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractTemplate, "template", "", "template id (required)")
	extractCmd.Flags().IntVar(&extractVersion, "version", 0, "template version (default latest)")
	extractCmd.Flags().StringVar(&extractUser, "user", "", "apply this user's patterns besides global ones")
	extractCmd.Flags().StringVar(&extractDocID, "document-id", "", "document id (default file name)")
	extractCmd.Flags().StringVarP(&extractOut, "out", "o", "", "write the result to a file instead of stdout")
	_ = extractCmd.MarkFlagRequired("template")
	rootCmd.AddCommand(extractCmd)
}
