package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/config"
)

var cfg *config.Config

// modeAnnotation names the config validation mode a command runs under.
const modeAnnotation = "config_mode"

var rootCmd = &cobra.Command{
	Use:   "formextract",
	Short: "Hybrid form field extraction with adaptive pattern learning",
	Long:  "Extracts field values from filled PDF forms using template regions, regex patterns and a sequence tagger, and learns new patterns from reviewer corrections.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		mode := cmd.Annotations[modeAnnotation]
		if mode == "" {
			mode = "cli"
		}
		if err := c.Validate(mode); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
