package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Run learning job workers without the API",
	Annotations: map[string]string{modeAnnotation: "worker"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		locker, closeLocker, err := initLocker(ctx)
		if err != nil {
			return err
		}
		defer closeLocker()

		return newPool(cfg, st, locker).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
