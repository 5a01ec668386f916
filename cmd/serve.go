package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/formextract/internal/api"
	"github.com/sells-group/formextract/internal/pdfreader"
)

var (
	servePort      int
	serveNoWorkers bool
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Start the REST API and the learning job workers",
	Annotations: map[string]string{modeAnnotation: "serve"},
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

		contextWords := cfg.Extraction.ContextWords
		router := api.NewRouter(api.Deps{
			Store:     st,
			Extractor: newEngine(cfg, st),
			Feedback:  newFeedbackService(cfg, st),
			Open: func(path string) (api.DocumentReader, error) {
				rd, err := pdfreader.Open(path, pdfreader.WithContextWords(contextWords))
				if err != nil {
					return nil, err
				}
				return rd, nil
			},
		}, api.Config{
			CORSOrigins: cfg.Server.CORSOrigins,
			MaxAttempts: cfg.Jobs.MaxAttempts,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			// Graceful shutdown
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if !serveNoWorkers {
			pool := newPool(cfg, st, locker)
			g.Go(func() error {
				return pool.Run(gctx)
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "serve the API without running learning workers")
	rootCmd.AddCommand(serveCmd)
}
