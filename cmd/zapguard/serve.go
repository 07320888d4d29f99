package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var workers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, opts.cfg, opts.policy)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			srv := &http.Server{
				Addr:              ":" + opts.cfg.Port,
				Handler:           a.apiServer(opts.cfg).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if workers {
				a.scheduler.Start(ctx)
				defer a.scheduler.Stop()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Printf("[zapguard] listening on %s (lite=%v, workers=%v)", srv.Addr, opts.cfg.LiteMode(), workers)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Printf("[zapguard] shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&workers, "workers", true, "Run the background worker loops in this process")
	return cmd
}
