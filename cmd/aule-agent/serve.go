package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/auleagent/pkg/kernel"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	logger := a.logger

	doc, err := kernel.OpenAPI(ctx)
	if err != nil {
		return errors.Join(err, a.close(ctx))
	}
	logger.Debug("api document loaded", "version", doc.Info.Version, "paths", doc.Paths.Len())

	srv := kernel.NewServer(logger, a.agent, a.bus, a.tracer, a.repo, a.repo)
	httpServer := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: kernel.WithCORS(srv.Handler(), a.cfg.Server.AllowedOrigins),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting api server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), a.close(shutdownCtx))
	})

	return g.Wait()
}
