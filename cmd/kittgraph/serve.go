package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight requests and the final flush")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, logger, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}

	srv := server.New(a, logger)
	if err := srv.Start(); err != nil {
		_ = a.Close(ctx)
		return err
	}
	logger.Info().
		Str("version", config.Version).
		Str("addr", srv.Addr()).
		Str("storage", a.Config.StorageBackend).
		Str("vectors", a.Config.VectorBackend).
		Str("cache", a.Config.CacheBackend).
		Msg("kittgraph is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	if err := a.Close(stopCtx); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}
