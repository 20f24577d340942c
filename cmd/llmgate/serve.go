package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ctx is cancelled on Ctrl+C or SIGTERM, like process.on('SIGTERM')
	// in Node.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := rt.cfg
	srv := server.New(server.Options{
		Services:     rt.serviceList(),
		Vector:       rt.vector,
		VectorEngine: cfg.Vector.Engine,
		AdminToken:   cfg.Server.AdminToken,
		Logger:       rt.logger,
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     srv,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Streams can legitimately run for as long as timeouts.request, so
		// the write timeout has to cover that.
		WriteTimeout: max(cfg.Server.WriteTimeout, cfg.Timeouts.Request),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	color.Green("llmgate v%s listening on :%d", version, cfg.Server.Port)
	if cfg.Server.AdminToken == "" {
		color.Yellow("admin endpoints disabled (server.admin_token is empty)")
	}
	if cfg.Vector.Engine != "" {
		rt.logger.Info("vector store ready", "engine", cfg.Vector.Engine)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
