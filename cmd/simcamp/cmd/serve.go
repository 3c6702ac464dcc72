package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kiranshivaraju/simcamp/internal/api"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(a *App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if addr == "" {
				addr = fmt.Sprintf(":%d", svc.cfg.Server.Port)
			}
			handler := api.NewHandler(api.Services{
				DB:         svc.db,
				Cache:      svc.cache,
				Registry:   svc.reg,
				Controller: svc.ctl,
				Gatherer:   svc.gatherer,
				Config:     svc.cfg.Server,
			})
			return serve(cmd.Context(), addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :$SIMCAMP_PORT)")
	return cmd
}

// serve runs an HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
