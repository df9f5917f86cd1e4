package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/phenom-core/internal/api"
	"github.com/ajitpratap0/phenom-core/internal/config"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/JSON API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			a, err := newSession(ctx, logger)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeApp(ctx, a)

			watchErr := config.Watch(configPath, func(next *config.Config, err error) {
				if err != nil {
					logger.Warn("config reload rejected", "error", err)
					return
				}
				if next.BackendMode() == a.orch.Mode() {
					return
				}
				if err := a.orch.SetMode(next.BackendMode()); err != nil {
					logger.Warn("config reload: applying mode", "error", err)
				}
			})
			if watchErr != nil {
				logger.Debug("config hot reload disabled", "reason", watchErr)
			}

			srv := api.NewServer(a.orch, a.rag, a.memory, logger, cfg.API.AuthToken)

			if cfg.API.AuthToken == "" {
				logger.Warn("HTTP API: auth is DISABLED; set PHENOM_CORE_API_AUTH_TOKEN or api.auth_token for production use")
			}

			httpSrv := &http.Server{
				Addr:              cfg.API.ListenAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      writeTimeout(cfg.AI),
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP API server starting", "addr", cfg.API.ListenAddr, "mode", a.orch.Mode())
				if listenErr := httpSrv.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
					errCh <- fmt.Errorf("serve: HTTP server: %w", listenErr)
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case startErr := <-errCh:
				return startErr
			}

			const shutdownTimeout = 10 * time.Second
			if shutdownErr := api.Shutdown(httpSrv, shutdownTimeout); shutdownErr != nil {
				return fmt.Errorf("serve: graceful shutdown: %w", shutdownErr)
			}

			// Drain the errCh in case ListenAndServe returned after Shutdown.
			if startErr := <-errCh; startErr != nil {
				return startErr
			}
			return nil
		},
	}
	return cmd
}

// writeTimeout covers a hybrid request that times out on one backend and falls back to
// the slowest other, plus a margin for queueing and encoding.
func writeTimeout(ai config.AIConfig) time.Duration {
	cloud := ai.Cloud.Timeout
	for _, pc := range ai.ProviderOverrides {
		cloud = max(cloud, pc.Timeout)
	}
	return ai.Local.Timeout + cloud + 30*time.Second
}
