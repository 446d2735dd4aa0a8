package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-android-sub023/internal/app"
	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/config"
	"github.com/element-hq/element-android-sub023/internal/relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath, listen string
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "In-memory relay for e2ee devices",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			logger := app.NewLogger(cfg.Log, os.Stderr)

			srv := &http.Server{
				Addr:              cfg.Relay.Listen,
				Handler:           relay.NewServer(relay.NewHub(clock.Real()), logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", srv.Addr).Msg("relay listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (.yaml or .jsonc)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default 127.0.0.1:8080)")
	return cmd
}
