package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/app"
	httpSrv "github.com/jmehdipour/cart-recovery/internal/http"
	"github.com/jmehdipour/cart-recovery/internal/logger"
	"github.com/jmehdipour/cart-recovery/internal/metrics"
	"github.com/jmehdipour/cart-recovery/internal/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Bootstrap(cfgPath, "api")
		if err != nil {
			return err
		}
		defer logger.Sync()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		chDB, err := a.ClickHouse()
		if err != nil {
			return err
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Tenants:  a.Repos.Tenants,
			Logs:     a.Repos.Logs,
			Reports:  repository.NewCHMessagesRepository(chDB),
			Carts:    a.Carts,
			Health:   a.Health,
			Statuses: a.Statuses,
			Redis:    a.Redis,
		}, log)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.HTTP.Addr) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}
