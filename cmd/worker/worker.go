package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/app"
	"github.com/jmehdipour/cart-recovery/internal/metrics"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.AddCommand(dispatchCmd)
	cmd.AddCommand(ingestCmd)
	cmd.AddCommand(allCmd)

	return cmd
}

// boot loads config, registers metrics and builds the shared services for a worker
// subcommand. The returned context ends on SIGINT/SIGTERM.
func boot(cmd *cobra.Command, service string) (context.Context, context.CancelFunc, *app.App, *zap.Logger, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, log, err := app.Bootstrap(cfgPath, service)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	a, err := app.New(cfg, log)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, stop, a, log, nil
}
