package worker

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/logger"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the message, recovery-check and maintenance job handlers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, a, log, err := boot(cmd, "dispatch")
		if err != nil {
			return err
		}
		defer stop()
		defer logger.Sync()
		defer func() { _ = a.Close() }()

		if err := a.Dispatcher(ctx); err != nil {
			return err
		}

		log.Info("dispatch worker started",
			zap.String("driver", a.Cfg.Jobs.Driver),
			zap.Any("concurrency", a.Cfg.Jobs.Concurrency))
		return a.Queue.Run(ctx)
	},
}
