package worker

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/logger"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Consume cart, order and delivery-status facts from Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, a, log, err := boot(cmd, "ingest")
		if err != nil {
			return err
		}
		defer stop()
		defer logger.Sync()
		defer func() { _ = a.Close() }()

		topics := a.Cfg.Kafka.Topics
		log.Info("ingest started",
			zap.Strings("brokers", a.Cfg.Kafka.Brokers),
			zap.String("group", a.Cfg.Kafka.GroupID),
			zap.Strings("topics", []string{topics.Carts, topics.Orders, topics.Statuses}))
		return a.Ingester().Run(ctx)
	},
}
