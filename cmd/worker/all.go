package worker

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/jmehdipour/cart-recovery/internal/logger"
)

// allCmd runs ingest and dispatch in one process. With the memory jobs driver this is the
// only way the two share a queue.
var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run ingest and dispatch together",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, a, _, err := boot(cmd, "worker")
		if err != nil {
			return err
		}
		defer stop()
		defer logger.Sync()
		defer func() { _ = a.Close() }()

		if err := a.Dispatcher(ctx); err != nil {
			return err
		}
		ing := a.Ingester()

		p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
		p.Go(func(ctx context.Context) error { return a.Queue.Run(ctx) })
		p.Go(func(ctx context.Context) error { return ing.Run(ctx) })
		return p.Wait()
	},
}
