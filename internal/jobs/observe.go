package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/metrics"
)

// invoke runs h, converting a panic into a retryable failure.
func invoke(ctx context.Context, h Handler, job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Retry(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, job)
}

func observe(log *zap.Logger, job Job, out Outcome) {
	metrics.JobOutcomes.WithLabelValues(job.Queue, string(out.Kind())).Inc()

	fields := []zap.Field{
		zap.String("queue", job.Queue),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.String("outcome", string(out.Kind())),
	}
	switch out.Kind() {
	case KindRetry:
		log.Warn("job failed", append(fields, zap.Error(out.Err()), zap.Bool("last_attempt", job.LastAttempt()))...)
	case KindTerminal:
		log.Info("job finished", append(fields, zap.String("reason", out.Reason()))...)
	case KindReschedule:
		log.Info("job rescheduled", append(fields, zap.Duration("after", out.After()), zap.String("reason", out.Reason()))...)
	default:
		log.Debug("job done", fields...)
	}
}
